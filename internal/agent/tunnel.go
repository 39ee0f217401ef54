package agent

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/brinklane/revtun/internal/sink"
)

var errTunnelClosed = errors.New("agent: tunnel closed")

// tunnelState is the lifecycle stage of a single logical connection, per
// the Dialing/Open/Closing states named in the spec's data model.
type tunnelState int32

const (
	stateDialing tunnelState = iota
	stateOpen
	stateClosing
)

type writeRequest struct {
	data []byte
	size int
}

// tunnel is the per-connection-id state the table owns: the target socket,
// a human-readable label for logging, and the machinery that serializes
// writes from the control channel onto that socket without blocking the
// dispatcher that decoded them.
type tunnel struct {
	id     uint32
	conn   net.Conn
	target string

	state atomic.Int32

	inbound  *tunnelQuota // bytes queued from the orchestrator, not yet written to conn
	outbound *tunnelQuota // bytes read from conn, not yet framed upstream

	writeQueue chan writeRequest
	writerOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	sink sink.Sink
}

const tunnelWriteQueueDepth = 128

func newTunnel(id uint32, conn net.Conn, target string, maxInFlight int, s sink.Sink) *tunnel {
	t := &tunnel{
		id:         id,
		conn:       conn,
		target:     target,
		inbound:    newTunnelQuota(maxInFlight),
		outbound:   newTunnelQuota(maxInFlight),
		writeQueue: make(chan writeRequest, tunnelWriteQueueDepth),
		closed:     make(chan struct{}),
		sink:       s,
	}
	t.state.Store(int32(stateOpen))
	t.startWriter()
	return t
}

func (t *tunnel) startWriter() {
	t.writerOnce.Do(func() {
		go t.writerLoop()
	})
}

// enqueueInbound queues bytes received on the control channel (a DATA
// frame's payload) for delivery to the target socket, in the order they
// arrived. It never blocks the caller on the network; backpressure is
// applied via the inbound quota and an overflowing queue closes the tunnel
// rather than stalling the whole session.
func (t *tunnel) enqueueInbound(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.isClosed() {
		return errTunnelClosed
	}
	size := len(data)
	if !t.inbound.tryAcquire(size) {
		t.logWarn("inbound backlog exceeded, closing tunnel")
		t.close()
		return errTunnelClosed
	}
	buf := make([]byte, size)
	copy(buf, data)
	select {
	case t.writeQueue <- writeRequest{data: buf, size: size}:
		return nil
	case <-t.closed:
		t.inbound.release(size)
		return errTunnelClosed
	default:
		t.inbound.release(size)
		t.logWarn("inbound write queue overflow, closing tunnel")
		t.close()
		return errTunnelClosed
	}
}

func (t *tunnel) writerLoop() {
	for {
		select {
		case req := <-t.writeQueue:
			total := 0
			for total < len(req.data) {
				n, err := t.conn.Write(req.data[total:])
				if err != nil {
					t.logWarn("tunnel write failed", "error", err)
					t.close()
					break
				}
				total += n
			}
			t.inbound.release(req.size)
		case <-t.closed:
			return
		}
	}
}

// close tears the tunnel down. t.writeQueue is deliberately never closed
// here: closing it would make a concurrent send in enqueueInbound's select
// a ready case, and Go picks a ready send-on-closed-channel case instead of
// the <-t.closed case at random, panicking. writerLoop instead exits on
// t.closed alone, and anything still sitting in the queue is dropped with
// the channel when the tunnel is garbage collected.
func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		t.state.Store(int32(stateClosing))
		close(t.closed)
		t.conn.Close()
		t.inbound.close()
		t.outbound.close()
	})
}

func (t *tunnel) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *tunnel) acquireOutbound(n int) { t.outbound.acquire(n) }
func (t *tunnel) releaseOutbound(n int) { t.outbound.release(n) }

func (t *tunnel) logWarn(msg string, attrs ...any) {
	if t.sink == nil {
		return
	}
	t.sink.Log(sink.Warn, msg, append([]any{"conn_id", t.id, "target", t.target}, attrs...)...)
}
