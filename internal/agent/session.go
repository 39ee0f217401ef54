package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brinklane/revtun/internal/protocol"
	"github.com/brinklane/revtun/internal/sink"
)

var errSessionClosed = errors.New("agent: session closed")

// outboundReadSize is the bound on a single target-socket read, per
// spec.md §4.5 ("each read is bounded to 64 KiB") so one saturated tunnel
// cannot starve the others for longer than one read of this size.
const outboundReadSize = 64 * 1024

type frameJob struct {
	kind    protocol.Kind
	connID  uint32
	payload []byte

	// onSent, if set, runs after writerLoop has attempted the write
	// (whether or not it succeeded) rather than after the job was merely
	// handed off — the distinction pumpOutbound's outbound quota needs to
	// be a real gate on unflushed bytes instead of a same-goroutine
	// acquire/release pair that can never see more than one read in
	// flight.
	onSent func()
}

// session is the top-level per-connection state: the control socket, the
// tunnel table, and the single writer that serializes every outbound
// frame onto the wire. It has no notion of reconnecting — that belongs to
// the runner (run.go); a session is one-shot, per spec.md §4.7 and §9's
// "the core is explicitly one-shot" open-question resolution.
type session struct {
	agentID string
	conn    net.Conn

	tunnels     *table
	maxInFlight int

	heartbeat *heartbeatState

	writeCh chan frameJob
	closed  chan struct{}
	closeOnce sync.Once

	sink   sink.Sink
	tracer trace.Tracer
}

func newSession(agentID string, conn net.Conn, maxInFlight int, s sink.Sink) *session {
	if s == nil {
		s = sink.Discard
	}
	return &session{
		agentID:     agentID,
		conn:        conn,
		tunnels:     newTable(),
		maxInFlight: maxInFlight,
		heartbeat:   newHeartbeatState(),
		writeCh:     make(chan frameJob, 256),
		closed:      make(chan struct{}),
		sink:        s,
		tracer:      otel.Tracer("github.com/brinklane/revtun/internal/agent"),
	}
}

// run drives one control-socket lifetime: register, dispatch inbound
// frames, emit heartbeats, and tear everything down on exit. It returns
// when the control socket is gone or ctx is canceled; it never reconnects.
func (s *session) run(ctx context.Context) error {
	defer s.shutdown()

	go s.writerLoop()

	if err := s.sendFrame(protocol.KindRegister, 0, []byte(s.agentID)); err != nil {
		return fmt.Errorf("agent: send register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx)

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErr:
		return err
	}
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(controlIdleTimeout)); err != nil {
			return err
		}
		frame, err := protocol.DecodeFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("agent: control decode: %w", err)
		}
		s.dispatch(ctx, frame)
	}
}

// dispatch routes one decoded frame per the table in spec.md §4.6.
func (s *session) dispatch(ctx context.Context, f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindConnect:
		go s.handleConnect(ctx, f)
	case protocol.KindData:
		s.handleData(f)
	case protocol.KindClose:
		s.handleClose(f)
	case protocol.KindHeartbeat:
		s.handleHeartbeat()
	case protocol.KindRegister, protocol.KindNewConn, protocol.KindConnectReply:
		s.log(sink.Warn, "unexpected inbound frame kind", "kind", f.Kind.String())
	default:
		s.log(sink.Warn, "unknown frame kind", "kind", byte(f.Kind))
	}
}

func (s *session) handleConnect(ctx context.Context, f *protocol.Frame) {
	ctx, span := s.tracer.Start(ctx, "tunnel.connect", trace.WithAttributes(
		attribute.Int64("conn_id", int64(f.ConnID)),
	))
	defer span.End()

	addr, err := protocol.ParseAddress(f.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed address")
		s.log(sink.Warn, "malformed CONNECT address", "conn_id", f.ConnID, "error", err)
		s.sendReply(f.ConnID, protocol.ReplyGeneralFailure)
		return
	}
	span.SetAttributes(attribute.String("target", addr.HostPort()))

	conn, reply := dial(ctx, addr)
	if reply != protocol.ReplyOK {
		span.SetStatus(codes.Error, "dial failed")
		dialErr := fmt.Sprintf("dial %s: reply %d", addr.HostPort(), reply)
		s.heartbeat.recordError(dialErr)
		s.log(sink.Warn, "dial failed", "conn_id", f.ConnID, "target", addr.HostPort(), "reply", reply)
		s.sendReply(f.ConnID, reply)
		return
	}

	t := newTunnel(f.ConnID, conn, addr.HostPort(), s.maxInFlight, s.sink)
	if err := s.tunnels.open(t); err != nil {
		s.log(sink.Warn, "duplicate conn_id from orchestrator", "conn_id", f.ConnID)
		t.close()
		s.sendReply(f.ConnID, protocol.ReplyGeneralFailure)
		return
	}

	s.sendReply(f.ConnID, protocol.ReplyOK)
	go s.pumpOutbound(t)
}

func (s *session) handleData(f *protocol.Frame) {
	t := s.tunnels.get(f.ConnID)
	if t == nil {
		return // unknown id: no-op, per spec.md §4.6 and §8
	}
	if err := t.enqueueInbound(f.Payload); err != nil {
		s.log(sink.Debug, "dropped data for closing tunnel", "conn_id", f.ConnID)
	}
}

// handleClose tears the tunnel down locally without echoing CLOSE, and is
// a no-op if the id is unknown (already closed or never opened) — the
// second of two CLOSE frames for the same id does nothing, per spec.md §8.
func (s *session) handleClose(f *protocol.Frame) {
	t := s.tunnels.remove(f.ConnID)
	if t == nil {
		return
	}
	t.close()
}

// handleHeartbeat echoes exactly once per inbound HEARTBEAT, per spec.md
// §8 scenario 5's "bounded to one echo per inbound".
func (s *session) handleHeartbeat() {
	s.heartbeat.markAck(time.Now())
	if err := s.sendFrame(protocol.KindHeartbeat, 0, nil); err != nil {
		s.log(sink.Debug, "heartbeat echo failed", "error", err)
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if err := s.sendFrame(protocol.KindHeartbeat, 0, nil); err != nil {
				s.heartbeat.markSendFailure()
				s.log(sink.Debug, "heartbeat send failed", "error", err)
				continue
			}
			s.heartbeat.markSent(now)
		}
	}
}

// pumpOutbound is the read side of one tunnel's target socket: the
// per-tunnel goroutine that stands in for the ready-set's "target socket
// readable" case in spec.md §4.5. It frames every read as a DATA frame
// upstream and, on local EOF/error, removes the tunnel and emits CLOSE —
// unless the tunnel was already removed by an orchestrator-initiated
// CLOSE, in which case the socket is already gone and nothing is sent.
//
// The outbound quota is released only once writerLoop has actually
// flushed the frame (via onSent), not as soon as it is handed off to
// writeCh. That lets this loop keep reading the next chunk while the
// previous one is still queued behind a slow control socket, so a
// saturated target can genuinely build up several reads' worth of
// unflushed bytes against --max-inflight instead of never exceeding one
// read's worth.
func (s *session) pumpOutbound(t *tunnel) {
	buf := make([]byte, outboundReadSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.acquireOutbound(n)
			sendErr := s.sendDataFrame(t.id, chunk, func() { t.releaseOutbound(n) })
			if sendErr != nil {
				t.releaseOutbound(n)
				s.log(sink.Warn, "send data failed", "conn_id", t.id, "error", sendErr)
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.heartbeat.recordError(err.Error())
				s.log(sink.Warn, "tunnel read failed", "conn_id", t.id, "error", err)
			}
			break
		}
	}

	if removed := s.tunnels.remove(t.id); removed != nil {
		removed.close()
		if err := s.sendFrame(protocol.KindClose, t.id, nil); err != nil {
			s.log(sink.Debug, "close emission failed", "conn_id", t.id, "error", err)
		}
	}
}

func (s *session) sendReply(connID uint32, reply byte) {
	if err := s.sendFrame(protocol.KindConnectReply, connID, []byte{reply}); err != nil {
		s.log(sink.Warn, "send connect_reply failed", "conn_id", connID, "error", err)
	}
}

func (s *session) sendFrame(kind protocol.Kind, connID uint32, payload []byte) error {
	select {
	case s.writeCh <- frameJob{kind: kind, connID: connID, payload: payload}:
		return nil
	case <-s.closed:
		return errSessionClosed
	}
}

// sendDataFrame is sendFrame plus a callback run once writerLoop has
// attempted to flush the frame. If the session is already closed, onSent
// never runs and the caller is responsible for its own cleanup (see
// pumpOutbound's releaseOutbound on the error path).
func (s *session) sendDataFrame(connID uint32, payload []byte, onSent func()) error {
	select {
	case s.writeCh <- frameJob{kind: protocol.KindData, connID: connID, payload: payload, onSent: onSent}:
		return nil
	case <-s.closed:
		return errSessionClosed
	}
}

// writerLoop is the single writer the spec requires when tunnels are
// handled by separate goroutines instead of one cooperative loop (spec.md
// §5, last paragraph): every outbound frame, control or data, passes
// through this one goroutine so writes are never interleaved.
func (s *session) writerLoop() {
	for {
		select {
		case job := <-s.writeCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(controlIdleTimeout)); err != nil {
				s.log(sink.Warn, "set write deadline failed", "error", err)
				if job.onSent != nil {
					job.onSent()
				}
				continue
			}
			if err := protocol.WriteFrame(s.conn, job.kind, job.connID, job.payload); err != nil {
				s.log(sink.Warn, "control write failed", "error", err)
			}
			if job.onSent != nil {
				job.onSent()
			}
		case <-s.closed:
			return
		}
	}
}

// shutdown closes every live tunnel without emitting CLOSE (the control
// channel may already be gone) and then the control socket, per spec.md
// §4.7 step 4. It is idempotent via closeOnce.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		for _, t := range s.tunnels.snapshot() {
			s.tunnels.remove(t.id)
			t.close()
		}
		close(s.closed)
		s.conn.Close()
	})
}

func (s *session) log(level sink.Level, msg string, attrs ...any) {
	s.sink.Log(level, msg, attrs...)
}
