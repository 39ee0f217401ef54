package agent

import (
	"fmt"
	"sync"
)

// table is the connection-id -> tunnel map. It is the sole authority for
// inserting and removing tunnels; a target socket is closed only through
// tunnel.close (guarded by closeOnce), which callers invoke after detaching
// the tunnel with remove, so "a socket closed exactly once" and "at most
// one entry per id" hold by construction.
type table struct {
	mu      sync.RWMutex
	tunnels map[uint32]*tunnel
}

func newTable() *table {
	return &table{tunnels: make(map[uint32]*tunnel)}
}

// open inserts a new tunnel under id. It fails if id is already present,
// which the spec treats as a protocol violation the caller must react to
// by closing the newly dialed socket instead of displacing the existing
// entry.
func (tb *table) open(t *tunnel) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.tunnels[t.id]; exists {
		return fmt.Errorf("agent: conn_id %d already open", t.id)
	}
	tb.tunnels[t.id] = t
	return nil
}

func (tb *table) get(id uint32) *tunnel {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.tunnels[id]
}

// remove detaches id from the table without closing its socket, so the
// caller can close it outside the lock. Returns nil if id was not present.
func (tb *table) remove(id uint32) *tunnel {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.tunnels[id]
	if !ok {
		return nil
	}
	delete(tb.tunnels, id)
	return t
}

// snapshot returns every live tunnel, e.g. for shutdown or diagnostics.
func (tb *table) snapshot() []*tunnel {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]*tunnel, 0, len(tb.tunnels))
	for _, t := range tb.tunnels {
		out = append(out, t)
	}
	return out
}

func (tb *table) len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.tunnels)
}
