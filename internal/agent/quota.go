package agent

import "sync"

// tunnelQuota is a byte-based semaphore bounding how many bytes of a single
// tunnel's traffic may be buffered without having been written to the far
// side yet. It guards against one saturated tunnel consuming unbounded
// memory while its socket drains slowly; it has no effect on the wire
// protocol and is invisible to the orchestrator.
type tunnelQuota struct {
	max    int
	mu     sync.Mutex
	cond   *sync.Cond
	used   int
	closed bool
}

// newTunnelQuota returns a quota allowing up to max bytes in flight.
// A non-positive max disables the quota (every call becomes a no-op).
func newTunnelQuota(max int) *tunnelQuota {
	if max <= 0 {
		return nil
	}
	q := &tunnelQuota{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// acquire blocks until n additional bytes can be reserved, or the quota is
// closed. A single n larger than max would otherwise wait forever even
// after close() zeroes used, since used+n > max stays true regardless; the
// closed check gives close() a way to wake a stuck waiter for good.
func (q *tunnelQuota) acquire(n int) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.used+n > q.max {
		q.cond.Wait()
	}
	if q.closed {
		return
	}
	q.used += n
}

// tryAcquire reserves n bytes without blocking, returning false if doing so
// would exceed the quota.
func (q *tunnelQuota) tryAcquire(n int) bool {
	if q == nil {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.max {
		return false
	}
	q.used += n
	return true
}

// release frees n bytes that were previously reserved.
func (q *tunnelQuota) release(n int) {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.used -= n
	if q.used < 0 {
		q.used = 0
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// close resets the quota and wakes any waiters, so a blocked writer
// observes the tunnel's teardown instead of hanging forever.
func (q *tunnelQuota) close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.closed = true
	q.used = 0
	q.mu.Unlock()
	q.cond.Broadcast()
}
