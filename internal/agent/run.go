package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/brinklane/revtun/internal/logger"
)

// runner retries a failed control connection to the orchestrator, the
// "external launcher" spec.md §9 leaves unspecified and folds into this
// package's own command rather than a separate HTTP/UI layer. Unlike a
// flat exponential backoff, the wait floor is shaped by what kind of
// failure the control connection just had — a DNS hiccup and a refused
// connection don't deserve the same retry cadence, the way the failure
// classification elsewhere in this corpus treats "server down" and "DNS
// not ready yet" differently rather than backing off identically for any
// error string.
type runner struct {
	opts   *options
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	resources *resourceTracker

	attempt             int
	consecutiveFailures int
}

func (o *options) run(ctx context.Context) error {
	r := &runner{
		opts:      o,
		logger:    o.logger,
		resources: newResourceTracker(),
	}
	return r.run(ctx)
}

func (r *runner) run(ctx context.Context) error {
	resCtx, resCancel := context.WithCancel(ctx)
	defer resCancel()
	r.resources.start(resCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.attempt++
		start := time.Now()
		err := r.connectOnce(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if err != nil {
			r.consecutiveFailures++
			class, floor := r.classify(err)
			delay := r.fullJitter(floor, r.consecutiveFailures)
			r.logger.Warn("connection failed",
				"error", err,
				"failure_class", class,
				"attempt", r.attempt,
				"consecutive_failures", r.consecutiveFailures,
				"retry_in", delay.String(),
				"resource_sample", r.resources.snapshot(),
			)
			if !r.wait(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		// A clean session exit still waits before redialing, so a
		// crash-looping orchestrator can't pin this agent in a hot spin,
		// but a connection that lived past a minute is treated as healthy
		// and clears the failure streak entirely.
		if time.Since(start) > time.Minute {
			r.consecutiveFailures = 0
			r.attempt = 0
		}
		r.logger.Info("connection terminated, reconnecting", "attempt", r.attempt)
		if !r.wait(ctx, r.fullJitter(r.opts.reconnectMin, 1)) {
			return ctx.Err()
		}
	}
}

func (r *runner) wait(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// classify maps a control-connection failure to a label and a minimum
// backoff floor, grounded on the error-string classification used for
// reconnect pacing elsewhere in this corpus: a refused connection means
// the orchestrator is actively down and worth retrying soon, while a DNS
// or routing failure usually needs longer for whatever broke it to heal.
func (r *runner) classify(err error) (label string, floor time.Duration) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused", r.opts.reconnectMin
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_failure", clampDuration(2*r.opts.reconnectMin, r.opts.reconnectMin, r.opts.reconnectMax)
	case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "no route to host"):
		return "network_unreachable", clampDuration(r.opts.reconnectMax/2, r.opts.reconnectMin, r.opts.reconnectMax)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "i/o timeout"):
		return "timeout", r.opts.reconnectMin
	default:
		return "unknown", r.opts.reconnectMin
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// fullJitter implements the "full jitter" backoff from AWS's retry
// guidance: the wait is a uniform random draw between zero and an
// exponentially growing cap, rather than a narrow band around a fixed
// midpoint. It spreads a fleet of reconnecting agents out much more than
// a symmetric jitter would. A draw below floor/2 is raised to floor/2, so
// the wait for a failure class never drops under half its floor.
func (r *runner) fullJitter(floor time.Duration, attempt int) time.Duration {
	if floor <= 0 {
		return 0
	}
	ceiling := floor
	for i := 1; i < attempt && ceiling < r.opts.reconnectMax; i++ {
		ceiling *= 2
	}
	if ceiling > r.opts.reconnectMax {
		ceiling = r.opts.reconnectMax
	}

	r.rngMu.Lock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	wait := time.Duration(r.rng.Int63n(int64(ceiling) + 1))
	r.rngMu.Unlock()

	if wait < floor/2 {
		wait = floor / 2
	}
	return wait
}

// connectOnce dials the orchestrator once (30 s timeout, per spec.md §4.7)
// and runs a session to completion. It never retries internally; retry
// policy lives entirely in run.
func (r *runner) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", r.opts.orchestratorAddr)
	cancel()
	if err != nil {
		return err
	}

	r.resources.sample(ctx)
	sess := newSession(r.opts.agentID, conn, r.opts.maxInFlight, logger.AsSink(r.logger))
	r.logger.Info("connected to orchestrator", "attempt", r.attempt, "resource_sample", r.resources.snapshot())
	return sess.run(ctx)
}
