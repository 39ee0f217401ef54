package agent

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// resourcePoint is a snapshot of this process's footprint at a point in
// time, attached to the runner's connect and connection-failure log lines —
// never placed on the wire, since the HEARTBEAT frame itself carries no
// payload.
type resourcePoint struct {
	Timestamp  time.Time
	CPUPercent float64
	RSSBytes   uint64
	Goroutines int
}

// resourceTracker samples process CPU/RSS/goroutine counts on a slow
// cadence so the runner's connection log lines carry a recent picture of
// the process.
type resourceTracker struct {
	proc *process.Process

	mu      sync.RWMutex
	current resourcePoint
}

func newResourceTracker() *resourceTracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &resourceTracker{proc: p}
}

func (r *resourceTracker) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *resourceTracker) sample(ctx context.Context) {
	if r == nil || r.proc == nil {
		return
	}
	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	var rss uint64
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss = mem.RSS
	}

	point := resourcePoint{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
		RSSBytes:   rss,
		Goroutines: runtime.NumGoroutine(),
	}

	r.mu.Lock()
	r.current = point
	r.mu.Unlock()
}

func (r *resourceTracker) snapshot() resourcePoint {
	if r == nil {
		return resourcePoint{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
