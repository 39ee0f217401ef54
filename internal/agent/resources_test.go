package agent

import (
	"context"
	"testing"
)

func TestResourceTrackerSampleProducesSnapshot(t *testing.T) {
	r := newResourceTracker()
	if r == nil {
		t.Fatal("newResourceTracker returned nil for current process")
	}
	r.sample(context.Background())
	snap := r.snapshot()
	if snap.Timestamp.IsZero() {
		t.Fatal("expected a non-zero sample timestamp after sample()")
	}
	if snap.Goroutines <= 0 {
		t.Fatalf("Goroutines = %d, want > 0", snap.Goroutines)
	}
}

func TestNilResourceTrackerIsSafe(t *testing.T) {
	var r *resourceTracker
	r.start(context.Background())
	r.sample(context.Background())
	if snap := r.snapshot(); !snap.Timestamp.IsZero() {
		t.Fatalf("expected zero snapshot from nil tracker, got %+v", snap)
	}
}
