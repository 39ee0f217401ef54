package agent

import (
	"net"
	"testing"

	"github.com/brinklane/revtun/internal/sink"
)

func newTestTunnel(id uint32) *tunnel {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return newTunnel(id, client, "127.0.0.1:9", 0, sink.Discard)
}

func TestTableOpenRejectsDuplicateID(t *testing.T) {
	tb := newTable()
	a := newTestTunnel(7)
	if err := tb.open(a); err != nil {
		t.Fatalf("open: %v", err)
	}
	b := newTestTunnel(7)
	if err := tb.open(b); err == nil {
		t.Fatal("expected duplicate-id error, got nil")
	}
	b.close()
	a.close()
}

func TestTableGetRemoveSnapshot(t *testing.T) {
	tb := newTable()
	a := newTestTunnel(1)
	bT := newTestTunnel(2)
	if err := tb.open(a); err != nil {
		t.Fatal(err)
	}
	if err := tb.open(bT); err != nil {
		t.Fatal(err)
	}

	if got := tb.get(1); got != a {
		t.Fatalf("get(1) = %v, want %v", got, a)
	}
	if tb.len() != 2 {
		t.Fatalf("len = %d, want 2", tb.len())
	}

	removed := tb.remove(1)
	if removed != a {
		t.Fatalf("remove(1) = %v, want %v", removed, a)
	}
	if tb.get(1) != nil {
		t.Fatal("expected id 1 gone after remove")
	}
	if again := tb.remove(1); again != nil {
		t.Fatal("second remove of same id must be a no-op")
	}

	snap := tb.snapshot()
	if len(snap) != 1 || snap[0] != bT {
		t.Fatalf("snapshot = %v, want [%v]", snap, bT)
	}

	a.close()
	bT.close()
}
