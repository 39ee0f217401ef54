package agent

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/brinklane/revtun/internal/protocol"
)

func TestClassifyDialErrorMapsErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  byte
	}{
		{syscall.ECONNREFUSED, protocol.ReplyConnectionRefused},
		{syscall.ENETUNREACH, protocol.ReplyNetworkUnreachable},
		{syscall.ENETDOWN, protocol.ReplyNetworkUnreachable},
		{syscall.EHOSTUNREACH, protocol.ReplyHostUnreachable},
		{syscall.ETIMEDOUT, protocol.ReplyHostUnreachable},
	}
	for _, tc := range cases {
		opErr := &net.OpError{Op: "dial", Err: &tc.errno}
		if got := classifyDialError(opErr); got != tc.want {
			t.Errorf("classifyDialError(%v) = %#x, want %#x", tc.errno, got, tc.want)
		}
	}
}

func TestClassifyDialErrorDNSFailure(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "nonexistent.invalid", IsNotFound: true}
	if got := classifyDialError(err); got != protocol.ReplyHostUnreachable {
		t.Errorf("classifyDialError(DNSError) = %#x, want %#x", got, protocol.ReplyHostUnreachable)
	}
}

func TestClassifyDialErrorUnmappedFallsThroughToGeneralFailure(t *testing.T) {
	if got := classifyDialError(errors.New("something unexpected")); got != protocol.ReplyGeneralFailure {
		t.Errorf("classifyDialError(unmapped) = %#x, want %#x", got, protocol.ReplyGeneralFailure)
	}
}

// TestDialConnectionRefused exercises the real dial path (spec.md §8
// scenario 3) against a port nothing is listening on.
func TestDialConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close() // nothing listens now; the port is free but unbound

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	conn, reply := dial(context.Background(), protocol.Address{
		Atype: protocol.AtypeIPv4,
		Host:  host,
		Port:  port,
	})
	if conn != nil {
		conn.Close()
		t.Fatal("expected nil conn on refused connection")
	}
	if reply != protocol.ReplyConnectionRefused {
		t.Fatalf("reply = %#x, want %#x", reply, protocol.ReplyConnectionRefused)
	}
}
