package agent

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/brinklane/revtun/internal/protocol"
)

// dialTimeout is the bounded time allowed for an outbound dial, per
// spec.md §4.3 and §5.
const dialTimeout = 30 * time.Second

// dial resolves (if needed) and connects to addr, returning the open
// socket and the CONNECT_REPLY byte to send upstream. On failure conn is
// nil and the reply byte classifies why, per the table in spec.md §4.3.
func dial(ctx context.Context, addr protocol.Address) (net.Conn, byte) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, classifyDialError(err)
	}
	return conn, protocol.ReplyOK
}

// classifyDialError maps a dial failure to one of the reply-code bytes the
// spec defines. Unmapped errors fall through to ReplyGeneralFailure.
func classifyDialError(err error) byte {
	if err == nil {
		return protocol.ReplyOK
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return protocol.ReplyHostUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ReplyHostUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Real dial errors carry a syscall.Errno value (wrapped in an
		// *os.SyscallError); a bare *syscall.Errno is accepted as well.
		var errno syscall.Errno
		var errnoPtr *syscall.Errno
		found := errors.As(opErr.Err, &errno)
		if !found && errors.As(opErr.Err, &errnoPtr) {
			errno, found = *errnoPtr, true
		}
		if found {
			switch errno {
			case syscall.ECONNREFUSED:
				return protocol.ReplyConnectionRefused
			case syscall.ENETUNREACH, syscall.ENETDOWN:
				return protocol.ReplyNetworkUnreachable
			case syscall.EHOSTUNREACH, syscall.EHOSTDOWN:
				return protocol.ReplyHostUnreachable
			case syscall.ETIMEDOUT:
				return protocol.ReplyHostUnreachable
			}
		}
		if opErr.Timeout() {
			return protocol.ReplyHostUnreachable
		}
	}

	return protocol.ReplyGeneralFailure
}
