package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Address types carried in the atype byte of a CONNECT payload.
const (
	AtypeIPv4   byte = 0x01
	AtypeDomain byte = 0x03
	AtypeIPv6   byte = 0x04
)

// ErrMalformedAddress is returned by ParseAddress when the payload is too
// short, truncated, or names an unsupported address type.
var ErrMalformedAddress = errors.New("protocol: malformed address descriptor")

// Address is a decoded CONNECT payload: an address type, a host (dotted
// IPv4, bracket-free IPv6, or a raw domain label) and a port.
type Address struct {
	Atype byte
	Host  string
	Port  uint16
}

// ParseAddress decodes the address descriptor carried as the payload of a
// CONNECT frame. Lengths are validated before any slice is taken; a
// truncated payload or unsupported atype yields ErrMalformedAddress rather
// than a panic. Domain labels are returned as the raw ASCII bytes with no
// IDN normalization.
func ParseAddress(payload []byte) (Address, error) {
	if len(payload) < 1 {
		return Address{}, ErrMalformedAddress
	}
	atype := payload[0]
	rest := payload[1:]

	switch atype {
	case AtypeIPv4:
		if len(rest) < 4+2 {
			return Address{}, ErrMalformedAddress
		}
		host := net.IP(rest[:4]).String()
		port := binary.BigEndian.Uint16(rest[4:6])
		return Address{Atype: atype, Host: host, Port: port}, nil

	case AtypeDomain:
		if len(rest) < 1 {
			return Address{}, ErrMalformedAddress
		}
		length := int(rest[0])
		rest = rest[1:]
		if length == 0 || len(rest) < length+2 {
			return Address{}, ErrMalformedAddress
		}
		host := string(rest[:length])
		port := binary.BigEndian.Uint16(rest[length : length+2])
		return Address{Atype: atype, Host: host, Port: port}, nil

	case AtypeIPv6:
		if len(rest) < 16+2 {
			return Address{}, ErrMalformedAddress
		}
		host := net.IP(rest[:16]).String()
		port := binary.BigEndian.Uint16(rest[16:18])
		return Address{Atype: atype, Host: host, Port: port}, nil

	default:
		return Address{}, fmt.Errorf("%w: unsupported atype 0x%02x", ErrMalformedAddress, atype)
	}
}

// EncodeAddress is the inverse of ParseAddress, used by tests and by any
// future CONNECT-originating component. host must already be in the form
// matching atype (dotted IPv4, raw domain label, or bracket-free IPv6).
func EncodeAddress(atype byte, host string, port uint16) ([]byte, error) {
	switch atype {
	case AtypeIPv4:
		ip := net.ParseIP(host)
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("protocol: %q is not a valid IPv4 address", host)
		}
		buf := make([]byte, 1+4+2)
		buf[0] = atype
		copy(buf[1:5], ip4)
		binary.BigEndian.PutUint16(buf[5:7], port)
		return buf, nil

	case AtypeDomain:
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("protocol: domain length %d out of range", len(host))
		}
		buf := make([]byte, 1+1+len(host)+2)
		buf[0] = atype
		buf[1] = byte(len(host))
		copy(buf[2:2+len(host)], host)
		binary.BigEndian.PutUint16(buf[2+len(host):], port)
		return buf, nil

	case AtypeIPv6:
		ip := net.ParseIP(host)
		ip6 := ip.To16()
		if ip6 == nil || ip.To4() != nil {
			return nil, fmt.Errorf("protocol: %q is not a valid IPv6 address", host)
		}
		buf := make([]byte, 1+16+2)
		buf[0] = atype
		copy(buf[1:17], ip6)
		binary.BigEndian.PutUint16(buf[17:19], port)
		return buf, nil

	default:
		return nil, fmt.Errorf("protocol: unsupported atype 0x%02x", atype)
	}
}

// HostPort renders the address as a "host:port" label suitable for logging
// and for net.Dial.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}
