package protocol

import (
	"bytes"
	"testing"
)

func TestParseAddressIPv4(t *testing.T) {
	// spec.md §8 scenario 2: 01 7f000001 0009
	payload := []byte{AtypeIPv4, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x09}
	addr, err := ParseAddress(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Host != "127.0.0.1" || addr.Port != 9 {
		t.Fatalf("got %+v", addr)
	}
}

func TestParseAddressDomain(t *testing.T) {
	// spec.md §8 scenario 4: 03 13 "nonexistent.invalid" 0050
	domain := "nonexistent.invalid"
	payload := append([]byte{AtypeDomain, byte(len(domain))}, domain...)
	payload = append(payload, 0x00, 0x50)
	addr, err := ParseAddress(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Host != domain || addr.Port != 80 {
		t.Fatalf("got %+v", addr)
	}
}

func TestParseAddressIPv6(t *testing.T) {
	payload := make([]byte, 1+16+2)
	payload[0] = AtypeIPv6
	payload[len(payload)-2] = 0x1f
	payload[len(payload)-1] = 0x90
	payload[16] = 1 // ::1-ish tail byte, any nonzero octet is fine for the test
	addr, err := ParseAddress(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Port != 8080 {
		t.Fatalf("got port %d", addr.Port)
	}
}

func TestParseAddressMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{AtypeIPv4, 0x7f},
		{AtypeDomain},
		{AtypeDomain, 5, 'a', 'b'},
		{AtypeIPv6, 1, 2, 3},
		{0xff, 0, 0, 0, 0, 0, 0},
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Fatalf("expected ErrMalformedAddress for %x", c)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	cases := []Address{
		{Atype: AtypeIPv4, Host: "10.0.0.1", Port: 443},
		{Atype: AtypeDomain, Host: "example.com", Port: 80},
		{Atype: AtypeIPv6, Host: "::1", Port: 22},
	}
	for _, c := range cases {
		encoded, err := EncodeAddress(c.Atype, c.Host, c.Port)
		if err != nil {
			t.Fatalf("encode %+v: %v", c, err)
		}
		decoded, err := ParseAddress(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		want, _ := EncodeAddress(decoded.Atype, decoded.Host, decoded.Port)
		if !bytes.Equal(want, encoded) {
			t.Fatalf("round trip mismatch for %+v: got %+v", c, decoded)
		}
	}
}
