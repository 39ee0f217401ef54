package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		connID  uint32
		payload []byte
	}{
		{"register", KindRegister, 0, []byte("agent")},
		{"empty payload", KindHeartbeat, 0, nil},
		{"connect", KindConnect, 7, []byte{AtypeIPv4, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x09}},
		{"data", KindData, 7, []byte("hi\n")},
		{"close", KindClose, 7, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := Encode(c.kind, c.connID, c.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(encoded) != headerSize+len(c.payload) {
				t.Fatalf("encoded length %d, want %d", len(encoded), headerSize+len(c.payload))
			}
			decoded, err := DecodeFrame(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.Kind != c.kind || decoded.ConnID != c.connID {
				t.Fatalf("got kind=%v connID=%d, want kind=%v connID=%d", decoded.Kind, decoded.ConnID, c.kind, c.connID)
			}
			if !bytes.Equal(decoded.Payload, c.payload) {
				t.Fatalf("payload mismatch: got %q want %q", decoded.Payload, c.payload)
			}
		})
	}
}

func TestRegisterScenario(t *testing.T) {
	// spec.md §8 scenario 1: 01 00000000 00000005 "agent"
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 'a', 'g', 'e', 'n', 't'}
	got, err := Encode(KindRegister, 0, []byte("agent"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestConnectReplyScenario(t *testing.T) {
	// spec.md §8 scenario 2: 04 00000007 00000001 00
	want := []byte{0x04, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x01, 0x00}
	got, err := Encode(KindConnectReply, 7, []byte{ReplyOK})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestDecodeFrameEOF(t *testing.T) {
	if _, err := DecodeFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestDecodeFrameShortHeader(t *testing.T) {
	if _, err := DecodeFrame(bytes.NewReader([]byte{0x07, 0x00, 0x00})); err == nil {
		t.Fatal("expected error on short header")
	}
}

func TestDecodeFrameTruncatedBody(t *testing.T) {
	header := []byte{0x05, 0, 0, 0, 1, 0, 0, 0, 10}
	if _, err := DecodeFrame(bytes.NewReader(append(header, []byte("short")...))); err == nil {
		t.Fatal("expected error on truncated body")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(KindData, 1, make([]byte, MaxPayloadSize+1)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestDecodeFrameRejectsOversizedHeader(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = byte(KindData)
	// payload_len one past the cap
	header[5], header[6], header[7], header[8] = 0x00, 0x10, 0x00, 0x01
	if _, err := DecodeFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("expected error for oversized payload_len")
	}
}

// TestDecoderConsumesFramesInOrder exercises invariant §8.2: the decoder
// never returns a frame whose payload length does not match the header's
// payload_len, for a stream carrying several frames back to back.
func TestDecoderConsumesFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	want := []struct {
		kind    Kind
		connID  uint32
		payload []byte
	}{
		{KindConnect, 1, []byte("a")},
		{KindData, 1, []byte("bb")},
		{KindClose, 1, nil},
		{KindHeartbeat, 0, nil},
	}
	for _, f := range want {
		if err := WriteFrame(&buf, f.kind, f.connID, f.payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, f := range want {
		got, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != f.kind || got.ConnID != f.connID || !bytes.Equal(got.Payload, f.payload) {
			t.Fatalf("got %+v, want %+v", got, f)
		}
	}
	if _, err := DecodeFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF after draining stream, got %v", err)
	}
}

func BenchmarkEncode(b *testing.B) {
	payload := make([]byte, 32*1024)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(KindData, 1, payload); err != nil {
			b.Fatalf("encode failed: %v", err)
		}
	}
}

func BenchmarkDecodeFrame(b *testing.B) {
	payload := make([]byte, 32*1024)
	encoded, err := Encode(KindData, 1, payload)
	if err != nil {
		b.Fatalf("encode failed: %v", err)
	}
	b.ReportAllocs()
	b.SetBytes(int64(len(payload)))
	for i := 0; i < b.N; i++ {
		r := bytes.NewReader(encoded)
		if _, err := DecodeFrame(r); err != nil {
			b.Fatalf("decode failed: %v", err)
		}
	}
}
