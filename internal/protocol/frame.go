// Package protocol implements the wire codec spoken between the agent and
// the orchestrator: a length-prefixed binary frame format and the address
// descriptor carried inside CONNECT frames.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Kind identifies the type of a control-channel frame.
type Kind byte

const (
	KindRegister     Kind = 0x01
	KindNewConn      Kind = 0x02
	KindConnect      Kind = 0x03
	KindConnectReply Kind = 0x04
	KindData         Kind = 0x05
	KindClose        Kind = 0x06
	KindHeartbeat    Kind = 0x07
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "REGISTER"
	case KindNewConn:
		return "NEW_CONN"
	case KindConnect:
		return "CONNECT"
	case KindConnectReply:
		return "CONNECT_REPLY"
	case KindData:
		return "DATA"
	case KindClose:
		return "CLOSE"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(k))
	}
}

// Reply codes carried as the single-byte payload of a CONNECT_REPLY frame.
const (
	ReplyOK                 byte = 0x00
	ReplyGeneralFailure     byte = 0x01
	ReplyNetworkUnreachable byte = 0x03
	ReplyHostUnreachable    byte = 0x04
	ReplyConnectionRefused  byte = 0x05
)

// MaxPayloadSize bounds payload_len to guard against runaway allocations.
// The spec requires a cap of at least 64 KiB; this uses its recommended
// default of 1 MiB.
const MaxPayloadSize = 1 << 20

// headerSize is the fixed kind + conn_id + payload_len header.
const headerSize = 9

// Frame is one decoded control-channel message.
type Frame struct {
	Kind    Kind
	ConnID  uint32
	Payload []byte
}

var headerPool = sync.Pool{
	New: func() any {
		buf := make([]byte, headerSize)
		return &buf
	},
}

// Encode serializes kind, connID and payload into a single wire-ready
// buffer: the 9-byte header followed by the payload, in that order.
func Encode(kind Kind, connID uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds cap of %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], connID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DecodeFrame reads exactly one frame from r: a 9-byte header followed by
// payload_len payload bytes. Short reads are retried via io.ReadFull until
// satisfied, the peer closes cleanly (io.EOF, returned unwrapped so callers
// can treat it as a disconnect), or the reader errors. Never returns a
// partial frame.
func DecodeFrame(r io.Reader) (*Frame, error) {
	headerPtr := headerPool.Get().(*[]byte)
	header := *headerPtr
	defer headerPool.Put(headerPtr)

	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("protocol: short header read: %w", err)
		}
		return nil, err
	}

	kind := Kind(header[0])
	connID := binary.BigEndian.Uint32(header[1:5])
	payloadLen := binary.BigEndian.Uint32(header[5:9])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload_len %d exceeds cap of %d", payloadLen, MaxPayloadSize)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("protocol: truncated frame body: %w", err)
			}
			return nil, err
		}
	}

	return &Frame{Kind: kind, ConnID: connID, Payload: payload}, nil
}

// WriteFrame encodes and writes a frame in one call, for callers that do
// not need to reuse the encoded bytes.
func WriteFrame(w io.Writer, kind Kind, connID uint32, payload []byte) error {
	buf, err := Encode(kind, connID, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
