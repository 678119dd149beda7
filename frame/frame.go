// Package frame is the binary command frame codec.
//
// Wire layout, integers little-endian:
//
//	request_id(2) | op_len(1) | op(op_len) | payload
//
// Payload is opaque (JSON by convention) and copied verbatim.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

const (
	HeaderSize = 2 /*request_id*/ + 1 /*op_len*/

	// Device firmware keeps operation in 16 byte zero-terminated buffer.
	MaxOperationLen = 15
)

var (
	ErrTruncatedFrame       = fmt.Errorf("frame is truncated")
	ErrInvalidOperationName = fmt.Errorf("operation name is invalid")
)

type Frame struct {
	RequestID uint16
	Op        string
	Payload   []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(id=%d op=%s payload=%d)", f.RequestID, f.Op, len(f.Payload))
}

func (f *Frame) Marshal() ([]byte, error) {
	return Encode(f.RequestID, f.Op, f.Payload)
}

// Encode fails before allocating anything when operation does not fit.
func Encode(requestID uint16, op string, payload []byte) ([]byte, error) {
	if len(op) > MaxOperationLen {
		return nil, errors.Annotatef(ErrInvalidOperationName, "op=%q len=%d max=%d", op, len(op), MaxOperationLen)
	}
	b := make([]byte, HeaderSize+len(op)+len(payload))
	binary.LittleEndian.PutUint16(b[0:], requestID)
	b[2] = byte(len(op))
	n := HeaderSize + copy(b[HeaderSize:], op)
	copy(b[n:], payload)
	return b, nil
}

// Decode returns frame with payload copied out of b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, errors.Annotatef(ErrTruncatedFrame, "len=%d", len(b))
	}
	opLen := int(b[2])
	if HeaderSize+opLen > len(b) {
		return Frame{}, errors.Annotatef(ErrTruncatedFrame, "op_len=%d remaining=%d", opLen, len(b)-HeaderSize)
	}
	if opLen > MaxOperationLen {
		return Frame{}, errors.Annotatef(ErrInvalidOperationName, "op_len=%d max=%d", opLen, MaxOperationLen)
	}
	f := Frame{
		RequestID: binary.LittleEndian.Uint16(b[0:]),
		Op:        string(b[HeaderSize : HeaderSize+opLen]),
	}
	if rest := b[HeaderSize+opLen:]; len(rest) != 0 {
		f.Payload = append([]byte(nil), rest...)
	}
	return f, nil
}
