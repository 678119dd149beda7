package sec1

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

const (
	Version = 1

	MsgSessionEstablish = byte(0x01)
	MsgSessionVerify    = byte(0x02)
	MsgSessionData      = byte(0x03) // reserved

	KeySize    = 32
	RandomSize = 16
	TokenSize  = 32

	StatusOK     = byte(0)
	StatusFailed = byte(1)

	establishRequestSize  = 2 + 1 + KeySize
	establishResponseSize = 2 + 1 + KeySize + RandomSize
	verifyRequestSize     = 2 + 2 + TokenSize
	verifyResponseSize    = 2 + 1
)

var (
	ErrMalformedMessage      = fmt.Errorf("handshake message is malformed")
	ErrUnsupportedVersion    = fmt.Errorf("handshake version is not supported")
	ErrUnexpectedMessageType = fmt.Errorf("unexpected handshake message type")
	ErrInvalidKeyLength      = fmt.Errorf("invalid key length")
)

type EstablishRequest struct {
	PublicKey [KeySize]byte
}

type EstablishResponse struct {
	PublicKey [KeySize]byte
	Random    [RandomSize]byte
}

type VerifyRequest struct {
	Token [TokenSize]byte
}

type VerifyResponse struct {
	Status byte
}

func (m *EstablishRequest) Marshal() []byte {
	b := make([]byte, 0, establishRequestSize)
	b = append(b, Version, MsgSessionEstablish, KeySize)
	return append(b, m.PublicKey[:]...)
}

func (m *EstablishResponse) Marshal() []byte {
	b := make([]byte, 0, establishResponseSize)
	b = append(b, Version, MsgSessionEstablish, KeySize)
	b = append(b, m.PublicKey[:]...)
	return append(b, m.Random[:]...)
}

func (m *VerifyRequest) Marshal() []byte {
	b := make([]byte, 4, verifyRequestSize)
	b[0], b[1] = Version, MsgSessionVerify
	binary.BigEndian.PutUint16(b[2:], TokenSize)
	return append(b, m.Token[:]...)
}

func (m *VerifyResponse) Marshal() []byte {
	return []byte{Version, MsgSessionVerify, m.Status}
}

// MessageType returns type of handshake message after version check.
func MessageType(b []byte) (byte, error) {
	if len(b) < 2 {
		return 0, errors.Annotatef(ErrMalformedMessage, "len=%d", len(b))
	}
	if b[0] != Version {
		return 0, errors.Annotatef(ErrUnsupportedVersion, "version=%d", b[0])
	}
	return b[1], nil
}

func expectType(b []byte, t byte) error {
	mt, err := MessageType(b)
	if err != nil {
		return err
	}
	if mt != t {
		return errors.Annotatef(ErrUnexpectedMessageType, "type=%02x expected=%02x", mt, t)
	}
	return nil
}

func parseKey(b []byte, need int) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(b) < 3 {
		return key, errors.Annotatef(ErrMalformedMessage, "len=%d", len(b))
	}
	if b[2] != KeySize {
		return key, errors.Annotatef(ErrInvalidKeyLength, "key_len=%d", b[2])
	}
	if len(b) < need {
		return key, errors.Annotatef(ErrInvalidKeyLength, "len=%d need=%d", len(b), need)
	}
	copy(key[:], b[3:3+KeySize])
	return key, nil
}

func ParseEstablishRequest(b []byte) (EstablishRequest, error) {
	var m EstablishRequest
	if err := expectType(b, MsgSessionEstablish); err != nil {
		return m, err
	}
	key, err := parseKey(b, establishRequestSize)
	m.PublicKey = key
	return m, err
}

func ParseEstablishResponse(b []byte) (EstablishResponse, error) {
	var m EstablishResponse
	if err := expectType(b, MsgSessionEstablish); err != nil {
		return m, err
	}
	key, err := parseKey(b, establishResponseSize)
	if err != nil {
		return m, err
	}
	m.PublicKey = key
	copy(m.Random[:], b[3+KeySize:])
	return m, nil
}

func ParseVerifyRequest(b []byte) (VerifyRequest, error) {
	var m VerifyRequest
	if err := expectType(b, MsgSessionVerify); err != nil {
		return m, err
	}
	if len(b) < 4 {
		return m, errors.Annotatef(ErrMalformedMessage, "len=%d", len(b))
	}
	tokenLen := int(binary.BigEndian.Uint16(b[2:]))
	if tokenLen != TokenSize || len(b) < 4+tokenLen {
		return m, errors.Annotatef(ErrMalformedMessage, "token_len=%d len=%d", tokenLen, len(b))
	}
	copy(m.Token[:], b[4:])
	return m, nil
}

func ParseVerifyResponse(b []byte) (VerifyResponse, error) {
	var m VerifyResponse
	if err := expectType(b, MsgSessionVerify); err != nil {
		return m, err
	}
	if len(b) < verifyResponseSize {
		return m, errors.Annotatef(ErrMalformedMessage, "len=%d", len(b))
	}
	m.Status = b[2]
	return m, nil
}
