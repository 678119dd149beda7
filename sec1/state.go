package sec1

import (
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/log2"
)

type State uint8

const (
	StateIdle State = iota
	StateKeysExchanged
	StateVerified
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeysExchanged:
		return "keys_exchanged"
	case StateVerified:
		return "verified"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	ErrSessionNotActive   = fmt.Errorf("session is not active")
	ErrInvalidState       = fmt.Errorf("invalid session state")
	ErrVerificationFailed = fmt.Errorf("verification failed")
	ErrHandshakeTimeout   = fmt.Errorf("handshake timeout")
)

type Options struct {
	PoP  string
	Log  *log2.Log
	Rand io.Reader // keypair and device random, default crypto/rand
	Stat *Stat
}

// endpoint is state and key material common to both handshake sides.
type endpoint struct {
	log  *log2.Log
	pop  string
	rand io.Reader
	stat *Stat
	tag  string

	mu    sync.Mutex
	state State
	key   [KeySize]byte
}

func (e *endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Seal encrypts with session key, session must be active.
func (e *endpoint) Seal(plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	if e.state != StateActive {
		st := e.state
		e.mu.Unlock()
		return nil, errors.Annotatef(ErrSessionNotActive, "state=%s", st)
	}
	key := e.key
	e.mu.Unlock()

	b, err := Seal(key[:], plaintext)
	wipe(key[:])
	if err != nil {
		return nil, err
	}
	if e.stat != nil {
		e.stat.Encrypt.Register(len(plaintext))
	}
	return b, nil
}

// Open decrypts with session key. Authentication failure invalidates session.
func (e *endpoint) Open(blob []byte) ([]byte, error) {
	e.mu.Lock()
	if e.state != StateActive {
		st := e.state
		e.mu.Unlock()
		return nil, errors.Annotatef(ErrSessionNotActive, "state=%s", st)
	}
	key := e.key
	e.mu.Unlock()

	plaintext, err := Open(key[:], blob)
	wipe(key[:])
	if err != nil {
		if errors.Cause(err) == ErrAuthenticationFailed {
			if e.stat != nil {
				e.stat.AuthFailures.Add(1)
			}
			e.mu.Lock()
			e.failLocked(err)
			e.mu.Unlock()
		}
		return nil, err
	}
	if e.stat != nil {
		e.stat.Decrypt.Register(len(plaintext))
	}
	return plaintext, nil
}

// mu must be held
func (e *endpoint) failLocked(err error) error {
	if e.state != StateFailed {
		e.log.Errorf("%s: %s -> failed: %v", e.tag, e.state, err)
		if e.stat != nil {
			e.stat.Failures.Add(1)
		}
	}
	e.state = StateFailed
	wipe(e.key[:])
	return err
}

// mu must be held
func (e *endpoint) setLocked(s State) {
	e.log.Debugf("%s: %s -> %s", e.tag, e.state, s)
	e.state = s
}
