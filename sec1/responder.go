package sec1

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/juju/errors"
)

// Responder is device side of handshake.
// New SESSION_ESTABLISH restarts handshake from any state with fresh keys.
type Responder struct {
	endpoint

	priv    [KeySize]byte
	pub     [KeySize]byte
	peerPub [KeySize]byte
	random  [RandomSize]byte
}

func NewResponder(opt Options) *Responder {
	r := &Responder{endpoint: endpoint{
		log:  opt.Log,
		pop:  opt.PoP,
		rand: opt.Rand,
		stat: opt.Stat,
		tag:  "sec1 responder",
	}}
	if r.rand == nil {
		r.rand = rand.Reader
	}
	return r
}

// Handle processes one handshake message and returns reply to send.
// Failed verification returns both error and failure status reply.
func (r *Responder) Handle(b []byte) ([]byte, error) {
	mt, err := MessageType(b)
	if err != nil {
		return nil, err
	}
	switch mt {
	case MsgSessionEstablish:
		return r.handleEstablish(b)
	case MsgSessionVerify:
		return r.handleVerify(b)
	}
	return nil, errors.Annotatef(ErrUnexpectedMessageType, "type=%02x", mt)
}

func (r *Responder) handleEstablish(b []byte) ([]byte, error) {
	m, err := ParseEstablishRequest(b)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.wipeLocked()
	if r.state != StateIdle {
		r.setLocked(StateIdle)
	}
	if _, err = io.ReadFull(r.rand, r.random[:]); err != nil {
		return nil, r.failLocked(errors.Annotate(err, "device random"))
	}
	if r.priv, r.pub, err = GenerateKey(r.rand); err != nil {
		return nil, r.failLocked(err)
	}
	shared, err := SharedSecret(r.priv, m.PublicKey)
	wipe(r.priv[:])
	if err != nil {
		return nil, r.failLocked(err)
	}
	r.key = DeriveSessionKey(shared, r.pop)
	wipe(shared[:])
	r.peerPub = m.PublicKey
	r.setLocked(StateKeysExchanged)

	reply := EstablishResponse{PublicKey: r.pub, Random: r.random}
	return reply.Marshal(), nil
}

func (r *Responder) handleVerify(b []byte) ([]byte, error) {
	m, err := ParseVerifyRequest(b)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateKeysExchanged {
		return nil, errors.Annotatef(ErrInvalidState, "verify state=%s", r.state)
	}
	expect := VerificationToken(r.key, r.random, r.pub)
	if subtle.ConstantTimeCompare(expect[:], m.Token[:]) != 1 {
		ack := VerifyResponse{Status: StatusFailed}
		return ack.Marshal(), r.failLocked(ErrVerificationFailed)
	}
	r.setLocked(StateVerified)
	r.setLocked(StateActive)
	if r.stat != nil {
		r.stat.Handshakes.Add(1)
	}
	ack := VerifyResponse{Status: StatusOK}
	return ack.Marshal(), nil
}

// Close discards key material.
func (r *Responder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wipeLocked()
	r.state = StateIdle
}

func (r *Responder) wipeLocked() {
	wipe(r.priv[:])
	wipe(r.pub[:])
	wipe(r.peerPub[:])
	wipe(r.random[:])
	wipe(r.key[:])
}
