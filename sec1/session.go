package sec1

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/juju/errors"
)

const DefaultHandshakeTimeout = 30 * time.Second

// RoundTripper sends handshake message to device and returns its reply.
// Must respect ctx deadline.
type RoundTripper interface {
	RoundTrip(ctx context.Context, msg []byte) ([]byte, error)
}

type RoundTripFunc func(ctx context.Context, msg []byte) ([]byte, error)

func (f RoundTripFunc) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) { return f(ctx, msg) }

// Session is client side of handshake.
// Failed session is not reusable in place: Reset, then Start again with fresh keypair.
type Session struct {
	endpoint

	priv    [KeySize]byte
	pub     [KeySize]byte
	peerPub [KeySize]byte
	random  [RandomSize]byte
}

func NewSession(opt Options) *Session {
	s := &Session{endpoint: endpoint{
		log:  opt.Log,
		pop:  opt.PoP,
		rand: opt.Rand,
		stat: opt.Stat,
		tag:  "sec1 session",
	}}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s
}

// Start generates ephemeral keypair and returns SESSION_ESTABLISH.
func (s *Session) Start() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return nil, errors.Annotatef(ErrInvalidState, "start state=%s", s.state)
	}
	priv, pub, err := GenerateKey(s.rand)
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.priv, s.pub = priv, pub
	wipe(priv[:])
	s.setLocked(StateKeysExchanged)
	m := EstablishRequest{PublicKey: s.pub}
	return m.Marshal(), nil
}

// HandleEstablishReply derives session key and returns SESSION_VERIFY.
func (s *Session) HandleEstablishReply(b []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeysExchanged {
		return nil, s.failLocked(errors.Annotatef(ErrInvalidState, "establish reply state=%s", s.state))
	}
	m, err := ParseEstablishResponse(b)
	if err != nil {
		return nil, s.failLocked(err)
	}
	shared, err := SharedSecret(s.priv, m.PublicKey)
	wipe(s.priv[:])
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.key = DeriveSessionKey(shared, s.pop)
	wipe(shared[:])
	s.peerPub, s.random = m.PublicKey, m.Random

	v := VerifyRequest{Token: VerificationToken(s.key, s.random, s.peerPub)}
	s.setLocked(StateVerified)
	return v.Marshal(), nil
}

// HandleVerifyReply activates session on success status.
func (s *Session) HandleVerifyReply(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateVerified {
		return s.failLocked(errors.Annotatef(ErrInvalidState, "verify reply state=%s", s.state))
	}
	m, err := ParseVerifyResponse(b)
	if err != nil {
		return s.failLocked(err)
	}
	if m.Status != StatusOK {
		return s.failLocked(errors.Annotatef(ErrVerificationFailed, "status=%d", m.Status))
	}
	s.setLocked(StateActive)
	if s.stat != nil {
		s.stat.Handshakes.Add(1)
	}
	return nil
}

// Handshake runs full exchange. Missing reply within timeout is ErrHandshakeTimeout.
// timeout<=0 means DefaultHandshakeTimeout, ctx deadline still applies.
func (s *Session) Handshake(ctx context.Context, rt RoundTripper, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()
	s.log.Debugf("sec1 session: handshake start pop=%s", PoPFingerprint(s.pop))

	msg, err := s.Start()
	if err != nil {
		return err
	}
	reply, err := s.roundTrip(ctx, rt, msg, "establish")
	if err != nil {
		return err
	}
	verify, err := s.HandleEstablishReply(reply)
	if err != nil {
		return err
	}
	ack, err := s.roundTrip(ctx, rt, verify, "verify")
	if err != nil {
		return err
	}
	if err = s.HandleVerifyReply(ack); err != nil {
		return err
	}
	s.log.Infof("sec1 session: active in %s", time.Since(started))
	return nil
}

func (s *Session) roundTrip(ctx context.Context, rt RoundTripper, msg []byte, tag string) ([]byte, error) {
	reply, err := rt.RoundTrip(ctx, msg)
	if err == nil {
		return reply, nil
	}
	if errors.Cause(err) == context.DeadlineExceeded || errors.IsTimeout(err) || ctx.Err() == context.DeadlineExceeded {
		err = errors.Annotatef(ErrHandshakeTimeout, "%s: %v", tag, err)
	} else {
		err = errors.Annotate(err, tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.failLocked(err)
}

// Reset discards all key material and returns to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.setLocked(StateIdle)
}

// Close discards key material, session becomes unusable until Reset.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.state = StateFailed
}

func (s *Session) wipeLocked() {
	wipe(s.priv[:])
	wipe(s.pub[:])
	wipe(s.peerPub[:])
	wipe(s.random[:])
	wipe(s.key[:])
}
