package sec1

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responderTripper delivers messages straight to responder.
func responderTripper(r *Responder) RoundTripFunc {
	return func(ctx context.Context, msg []byte) ([]byte, error) {
		reply, err := r.Handle(msg)
		if reply != nil {
			return reply, nil
		}
		return nil, err
	}
}

func newTestPair(t testing.TB, clientPoP, devicePoP string) (*Session, *Responder) {
	log := log2.NewTest(t, log2.LDebug)
	s := NewSession(Options{PoP: clientPoP, Log: log, Rand: testClientRand(), Stat: &Stat{}})
	r := NewResponder(Options{PoP: devicePoP, Log: log, Rand: testDeviceRand(), Stat: &Stat{}})
	return s, r
}

func TestHandshakeVector(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, testPoP, testPoP)
	msg, err := s.Start()
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("01 01 20"+testClientPub), msg)
	assert.Equal(t, StateKeysExchanged, s.State())

	reply, err := r.Handle(msg)
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("01 01 20"+testDevicePub+testDeviceRandom), reply)
	assert.Equal(t, StateKeysExchanged, r.State())

	verify, err := s.HandleEstablishReply(reply)
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("01 02 0020"+testToken), verify)
	assert.Equal(t, StateVerified, s.State())
	assert.Equal(t, key32(testSessionKey), s.key)

	ack, err := r.Handle(verify)
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("01 02 00"), ack)
	assert.Equal(t, StateActive, r.State())

	require.NoError(t, s.HandleVerifyReply(ack))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, int64(1), s.stat.Handshakes.Value())
}

func TestHandshakeEndToEnd(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, testPoP, testPoP)
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	require.Equal(t, StateActive, s.State())

	cmd := []byte(`{"id":1,"op":"deviceStatus"}`)
	blob, err := s.Seal(cmd)
	require.NoError(t, err)
	got, err := r.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	resp := []byte(`{"status":"ok"}`)
	blob, err = r.Seal(resp)
	require.NoError(t, err)
	got, err = s.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.Equal(t, int64(1), s.stat.Encrypt.Count.Value())
	assert.Equal(t, int64(len(resp)), s.stat.Decrypt.Size.Value())
}

// Keypair readers are exhausted by handshake, IV must come from elsewhere.
func TestSealFreshIVAfterFixedRand(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, testPoP, testPoP)
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	b1, err := s.Seal([]byte("ping"))
	require.NoError(t, err)
	b2, err := s.Seal([]byte("ping"))
	require.NoError(t, err)
	assert.NotEqual(t, b1[:IVSize], b2[:IVSize])
	for _, b := range [][]byte{b1, b2} {
		got, err := r.Open(b)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), got)
	}
}

func TestHandshakeEmptyPoP(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, "", "")
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	assert.Equal(t, key32(testShared), s.key)
	assert.Equal(t, StateActive, r.State())
}

func TestHandshakeWrongPoP(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, "wrong_pop", testPoP)
	err := s.Handshake(context.Background(), responderTripper(r), time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrVerificationFailed, errors.Cause(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, [KeySize]byte{}, s.key)

	_, err = s.Seal([]byte("x"))
	assert.Equal(t, ErrSessionNotActive, errors.Cause(err))
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rt   func(r *Responder) RoundTripFunc
	}{
		{"no-reply", func(r *Responder) RoundTripFunc {
			return func(ctx context.Context, msg []byte) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
		}},
		{"no-ack", func(r *Responder) RoundTripFunc {
			return func(ctx context.Context, msg []byte) ([]byte, error) {
				if mt, _ := MessageType(msg); mt == MsgSessionVerify {
					<-ctx.Done()
					return nil, errors.Annotate(ctx.Err(), "wait ack")
				}
				return r.Handle(msg)
			}
		}},
		{"transport-timeout", func(r *Responder) RoundTripFunc {
			return func(ctx context.Context, msg []byte) ([]byte, error) {
				return nil, errors.Timeoutf("link read")
			}
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s, r := newTestPair(t, testPoP, testPoP)
			err := s.Handshake(context.Background(), c.rt(r), 20*time.Millisecond)
			require.Error(t, err)
			assert.Equal(t, ErrHandshakeTimeout, errors.Cause(err))
			assert.Equal(t, StateFailed, s.State())
		})
	}
}

func TestHandshakeTransportError(t *testing.T) {
	t.Parallel()

	s := NewSession(Options{PoP: testPoP, Log: log2.NewTest(t, log2.LDebug)})
	rtErr := errors.New("link closed")
	err := s.Handshake(context.Background(), RoundTripFunc(func(ctx context.Context, msg []byte) ([]byte, error) {
		return nil, rtErr
	}), time.Second)
	require.Error(t, err)
	assert.Equal(t, rtErr, errors.Cause(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestHandshakeBadReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		reply  string
		expect error
	}{
		{"unexpected-type", "01 02 00", ErrUnexpectedMessageType},
		{"invalid-key-length", "01 01 10" + testDevicePub + testDeviceRandom, ErrInvalidKeyLength},
		{"short", "01 01 20" + testDevicePub, ErrInvalidKeyLength},
		{"version", "07 01 20" + testDevicePub + testDeviceRandom, ErrUnsupportedVersion},
		{"low-order-key", "01 01 20" + "0000000000000000000000000000000000000000000000000000000000000000" + testDeviceRandom, ErrInvalidPeerKey},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(Options{PoP: testPoP, Log: log2.NewTest(t, log2.LDebug)})
			_, err := s.Start()
			require.NoError(t, err)
			_, err = s.HandleEstablishReply(helpers.MustHex(c.reply))
			require.Error(t, err)
			assert.Equal(t, c.expect, errors.Cause(err))
			assert.Equal(t, StateFailed, s.State())
		})
	}
}

func TestSessionStateMisuse(t *testing.T) {
	t.Parallel()

	s := NewSession(Options{PoP: testPoP})
	_, err := s.Seal(nil)
	assert.Equal(t, ErrSessionNotActive, errors.Cause(err))
	_, err = s.Open(make([]byte, SealOverhead))
	assert.Equal(t, ErrSessionNotActive, errors.Cause(err))

	_, err = s.Start()
	require.NoError(t, err)
	_, err = s.Start()
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Equal(t, StateKeysExchanged, s.State())

	err = s.HandleVerifyReply(helpers.MustHex("01 02 00"))
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionRestart(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s := NewSession(Options{PoP: "bad", Log: log})
	r := NewResponder(Options{PoP: testPoP, Log: log})
	require.Error(t, s.Handshake(context.Background(), responderTripper(r), time.Second))

	// failed session cannot start in place
	_, err := s.Start()
	assert.Equal(t, ErrInvalidState, errors.Cause(err))

	s.Reset()
	assert.Equal(t, StateIdle, s.State())
	s.pop = testPoP
	first, err := s.Start()
	require.NoError(t, err)
	s.Reset()
	second, err := s.Start()
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "fresh ephemeral key on restart")

	s.Reset()
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, StateActive, r.State())
}

func TestOpenTamperedFailsSession(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, testPoP, testPoP)
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	blob, err := r.Seal([]byte("status"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01

	_, err = s.Open(blob)
	assert.Equal(t, ErrAuthenticationFailed, errors.Cause(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int64(1), s.stat.AuthFailures.Value())

	_, err = s.Open(blob)
	assert.Equal(t, ErrSessionNotActive, errors.Cause(err))
}

func TestOpenShortKeepsSession(t *testing.T) {
	t.Parallel()

	s, r := newTestPair(t, testPoP, testPoP)
	require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
	_, err := s.Open(make([]byte, SealOverhead-1))
	assert.Equal(t, ErrBlobTooShort, errors.Cause(err))
	assert.Equal(t, StateActive, s.State())
}

func TestHandshakeDeterminism(t *testing.T) {
	t.Parallel()

	var keys [2][KeySize]byte
	var tokens [2][]byte
	for i := range keys {
		s, r := newTestPair(t, testPoP, testPoP)
		msg, err := s.Start()
		require.NoError(t, err)
		reply, err := r.Handle(msg)
		require.NoError(t, err)
		tokens[i], err = s.HandleEstablishReply(reply)
		require.NoError(t, err)
		keys[i] = s.key
	}
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, tokens[0], tokens[1])
}

func TestResponderReestablish(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	r := NewResponder(Options{PoP: testPoP, Log: log})
	for i := 0; i < 2; i++ {
		s := NewSession(Options{PoP: testPoP, Log: log})
		require.NoError(t, s.Handshake(context.Background(), responderTripper(r), time.Second))
		assert.Equal(t, StateActive, r.State())
	}

	_, err := r.Handle(helpers.MustHex("01 02 0020" + testToken))
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	_, err = r.Handle(helpers.MustHex("01 03"))
	assert.Equal(t, ErrUnexpectedMessageType, errors.Cause(err))
	r.Close()
	assert.Equal(t, StateIdle, r.State())
}

func TestPoP(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePoP(""))
	assert.NoError(t, ValidatePoP(testPoP))
	assert.Equal(t, ErrInvalidPoP, errors.Cause(ValidatePoP(string(make([]byte, MaxPoPLength+1)))))
	assert.Equal(t, ErrInvalidPoP, errors.Cause(ValidatePoP("tab\there")))
	assert.Equal(t, "none", PoPFingerprint(""))
	assert.Equal(t, testPoPHash[:8], PoPFingerprint(testPoP))
	assert.Equal(t, "keys_exchanged", StateKeysExchanged.String())
}
