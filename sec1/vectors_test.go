package sec1

import (
	"bytes"
	"io"

	"github.com/smartdrip/driplink/helpers"
)

// X25519 keys from RFC 7748 section 6.1, derived values computed independently.
const (
	testPoP          = "test_pop_12345"
	testClientPriv   = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
	testClientPub    = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
	testDevicePriv   = "5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb"
	testDevicePub    = "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f"
	testShared       = "4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742"
	testPoPHash      = "d3db498e682045b85f2dbc81e3b45f42fe0892232750d83c6b8f1114aec80491"
	testSessionKey   = "9986d4d5ccee68592da38775638150671e76b3ea6081460f1d7f8a28b0de13d3"
	testDeviceRandom = "000102030405060708090a0b0c0d0e0f"
	testToken        = "a5cfacb92bc9e04b58370abb1bf381d673c06e3ade3e07367719a3dc1c930ed0"
)

func key32(s string) (k [KeySize]byte) {
	copy(k[:], helpers.MustHex(s))
	return
}

func rand16(s string) (r [RandomSize]byte) {
	copy(r[:], helpers.MustHex(s))
	return
}

// fixed random sources matching read order of Session and Responder
func testClientRand() io.Reader { return bytes.NewReader(helpers.MustHex(testClientPriv)) }
func testDeviceRand() io.Reader {
	return bytes.NewReader(helpers.MustHex(testDeviceRandom + testDevicePriv))
}
