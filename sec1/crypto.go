package sec1

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/juju/errors"
	"golang.org/x/crypto/curve25519"
)

var ErrInvalidPeerKey = fmt.Errorf("peer public key is invalid")

// GenerateKey returns ephemeral X25519 keypair.
func GenerateKey(rand io.Reader) (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand, priv[:]); err != nil {
		return priv, pub, errors.Annotate(err, "random private key")
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, errors.Annotate(err, "public key")
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// SharedSecret rejects low order peer keys.
func SharedSecret(priv, peerPub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	s, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, errors.Annotate(ErrInvalidPeerKey, err.Error())
	}
	copy(shared[:], s)
	wipe(s)
	return shared, nil
}

func DeriveSessionKey(shared [KeySize]byte, pop string) [KeySize]byte {
	key := shared
	if pop == "" {
		return key
	}
	h := sha256.Sum256([]byte(pop))
	subtle.XORBytes(key[:], key[:], h[:])
	return key
}

// VerificationToken encrypts device public key proving session key (and so PoP) knowledge.
func VerificationToken(key [KeySize]byte, deviceRandom [RandomSize]byte, devicePub [KeySize]byte) [TokenSize]byte {
	var token [TokenSize]byte
	ctr(key[:], deviceRandom[:], token[:], devicePub[:])
	return token
}

func ctr(key, iv, dst, src []byte) {
	block, err := aes.NewCipher(key)
	if err != nil {
		// key size is fixed by types and callers
		panic("code error aes key: " + err.Error())
	}
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
