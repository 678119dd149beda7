package sec1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/juju/errors"
)

const (
	IVSize       = 16
	MACSize      = sha256.Size
	SealOverhead = IVSize + MACSize
)

var (
	ErrBlobTooShort         = fmt.Errorf("sealed blob is too short")
	ErrAuthenticationFailed = fmt.Errorf("authentication failed")
)

// Seal returns IV | HMAC-SHA256(key, IV|ct) | AES-CTR(key, IV, plaintext) with fresh random IV.
func Seal(key, plaintext []byte) ([]byte, error) {
	return seal(rand.Reader, key, plaintext)
}

func seal(rnd io.Reader, key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.Annotatef(ErrInvalidKeyLength, "len=%d", len(key))
	}
	out := make([]byte, SealOverhead+len(plaintext))
	iv := out[:IVSize]
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return nil, errors.Annotate(err, "seal iv")
	}
	ct := out[SealOverhead:]
	ctr(key, iv, ct, plaintext)
	copy(out[IVSize:SealOverhead], mac(key, iv, ct))
	return out, nil
}

// Open verifies MAC in constant time before decrypting.
// Failure reason is not disclosed beyond ErrAuthenticationFailed.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.Annotatef(ErrInvalidKeyLength, "len=%d", len(key))
	}
	if len(blob) < SealOverhead {
		return nil, errors.Annotatef(ErrBlobTooShort, "len=%d min=%d", len(blob), SealOverhead)
	}
	iv, declared, ct := blob[:IVSize], blob[IVSize:SealOverhead], blob[SealOverhead:]
	if !hmac.Equal(declared, mac(key, iv, ct)) {
		return nil, ErrAuthenticationFailed
	}
	plaintext := make([]byte, len(ct))
	ctr(key, iv, plaintext, ct)
	return plaintext, nil
}

func mac(key, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(iv)
	_, _ = h.Write(ct)
	return h.Sum(nil)
}
