package sec1

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const MaxPoPLength = 64

var ErrInvalidPoP = fmt.Errorf("proof of possession is invalid")

// ValidatePoP accepts empty or printable ASCII up to MaxPoPLength.
func ValidatePoP(pop string) error {
	if len(pop) > MaxPoPLength {
		return errors.Annotatef(ErrInvalidPoP, "len=%d max=%d", len(pop), MaxPoPLength)
	}
	for i := 0; i < len(pop); i++ {
		if c := pop[i]; c < 0x20 || c > 0x7e {
			return errors.Annotatef(ErrInvalidPoP, "byte=%02x at=%d", c, i)
		}
	}
	return nil
}

// PoPFingerprint is safe to log.
func PoPFingerprint(pop string) string {
	if pop == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(pop))
	return hex.EncodeToString(h[:4])
}
