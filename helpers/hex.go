package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes test fixtures, whitespace is ignored.
func MustHex(s string) []byte {
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
