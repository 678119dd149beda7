package sec1

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Handshakes   expvar.Int
	Failures     expvar.Int
	AuthFailures expvar.Int
	Encrypt      CountSizePair
	Decrypt      CountSizePair
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"handshakes":%d,"failures":%d,"auth.failures":%d,"encrypt":%s,"decrypt":%s}`,
		s.Handshakes.Value(), s.Failures.Value(), s.AuthFailures.Value(),
		s.Encrypt.String(), s.Decrypt.String())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Register(size int) {
	csp.Count.Add(1)
	csp.Size.Add(int64(size))
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}
