package chunk

import (
	"sync/atomic"

	"github.com/juju/errors"
)

// Fragment splits frame for transport with given mtu using default chunk limit.
// Frame not larger than mtu is returned as single unit without header.
func Fragment(frame []byte, mtu int, frameID uint16) ([][]byte, error) {
	return fragment(frame, mtu, frameID, DefaultMaxChunks, false)
}

// FragmentForce always adds chunk header, even to frames fitting mtu.
func FragmentForce(frame []byte, mtu int, frameID uint16) ([][]byte, error) {
	return fragment(frame, mtu, frameID, DefaultMaxChunks, true)
}

func fragment(frame []byte, mtu int, frameID uint16, maxChunks int, force bool) ([][]byte, error) {
	if len(frame) <= mtu && !force {
		return [][]byte{frame}, nil
	}
	if mtu <= HeaderSize {
		return nil, errors.Annotatef(ErrMTUTooSmall, "mtu=%d", mtu)
	}
	capacity := mtu - HeaderSize
	if capacity > maxDataSize {
		capacity = maxDataSize
	}
	n := (len(frame) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}
	if max := normMaxChunks(maxChunks); n > max {
		return nil, errors.Annotatef(ErrFrameTooLarge, "len=%d chunks=%d max=%d", len(frame), n, max)
	}

	result := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(frame) {
			end = len(frame)
		}
		c := Chunk{Header: Header{
			Flags:   FlagChunked | FlagMore,
			Index:   uint8(i),
			Total:   uint8(n),
			FrameID: frameID,
		}, Data: frame[start:end]}
		if i == n-1 {
			c.Flags = FlagChunked | FlagFinal
		}
		result = append(result, c.Marshal())
	}
	return result, nil
}

// Splitter assigns frame ids and fragments for one transport.
// Zero value is usable: unlimited MTU, default chunk limit.
type Splitter struct {
	MTU       int // <=0 disables fragmentation
	MaxChunks int
	Force     bool
	Stat      *Stat

	lastID uint32
}

// NextFrameID wraps around skipping 0.
func (s *Splitter) NextFrameID() uint16 {
again:
	id := uint16(atomic.AddUint32(&s.lastID, 1))
	if id == 0 {
		goto again
	}
	return id
}

// Split returns units ready to send and assigned frame id, 0 when unchunked.
func (s *Splitter) Split(frame []byte) ([][]byte, uint16, error) {
	if s.MTU <= 0 || (len(frame) <= s.MTU && !s.Force) {
		s.count(0)
		return [][]byte{frame}, 0, nil
	}
	id := s.NextFrameID()
	units, err := fragment(frame, s.MTU, id, s.MaxChunks, s.Force)
	if err != nil {
		return nil, 0, err
	}
	s.count(len(units))
	return units, id, nil
}

func (s *Splitter) count(chunks int) {
	if s.Stat == nil {
		return
	}
	s.Stat.FramesSent.Add(1)
	s.Stat.ChunksSent.Add(int64(chunks))
}
