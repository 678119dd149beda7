// Package chunk splits frames into MTU sized chunks and reassembles them.
//
// Chunk layout, integers little-endian:
//
//	flags(1) | index(1) | total(1) | frame_id(2) | size(2) | data(size)
//
// Frames that fit into transport unit travel without header.
package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
)

const (
	HeaderSize = 1 /*flags*/ + 1 /*index*/ + 1 /*total*/ + 2 /*frame_id*/ + 2 /*size*/

	FlagChunked = byte(0x01)
	FlagFinal   = byte(0x02)
	FlagMore    = byte(0x04)

	DefaultMaxChunks = 8
	DefaultMaxFrames = 4
	DefaultTimeout   = 2000 * time.Millisecond

	// BLE ATT_MTU minus ATT opcode and handle
	DefaultMTU = 23 - 3

	maxDataSize = math.MaxUint16
)

var (
	ErrFrameTooLarge       = fmt.Errorf("frame is too large")
	ErrMTUTooSmall         = fmt.Errorf("mtu is too small for chunk header")
	ErrInvalidChunk        = fmt.Errorf("chunk is invalid")
	ErrTotalChunksMismatch = fmt.Errorf("total chunks mismatch")
	ErrReassemblyTimeout   = fmt.Errorf("reassembly timeout")
	ErrTooManyFrames       = fmt.Errorf("too many frames in reassembly")
)

type Header struct {
	Flags   byte
	Index   uint8
	Total   uint8
	FrameID uint16
	Size    uint16
}

func (h *Header) Final() bool { return h.Flags&FlagFinal != 0 }

func (h *Header) String() string {
	return fmt.Sprintf("Chunk(frame=%d %d/%d flags=%02x size=%d)", h.FrameID, h.Index+1, h.Total, h.Flags, h.Size)
}

type Chunk struct {
	Header
	Data []byte
}

func (c *Chunk) Marshal() []byte {
	b := make([]byte, HeaderSize+len(c.Data))
	b[0] = c.Flags
	b[1] = c.Index
	b[2] = c.Total
	binary.LittleEndian.PutUint16(b[3:], c.FrameID)
	binary.LittleEndian.PutUint16(b[5:], uint16(len(c.Data)))
	copy(b[HeaderSize:], c.Data)
	return b
}

// ParseChunk validates structure only. Data aliases b.
func ParseChunk(b []byte) (Chunk, error) {
	if len(b) < HeaderSize {
		return Chunk{}, errors.Annotatef(ErrInvalidChunk, "len=%d", len(b))
	}
	c := Chunk{Header: Header{
		Flags:   b[0],
		Index:   b[1],
		Total:   b[2],
		FrameID: binary.LittleEndian.Uint16(b[3:]),
		Size:    binary.LittleEndian.Uint16(b[5:]),
	}}
	if err := c.Header.validate(len(b) - HeaderSize); err != nil {
		return Chunk{}, err
	}
	c.Data = b[HeaderSize:]
	return c, nil
}

func (h *Header) validate(dataLen int) error {
	switch {
	case h.Flags&FlagChunked == 0:
		return errors.Annotatef(ErrInvalidChunk, "flags=%02x without chunked", h.Flags)
	case int(h.Size) != dataLen:
		return errors.Annotatef(ErrInvalidChunk, "declared size=%d actual=%d", h.Size, dataLen)
	case h.Total == 0 || h.Index >= h.Total:
		return errors.Annotatef(ErrInvalidChunk, "index=%d total=%d", h.Index, h.Total)
	}
	last := h.Index == h.Total-1
	final, more := h.Flags&FlagFinal != 0, h.Flags&FlagMore != 0
	if final == more || final != last {
		return errors.Annotatef(ErrInvalidChunk, "flags=%02x index=%d total=%d", h.Flags, h.Index, h.Total)
	}
	return nil
}

// LooksLikeChunk tells chunk from complete unchunked frame.
// mtu <= 0 disables data size limit.
func LooksLikeChunk(b []byte, maxChunks int, mtu int) bool {
	c, err := ParseChunk(b)
	if err != nil {
		return false
	}
	if int(c.Total) > normMaxChunks(maxChunks) {
		return false
	}
	if mtu > 0 && int(c.Size) > mtu-HeaderSize {
		return false
	}
	return true
}

func normMaxChunks(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxChunks
	case n > math.MaxUint8:
		return math.MaxUint8
	}
	return n
}
