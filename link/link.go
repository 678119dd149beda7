// Package link defines message transport used by client and device.
//
// Link carries whole transport units (at most MTU bytes) on two logical
// channels: handshake and data. BLE maps channels to separate GATT
// services, MQTT to separate topic pairs.
package link

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

type Channel uint8

const (
	ChannelHandshake Channel = iota
	ChannelData

	numChannels = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelHandshake:
		return "handshake"
	case ChannelData:
		return "data"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

func (c Channel) valid() bool { return c < numChannels }

// CheckUnit returns ErrUnitTooLarge when data unit exceeds mtu.
func CheckUnit(ch Channel, mtu int, b []byte) error {
	if ch == ChannelData && mtu > 0 && len(b) > mtu {
		return errors.Annotatef(ErrUnitTooLarge, "len=%d mtu=%d", len(b), mtu)
	}
	return nil
}

var (
	ErrClosed       = fmt.Errorf("link is closed")
	ErrUnitTooLarge = fmt.Errorf("unit exceeds link mtu")
	ErrChannel      = fmt.Errorf("unknown link channel")
)

type Link interface {
	// MTU is max data channel unit size, <=0 means unlimited.
	// Handshake messages are small and always sent whole.
	MTU() int
	Send(ctx context.Context, ch Channel, b []byte) error
	// Receive blocks until unit arrives, ctx is done or link is closed.
	Receive(ctx context.Context, ch Channel) ([]byte, error)
	Close() error
}

// Drainer is implemented by links with local receive queue.
type Drainer interface {
	// Drain discards units already queued on ch, returns count.
	Drain(ch Channel) int
}

// Drain discards queued units when l supports it.
func Drain(l Link, ch Channel) int {
	if d, ok := l.(Drainer); ok {
		return d.Drain(ch)
	}
	return 0
}

// BLE GATT layout of device firmware.
const (
	BLEDeviceName = "SMART_DRIP"

	BLEHandshakeService = 0xff50
	BLEHandshakeTx      = 0xff51
	BLEHandshakeRx      = 0xff52
	BLEDataService      = 0xff00
	BLEDataTx           = 0xff01
	BLEDataRx           = 0xff02

	BLEDefaultMTU = 23
	BLEATTHeader  = 3
)

// BLEUnitSize is usable payload for negotiated ATT MTU.
func BLEUnitSize(attMTU int) int {
	if attMTU <= BLEATTHeader {
		attMTU = BLEDefaultMTU
	}
	return attMTU - BLEATTHeader
}
