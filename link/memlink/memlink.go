// Package memlink is in-process Link pair for tests and simulation.
package memlink

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/link"
)

// MangleFunc may rewrite units in flight. Returning nil units drops,
// returning several delivers in given order.
type MangleFunc func(ch link.Channel, b []byte) [][]byte

type End struct {
	mtu  int
	in   *link.Inbox
	peer *End

	mu     sync.Mutex
	mangle MangleFunc
	sent   int
}

var _ link.Link = &End{}
var _ link.Drainer = &End{}

// Pipe returns two connected ends. mtu<=0 means unlimited.
func Pipe(mtu int) (*End, *End) {
	a := &End{mtu: mtu, in: link.NewInbox(0)}
	b := &End{mtu: mtu, in: link.NewInbox(0)}
	a.peer, b.peer = b, a
	return a, b
}

func (e *End) MTU() int { return e.mtu }

// SetMangle applies fn to units sent from this end.
func (e *End) SetMangle(fn MangleFunc) {
	e.mu.Lock()
	e.mangle = fn
	e.mu.Unlock()
}

// Sent counts units accepted by Send.
func (e *End) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *End) Send(ctx context.Context, ch link.Channel, b []byte) error {
	if e.in.Closed() {
		return link.ErrClosed
	}
	if err := link.CheckUnit(ch, e.mtu, b); err != nil {
		return err
	}
	unit := append([]byte(nil), b...)
	e.mu.Lock()
	e.sent++
	mangle := e.mangle
	e.mu.Unlock()

	units := [][]byte{unit}
	if mangle != nil {
		units = mangle(ch, unit)
	}
	for _, u := range units {
		if err := e.peer.in.PutWait(ctx, ch, u); err != nil {
			return errors.Annotate(err, "memlink send")
		}
	}
	return nil
}

func (e *End) Receive(ctx context.Context, ch link.Channel) ([]byte, error) {
	return e.in.Get(ctx, ch)
}

func (e *End) Drain(ch link.Channel) int { return e.in.Drain(ch) }

// Close shuts both ends.
func (e *End) Close() error {
	e.in.Close()
	e.peer.in.Close()
	return nil
}
