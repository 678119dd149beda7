package link

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

const DefaultInboxSize = 64

// Inbox queues received units per channel for Link implementations.
type Inbox struct {
	chs    [numChannels]chan []byte
	done   chan struct{}
	doneMu sync.Once
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	in := &Inbox{done: make(chan struct{})}
	for i := range in.chs {
		in.chs[i] = make(chan []byte, size)
	}
	return in
}

// Put never blocks, returns false when queue is full or inbox closed.
func (in *Inbox) Put(ch Channel, b []byte) bool {
	if !ch.valid() || in.Closed() {
		return false
	}
	select {
	case in.chs[ch] <- b:
		return true
	default:
		return false
	}
}

// PutWait blocks until queued, ctx is done or inbox closed.
func (in *Inbox) PutWait(ctx context.Context, ch Channel, b []byte) error {
	if !ch.valid() {
		return errors.Annotatef(ErrChannel, "%d", ch)
	}
	if in.Closed() {
		return ErrClosed
	}
	select {
	case in.chs[ch] <- b:
		return nil
	case <-in.done:
		return ErrClosed
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "put %s", ch)
	}
}

func (in *Inbox) Get(ctx context.Context, ch Channel) ([]byte, error) {
	if !ch.valid() {
		return nil, errors.Annotatef(ErrChannel, "%d", ch)
	}
	select {
	case b := <-in.chs[ch]:
		return b, nil
	case <-in.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "receive %s", ch)
	}
}

// Drain never blocks.
func (in *Inbox) Drain(ch Channel) int {
	if !ch.valid() {
		return 0
	}
	n := 0
	for {
		select {
		case <-in.chs[ch]:
			n++
		default:
			return n
		}
	}
}

func (in *Inbox) Close() {
	in.doneMu.Do(func() { close(in.done) })
}

func (in *Inbox) Closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}
