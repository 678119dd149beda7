package helpers

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartdrip/driplink/helpers/atomic_clock"
)

// Limited exponential backoff with optional jitter for reconnect delays.
// First delay is always 0.
// Failure() increases next delay by K, Reset() returns to Min.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min    time.Duration
	Max    time.Duration
	K      float32
	Jitter float32       // fraction of delay added at random, 0..1
	Res    time.Duration // delay resolution for nice logs, default=1ms

	randOnce sync.Once
	randMu   sync.Mutex
	rand     *rand.Rand
}

// Use scenario:
// for {
//   time.Sleep(backoff.DelayBefore())
//   err := connect()
//   backoff.Update(err==nil)
// }
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.jitter(b.limit(next))
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Increase next DelayBefore()
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		next = time.Duration(float32(next) * b.K)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	b.randOnce.Do(func() { b.rand = RandUnix() })
	b.randMu.Lock()
	f := b.rand.Float32()
	b.randMu.Unlock()
	return d + time.Duration(float32(d)*b.Jitter*f)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
