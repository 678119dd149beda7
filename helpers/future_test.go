package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFuture(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		act    func(f *Future)
		expect interface{}
		ok     bool
	}{
		{"complete", func(f *Future) { f.Complete(42) }, 42, true},
		{"cancel", func(f *Future) { f.Cancel("closing") }, "closing", false},
		{"complete-then-cancel", func(f *Future) { f.Complete(1); f.Cancel(2) }, 1, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			f := NewFuture()
			go c.act(f)
			result, ok := f.Wait(context.Background())
			assert.Equal(t, c.expect, result)
			assert.Equal(t, c.ok, ok)
		})
	}
}

func TestFutureContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	f := NewFuture()
	result, ok := f.Wait(ctx)
	assert.False(t, ok)
	assert.Equal(t, context.DeadlineExceeded, result)
	assert.False(t, f.Complete(1))
}
