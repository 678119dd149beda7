// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.

package helpers

import (
	"context"
	"sync"
)

type Future struct {
	result    interface{}
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

func (f *Future) Complete(result interface{}) bool {
	return f.finish(result, f.completed)
}

func (f *Future) Cancel(result interface{}) bool {
	return f.finish(result, f.cancelled)
}

func (f *Future) Result() interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait returns result and true on Complete, cancel result and false otherwise.
// ctx.Err() is returned as result when context is done first.
func (f *Future) Wait(ctx context.Context) (interface{}, bool) {
	select {
	case <-f.completed:
		return f.Result(), true
	case <-f.cancelled:
		return f.Result(), false
	case <-ctx.Done():
		f.Cancel(ctx.Err())
		// lost race with Complete is fine, report whatever won
		select {
		case <-f.completed:
			return f.Result(), true
		default:
			return f.Result(), false
		}
	}
}

func (f *Future) finish(result interface{}, ch chan struct{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.done {
		return false
	}
	f.result = result
	close(ch)
	f.done = true
	return true
}
