// Package future implements the completion handle: a one-shot,
// write-once slot that delivers exactly one of {result, error} to the
// original submitter. The result is the value already transformed by
// the response callback (see internal/callback), or the raw decoded
// reply when no callback applies to that command.
package future

import (
	"context"
	"sync"
)

// Future is completed exactly once, by SetResult xor SetError.
// Attempting to complete it twice is an invariant violation and
// panics, matching the "never both" rule from the client facade.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

// New returns a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// SetResult completes the future with a value. Panics if already
// completed.
func (f *Future) SetResult(v any) {
	f.complete(func() {
		f.result = v
	})
}

// SetError completes the future with an error. Panics if already
// completed.
func (f *Future) SetError(err error) {
	f.complete(func() {
		f.err = err
	})
}

func (f *Future) complete(set func()) {
	completed := false
	f.once.Do(func() {
		set()
		close(f.done)
		completed = true
	})
	if !completed {
		panic("future: set called more than once")
	}
}

// Wait blocks until the future is completed or ctx is done, whichever
// comes first. A caller that abandons Wait via ctx cancellation does
// not retract the underlying queued entry; if the batch still
// completes, the result is simply never observed.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the future has already been completed, without
// blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
