package future

import (
	"context"
	"sync"
)

// Future is a single-assignment result container. It is settled at most once,
// by whichever of Resolve or Reject runs first; later calls are ignored.
//
// A future abandoned by a forced worker close is never settled. Callers that
// need a hard deadline pass a bounded context to Wait.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// New returns an unsettled Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a value. It reports whether this call
// performed the settlement.
func (f *Future) Resolve(value any) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		settled = true
		close(f.done)
	})
	return settled
}

// Reject settles the future with an error. It reports whether this call
// performed the settlement.
func (f *Future) Reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx expires, whichever comes first.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value returns the resolved value. It is only meaningful after Done.
func (f *Future) Value() any { return f.value }

// Err returns the rejection error. It is only meaningful after Done.
func (f *Future) Err() error { return f.err }
