package engine

import (
	"context"
	"sync"

	"github.com/renoz/turbine/pkg/invocation"
)

// Future is the pending outcome of a submitted request. It resolves exactly
// once, either with a Result or with an error (cancellation before dispatch
// produces no result, only the error).
type Future struct {
	requestID string
	done      chan struct{}
	once      sync.Once
	result    *invocation.Result
	err       error
}

func newFuture(requestID string) *Future {
	return &Future{
		requestID: requestID,
		done:      make(chan struct{}),
	}
}

// RequestID returns the id of the request this future belongs to.
func (f *Future) RequestID() string {
	return f.requestID
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is done.
func (f *Future) Get(ctx context.Context) (*invocation.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}

// TryGet returns the outcome without blocking; ok is false while pending.
func (f *Future) TryGet() (*invocation.Result, error, bool) {
	select {
	case <-f.done:
		return f.result, f.err, true
	default:
		return nil, nil, false
	}
}

func (f *Future) resolve(result *invocation.Result, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}
