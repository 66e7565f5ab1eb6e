package objdb

import (
	"context"
)

// Request is the deferred result of an operation queued on a transaction.
// It settles exactly once, with either a value or an error.
type Request[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newRequest[T any]() *Request[T] {
	return &Request[T]{done: make(chan struct{})}
}

func failedRequest[T any](err error) *Request[T] {
	r := newRequest[T]()
	var zero T
	r.settle(zero, err)
	return r
}

func (r *Request[T]) settle(v T, err error) {
	r.val, r.err = v, err
	close(r.done)
}

// Done is closed once the request has settled.
func (r *Request[T]) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the request settles.
func (r *Request[T]) Result() (T, error) {
	<-r.done
	return r.val, r.err
}

// Err blocks until the request settles and returns its error.
func (r *Request[T]) Err() error {
	<-r.done
	return r.err
}

// Wait is like Result, but gives up when ctx is done. Giving up does not
// cancel the operation.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
