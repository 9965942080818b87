// Package future provides a single-assignment completion handle used to chain
// asynchronous lookups.
//
// A Future is settled exactly once, either with a value or with an error. Waiters
// can block on Done/Await, or register continuations with OnComplete; Then composes
// a transformation into a new Future without parking a goroutine per link.
package future

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a Future already settled with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a Future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and settles the returned Future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.settle(v, err)
	}()
	return f
}

// Complete settles the Future with v. It reports false if it was already settled.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail settles the Future with err. It reports false if it was already settled.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Continuations run on the settling goroutine, outside the lock.
	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done returns a channel closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future is settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the Future is settled or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run once the Future is settled. If it already is,
// cb runs immediately on the caller's goroutine.
//
// Callbacks must not block: they run on whichever goroutine settles the Future.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	cb(v, err)
}

// Then returns a Future settled with fn applied to f's value. An error from f is
// propagated without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		u, err := fn(v)
		next.settle(u, err)
	})
	return next
}

// Recover returns a Future that maps a failure of f into a value with fn.
func Recover[T any](f *Future[T], fn func(error) T) *Future[T] {
	next := New[T]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Complete(fn(err))
			return
		}
		next.Complete(v)
	})
	return next
}
