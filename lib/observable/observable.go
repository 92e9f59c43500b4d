// Package observable provides a latest-value broadcast cell.
//
// An Observable holds one current value. Any number of Observers can follow
// it; each Observer yields the value current when it first polls and after
// that only the most recent value pushed since its previous poll. Values
// pushed between two polls are coalesced, never queued, so a slow reader
// costs nothing beyond one pointer per push.
//
// Link health vectors, link descriptions, local service lists and the peer
// list are all distributed through this type.
package observable

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by Next once the source has been closed and the
// observer has already seen the final value.
var ErrClosed = errors.New("observable closed")

// Stream is a lazy, unbounded, non-restartable sequence of values.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
}

// Observable is a latest-value broadcast cell. The zero value is not usable;
// create one with New.
type Observable[T any] struct {
	mu      sync.Mutex
	current T
	version uint64
	closed  bool
	// changed is closed and replaced on every push
	changed chan struct{}
}

// New creates an Observable whose current value is initial.
func New[T any](initial T) *Observable[T] {
	return &Observable[T]{
		current: initial,
		changed: make(chan struct{}),
	}
}

// Push replaces the current value and wakes every waiting observer.
// Pushing to a closed Observable is a no-op.
func (o *Observable[T]) Push(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.current = v
	o.version++
	close(o.changed)
	o.changed = make(chan struct{})
}

// Current returns the latest pushed value.
func (o *Observable[T]) Current() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Close ends every observer after it has consumed the latest value.
// Close is idempotent.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.changed)
}

// NewObserver returns a cursor over this Observable.
func (o *Observable[T]) NewObserver() *Observer[T] {
	return &Observer[T]{source: o}
}

// Observer follows one Observable. An Observer must not be polled from more
// than one goroutine at a time.
type Observer[T any] struct {
	source *Observable[T]
	seen   uint64
	primed bool
}

var _ Stream[int] = (*Observer[int])(nil)

// Next returns the current value on the first call, and afterwards blocks
// until a newer value has been pushed. It returns ErrClosed when the source
// is closed and nothing new is pending, or ctx.Err() if ctx ends first.
func (ob *Observer[T]) Next(ctx context.Context) (T, error) {
	var zero T
	o := ob.source
	for {
		o.mu.Lock()
		if !ob.primed || o.version != ob.seen {
			ob.primed = true
			ob.seen = o.version
			v := o.current
			o.mu.Unlock()
			return v, nil
		}
		if o.closed {
			o.mu.Unlock()
			return zero, ErrClosed
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Values adapts the observer to a range-over-func sequence that stops when
// the source closes or ctx ends.
func (ob *Observer[T]) Values(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := ob.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}
