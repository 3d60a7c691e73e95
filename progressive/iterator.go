// Package progressive implements a single-slot, most-recent-value-wins cell
// used to model a source that improves its answer over time.
//
// A producer pushes values (the last one marked final). Each consumer reads
// through its own Cursor and only ever sees the newest value available when it
// is ready: intermediate values pushed while a consumer is busy are coalesced.
// The final value is never skipped and no value is delivered twice to the same
// cursor.
package progressive

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Push and Fail once the source is exhausted.
	ErrClosed = errors.New("progressive: source closed")
	// ErrDone is returned by Cursor.Next after the final value was delivered.
	ErrDone = errors.New("progressive: done")
)

// Iterator is safe for concurrent use by one producer and many consumers.
type Iterator[T any] struct {
	mu      sync.Mutex
	value   T
	seq     uint64 // 0 => nothing pushed yet
	final   bool
	err     error
	changed chan struct{} // closed and replaced on every state change
}

func New[T any]() *Iterator[T] {
	return &Iterator[T]{changed: make(chan struct{})}
}

// Settled returns an iterator that already holds v as its final value.
func Settled[T any](v T) *Iterator[T] {
	it := New[T]()
	_ = it.Push(v, true)
	return it
}

// Failed returns an iterator that terminates with err.
func Failed[T any](err error) *Iterator[T] {
	it := New[T]()
	it.Fail(err)
	return it
}

// FromResult adapts a single-valued asynchronous result into a one-shot iterator.
// fn runs on its own goroutine.
func FromResult[T any](ctx context.Context, fn func(context.Context) (T, error)) *Iterator[T] {
	it := New[T]()
	go func() {
		v, err := fn(ctx)
		if err != nil {
			it.Fail(err)
			return
		}
		_ = it.Push(v, true)
	}()
	return it
}

// Push stores v as the most recent value and wakes waiting consumers.
func (it *Iterator[T]) Push(v T, final bool) error {
	it.mu.Lock()
	if it.final || it.err != nil {
		it.mu.Unlock()
		return ErrClosed
	}
	it.value = v
	it.seq++
	it.final = final
	it.broadcastLocked()
	it.mu.Unlock()
	return nil
}

// Fail terminates the source. A value pushed before Fail and not yet seen by a
// cursor is still delivered before the error.
func (it *Iterator[T]) Fail(err error) {
	if err == nil {
		err = errors.New("progressive: nil error")
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.final || it.err != nil {
		return
	}
	it.err = err
	it.broadcastLocked()
}

func (it *Iterator[T]) broadcastLocked() {
	close(it.changed)
	it.changed = make(chan struct{})
}

// Settled reports whether the source has produced its final value or failed.
func (it *Iterator[T]) Settled() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.final || it.err != nil
}

// Cursor returns a new independent reader positioned before the first value.
func (it *Iterator[T]) Cursor() *Cursor[T] {
	return &Cursor[T]{it: it}
}

// ConsumeAll yields values until the final one has been yielded. It returns
// the source error, the first error returned by onValue, or ctx.Err().
func (it *Iterator[T]) ConsumeAll(ctx context.Context, onValue func(v T, final bool) error) error {
	c := it.Cursor()
	for {
		v, final, err := c.Next(ctx)
		if errors.Is(err, ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := onValue(v, final); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// AwaitFinal drains the iterator and returns its last value.
func (it *Iterator[T]) AwaitFinal(ctx context.Context) (T, error) {
	var last T
	err := it.ConsumeAll(ctx, func(v T, _ bool) error {
		last = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return last, nil
}

// Cursor tracks which value a single consumer has already seen.
type Cursor[T any] struct {
	it   *Iterator[T]
	seen uint64
	done bool
}

// Next blocks until a value newer than the last one returned is available.
func (c *Cursor[T]) Next(ctx context.Context) (v T, final bool, err error) {
	var zero T
	for {
		if c.done {
			return zero, false, ErrDone
		}
		c.it.mu.Lock()
		switch {
		case c.it.seq > c.seen:
			v, final = c.it.value, c.it.final
			c.seen = c.it.seq
			c.done = final
			c.it.mu.Unlock()
			return v, final, nil
		case c.it.err != nil:
			err = c.it.err
			c.it.mu.Unlock()
			return zero, false, err
		}
		wait := c.it.changed
		c.it.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}
