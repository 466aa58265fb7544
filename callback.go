package cursoriter

import (
	"context"
	"sync"
)

// NextFunc requests the next row, and reports it by calling cb exactly once.
type NextFunc[T any] func(cb func(T, error))

// CloseFunc releases the cursor and reports the outcome by calling cb.
type CloseFunc func(cb func(error))

// FromCallbacks creates a Cursor from a callback style cursor API.
// Calls to a callback after the first are ignored.
// If ctx is done before the callback fires, Next and Close return ctx.Err()
// and the late result is dropped.
func FromCallbacks[T any](next NextFunc[T], closeFn CloseFunc) Cursor[T] {
	return &callbackCursor[T]{next: next, close: closeFn}
}

type callbackCursor[T any] struct {
	next  NextFunc[T]
	close CloseFunc
}

func (c *callbackCursor[T]) Next(ctx context.Context) (T, error) {
	type result struct {
		row T
		err error
	}
	ch := make(chan result, 1)
	var once sync.Once
	c.next(func(row T, err error) {
		once.Do(func() { ch <- result{row: row, err: err} })
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		return res.row, res.err
	}
}

func (c *callbackCursor[T]) Close(ctx context.Context) error {
	ch := make(chan error, 1)
	var once sync.Once
	c.close(func(err error) {
		once.Do(func() { ch <- err })
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}
