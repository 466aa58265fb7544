// Package streams2 composes row sequences.
package streams2

import (
	"context"
	"iter"

	"github.com/brendoncarroll/go-state/streams"
	"golang.org/x/sync/errgroup"
)

// Stoppable is an iterator which can be told to stop early and release its resources.
type Stoppable[T any] interface {
	streams.Iterator[T]
	Return(ctx context.Context) error
}

// Concat yields everything from each of seqs in order.
// It stops at the first error.
func Concat[T any](seqs ...iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, seq := range seqs {
			stopped := false
			for x, err := range seq {
				if !yield(x, err) || err != nil {
					stopped = true
					break
				}
			}
			if stopped {
				return
			}
		}
	}
}

// Take yields at most n elements of seq, and then stops it.
// n <= 0 means no limit.
func Take[T any](seq iter.Seq2[T, error], n int) iter.Seq2[T, error] {
	if n <= 0 {
		return seq
	}
	return func(yield func(T, error) bool) {
		var i int
		for x, err := range seq {
			if !yield(x, err) || err != nil {
				return
			}
			i++
			if i >= n {
				return
			}
		}
	}
}

// Buffered reads up to n elements ahead of the consumer, from it in a separate goroutine.
// Leaving the sequence early cancels the read ahead and stops it.
func Buffered[T any](ctx context.Context, it Stoppable[T], n int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		ctx, cf := context.WithCancel(ctx)
		defer cf()
		out := make(chan T, n)
		eg, ctx2 := errgroup.WithContext(ctx)
		eg.Go(func() error {
			defer close(out)
			return streams.LoadChan(ctx2, it, out)
		})
		stopped := false
		for x := range out {
			if !yield(x, nil) {
				stopped = true
				break
			}
		}
		cf()
		err := eg.Wait()
		if err2 := it.Return(context.WithoutCancel(ctx)); err == nil {
			err = err2
		}
		if stopped || err == nil {
			return
		}
		var zero T
		yield(zero, err)
	}
}
