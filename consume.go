package cursoriter

import (
	"context"
	"iter"

	"github.com/brendoncarroll/go-state/streams"
	"go.uber.org/zap"
)

// All returns the rows of it as a sequence for use with range.
// Leaving the loop early, by break, return or panic, calls Return on it.
// An error ends the sequence; it is yielded once with the zero value of T.
func (it *Iterator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer func() {
			if err := it.Return(ctx); err != nil {
				it.log.Warn("closing cursor after loop exit", zap.Error(err))
			}
		}()
		for {
			var x T
			if err := it.Next(ctx, &x); err != nil {
				if streams.IsEOS(err) {
					return
				}
				var zero T
				yield(zero, err)
				return
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

// ForEach calls fn for each row in it.
// If fn returns an error, the iterator is stopped and that error is returned.
// The iterator is also stopped if fn panics.
func ForEach[T any](ctx context.Context, it *Iterator[T], fn func(*T) error) error {
	defer func() {
		if err := it.Return(ctx); err != nil {
			it.log.Warn("closing cursor", zap.Error(err))
		}
	}()
	for {
		var x T
		if err := it.Next(ctx, &x); err != nil {
			if streams.IsEOS(err) {
				return nil
			}
			return err
		}
		if err := fn(&x); err != nil {
			return err
		}
	}
}

// Collect reads every row from it into a slice.
func Collect[T any](ctx context.Context, it *Iterator[T]) ([]T, error) {
	var ret []T
	err := ForEach(ctx, it, func(x *T) error {
		ret = append(ret, *x)
		return nil
	})
	return ret, err
}
