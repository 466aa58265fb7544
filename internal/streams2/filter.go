package streams2

import "iter"

// Filter yields only the elements x of seq for which pred(x) is true.
// Errors are always passed through.
func Filter[T any](seq iter.Seq2[T, error], pred func(*T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for x, err := range seq {
			if err == nil && !pred(&x) {
				continue
			}
			if !yield(x, err) {
				return
			}
		}
	}
}
