package streams2

import "iter"

func Map[A, B any](seq iter.Seq2[A, error], fn func(A) B) iter.Seq2[B, error] {
	return func(yield func(B, error) bool) {
		for a, err := range seq {
			var b B
			if err == nil {
				b = fn(a)
			}
			if !yield(b, err) {
				return
			}
		}
	}
}
