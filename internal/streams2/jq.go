package streams2

import (
	"fmt"
	"iter"

	"github.com/itchyny/gojq"
)

// JQFilter yields the elements of seq for which code evaluates to true.
// fn converts an element into the object code runs against.
// An element which makes code fail, or return anything but a single boolean, ends the sequence with an error.
func JQFilter[T any](seq iter.Seq2[T, error], code *gojq.Code, fn func(T) map[string]any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for x, err := range seq {
			if err != nil {
				yield(x, err)
				return
			}
			allow, err := evalJQ(code, fn(x))
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !allow {
				continue
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

// CompileJQ parses and compiles a jq predicate.
func CompileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(q)
}

func evalJQ(code *gojq.Code, obj map[string]any) (bool, error) {
	jqit := code.Run(obj)
	out, ok := jqit.Next()
	if !ok {
		return false, fmt.Errorf("jq iterator did not return any values")
	}
	if err, ok := out.(error); ok {
		return false, err
	}
	if out, ok := jqit.Next(); ok {
		return false, fmt.Errorf("jq iterator returned second value: %v", out)
	}
	allow, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("jq expression must return boolean. instead got: %v", out)
	}
	return allow, nil
}
