package cursoriter

import (
	"io"
	"regexp"

	"github.com/brendoncarroll/go-state/streams"
	"github.com/pkg/errors"
)

var (
	// ErrExhausted is returned by a Cursor when there are no more rows.
	ErrExhausted = errors.New("no more rows in the cursor")
	// ErrCursorClosed is returned by a Cursor which has already been closed.
	ErrCursorClosed = errors.New("cursor is closed")
)

// Kind is the classification of an error returned from Cursor.Next
type Kind int

const (
	// KindOther errors are passed through to the consumer.
	KindOther Kind = iota
	// KindExhausted means the cursor ran out of rows.
	KindExhausted
	// KindClosed means the cursor was already closed by someone else.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindClosed:
		return "closed"
	default:
		return "other"
	}
}

// Classifier decides what an error from Cursor.Next means for the sequence.
type Classifier func(err error) Kind

var (
	defaultExhaustedPattern = regexp.MustCompile(`(?i)no more rows`)
	defaultClosedPattern    = regexp.MustCompile(`(?i)\bclosed\b`)
)

// Classify is the default Classifier.
// Structured errors are checked first, the error message is only matched when nothing else applies.
func Classify(err error) Kind {
	return NewClassifier(defaultExhaustedPattern, defaultClosedPattern)(err)
}

// NewClassifier returns a Classifier which recognizes the structured errors
// ErrExhausted, io.EOF, streams.EOS and ErrCursorClosed, and falls back to matching
// the error message against exhausted and closed.
// Either pattern may be nil.
func NewClassifier(exhausted, closed *regexp.Regexp) Classifier {
	return func(err error) Kind {
		switch {
		case err == nil:
			return KindOther
		case errors.Is(err, ErrExhausted), errors.Is(err, io.EOF), streams.IsEOS(err):
			return KindExhausted
		case errors.Is(err, ErrCursorClosed):
			return KindClosed
		}
		msg := err.Error()
		if exhausted != nil && exhausted.MatchString(msg) {
			return KindExhausted
		}
		if closed != nil && closed.MatchString(msg) {
			return KindClosed
		}
		return KindOther
	}
}
