// Package cursoriter adapts pull-based database cursors into lazily consumed,
// cancellable sequences.
//
// An Iterator owns the obligation to close its Cursor exactly once, no matter how
// iteration ends: the cursor running out of rows, the consumer stopping early,
// an external cancellation signal, or an unrecoverable error.
package cursoriter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brendoncarroll/go-state/streams"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Cursor is a pull-based source of rows.
// Next fails with an error recognized by the Classifier when the rows are exhausted
// or the cursor has been closed.
// Close is called at most once by an Iterator.
type Cursor[T any] interface {
	Next(ctx context.Context) (T, error)
	Close(ctx context.Context) error
}

// Option configures an Iterator
type Option func(*config)

type config struct {
	signal          context.Context
	classify        Classifier
	backgroundClose bool
	log             *zap.Logger
}

// WithSignal sets an external cancellation signal.
// When signal is done the Iterator stops waiting on the cursor, closes it and ends the sequence.
func WithSignal(signal context.Context) Option {
	return func(c *config) {
		c.signal = signal
	}
}

// WithClassifier overrides the default Classify.
func WithClassifier(fn Classifier) Option {
	return func(c *config) {
		c.classify = fn
	}
}

// WithBackgroundClose makes Return hand the cursor's Close off to a goroutine instead of waiting for it.
// Use Wait to observe the result.
func WithBackgroundClose() Option {
	return func(c *config) {
		c.backgroundClose = true
	}
}

// WithLogger sets the logger used for close failures which have no caller to return to.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

var _ streams.Iterator[struct{}] = (*Iterator[struct{}])(nil)

const (
	stateActive int32 = iota
	stateTerminated
)

// Iterator is a lazily consumed sequence of rows from a Cursor.
// The zero value is not usable; create one with New.
type Iterator[T any] struct {
	cursor Cursor[T]
	config

	// mu serializes Next so the cursor never has more than one outstanding request.
	mu    sync.Mutex
	state atomic.Int32
	// stopped is closed on termination, it wakes up a Next waiting on the cursor.
	stopped chan struct{}

	closeDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps cur. It does not call Next or Close on cur,
// unless the signal passed with WithSignal is already done, in which case the Iterator
// starts out terminated and cur is closed in the background. Use Wait to observe the close.
func New[T any](cur Cursor[T], opts ...Option) *Iterator[T] {
	it := &Iterator[T]{
		cursor: cur,
		config: config{
			classify: Classify,
			log:      zap.NewNop(),
		},
		stopped:   make(chan struct{}),
		closeDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&it.config)
	}
	if it.signal != nil && it.signal.Err() != nil {
		it.cancel()
	}
	return it
}

// Next writes the next row to dst.
// It returns streams.EOS() when the sequence has ended, and any error from the cursor
// which is not an end of sequence condition.
// When the cursor runs out of rows Next closes it, and if that Close fails its error is
// returned instead of streams.EOS().
// After Next returns an error, the Iterator is terminated and all further calls return streams.EOS().
func (it *Iterator[T]) Next(ctx context.Context, dst *T) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.Terminated() {
		return streams.EOS()
	}
	if it.signal != nil && it.signal.Err() != nil {
		return it.cancel()
	}
	res, outcome := it.pull(ctx)
	row, err := res.row, res.err
	switch outcome {
	case pullSignaled:
		return it.cancel()
	case pullStopped:
		return streams.EOS()
	}
	if err == nil {
		if it.Terminated() {
			// Return won while the cursor was busy.
			return streams.EOS()
		}
		*dst = row
		return nil
	}
	kind := it.classify(err)
	if outcome == pullSettled && kind == KindOther && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		outcome = pullCtxDone
	}
	if !it.terminate() {
		it.log.Debug("discarding cursor result after termination", zap.Error(err))
		return streams.EOS()
	}
	switch kind {
	case KindExhausted:
		if err := it.close(ctx); err != nil {
			return errors.Wrap(err, "closing exhausted cursor")
		}
		return streams.EOS()
	case KindClosed:
		it.settle(nil)
		return streams.EOS()
	default:
		if outcome == pullCtxDone {
			// ctx is done, don't let it abort the close.
			ctx = context.WithoutCancel(ctx)
		}
		if closeErr := it.close(ctx); closeErr != nil {
			err = multierr.Append(err, errors.Wrap(closeErr, "closing cursor"))
		}
		return err
	}
}

// Return stops the sequence early and closes the cursor.
// It is safe to call concurrently with Next, and more than once; only the first call closes the cursor.
// Return waits for the cursor to close unless WithBackgroundClose was used.
func (it *Iterator[T]) Return(ctx context.Context) error {
	if !it.terminate() {
		return nil
	}
	if it.backgroundClose {
		go func() {
			if err := it.close(context.WithoutCancel(ctx)); err != nil {
				it.log.Warn("background close failed", zap.Error(err))
			}
		}()
		return nil
	}
	return it.close(ctx)
}

// Wait blocks until the cursor has been closed, or until no close is owed, and returns the error from Close.
// Wait on an Iterator which is still active blocks until it terminates or ctx is done.
func (it *Iterator[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-it.closeDone:
		return it.closeErr
	}
}

// Terminated returns true if the sequence has ended.
func (it *Iterator[T]) Terminated() bool {
	return it.state.Load() == stateTerminated
}

// terminate transitions Active -> Terminated.
// It returns true for the one caller which made the transition; that caller owes the close.
func (it *Iterator[T]) terminate() bool {
	if !it.state.CompareAndSwap(stateActive, stateTerminated) {
		return false
	}
	close(it.stopped)
	return true
}

// cancel handles the signal firing. Close is not awaited by the caller of Next.
func (it *Iterator[T]) cancel() error {
	if !it.terminate() {
		return streams.EOS()
	}
	ctx := context.WithoutCancel(it.signal)
	go func() {
		if err := it.close(ctx); err != nil {
			it.log.Warn("closing cursor after cancellation", zap.Error(err))
		}
	}()
	return streams.EOS()
}

func (it *Iterator[T]) close(ctx context.Context) error {
	var err error
	it.closeOnce.Do(func() {
		err = it.cursor.Close(ctx)
		it.log.Debug("closed cursor", zap.Error(err))
		it.settle(err)
	})
	return err
}

func (it *Iterator[T]) settle(err error) {
	select {
	case <-it.closeDone:
		return
	default:
	}
	it.closeErr = err
	close(it.closeDone)
}

type pullOutcome int

const (
	// pullSettled means the cursor returned a result.
	pullSettled pullOutcome = iota
	// pullSignaled means the external signal fired first.
	pullSignaled
	// pullStopped means Return was called while waiting.
	pullStopped
	// pullCtxDone means the per-call context ended first.
	pullCtxDone
)

type pullResult[T any] struct {
	row T
	err error
}

// pull calls the cursor's Next.
// When there is nothing to race against the call is made directly,
// otherwise it runs in a goroutine and is abandoned if anything else happens first.
func (it *Iterator[T]) pull(ctx context.Context) (pullResult[T], pullOutcome) {
	var signalDone <-chan struct{}
	if it.signal != nil {
		signalDone = it.signal.Done()
	}
	if signalDone == nil && ctx.Done() == nil {
		row, err := it.cursor.Next(ctx)
		return pullResult[T]{row: row, err: err}, pullSettled
	}

	ctx2, cf := context.WithCancel(ctx)
	// buffered so an abandoned call can always deliver its result and exit.
	resCh := make(chan pullResult[T], 1)
	go func() {
		row, err := it.cursor.Next(ctx2)
		resCh <- pullResult[T]{row: row, err: err}
	}()
	select {
	case res := <-resCh:
		cf()
		return res, pullSettled
	case <-signalDone:
		cf()
		return pullResult[T]{err: it.signal.Err()}, pullSignaled
	case <-it.stopped:
		cf()
		return pullResult[T]{}, pullStopped
	case <-ctx.Done():
		cf()
		return pullResult[T]{err: ctx.Err()}, pullCtxDone
	}
}
