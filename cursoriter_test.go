package cursoriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brendoncarroll/go-state/streams"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type testRow struct {
	ID int
}

type fakeCursor struct {
	mu   sync.Mutex
	rows []testRow
	pos  int

	// endErr is returned once rows run out.
	endErr error
	// nextErr, if set, is returned from every call to Next.
	nextErr  error
	closeErr error
	// block, if set, makes Next wait until it is closed.
	block     chan struct{}
	ignoreCtx bool
	// closeBlock, if set, makes Close wait until it is closed.
	closeBlock chan struct{}

	nexts  atomic.Int32
	closes atomic.Int32
}

func newFakeCursor(n int) *fakeCursor {
	c := &fakeCursor{endErr: errors.New("No more rows in the cursor.")}
	for i := 1; i <= n; i++ {
		c.rows = append(c.rows, testRow{ID: i})
	}
	return c
}

func (c *fakeCursor) Next(ctx context.Context) (testRow, error) {
	c.nexts.Add(1)
	if c.block != nil {
		if c.ignoreCtx {
			<-c.block
		} else {
			select {
			case <-c.block:
			case <-ctx.Done():
				return testRow{}, ctx.Err()
			}
		}
	}
	if c.nextErr != nil {
		return testRow{}, c.nextErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.rows) {
		return testRow{}, c.endErr
	}
	r := c.rows[c.pos]
	c.pos++
	return r, nil
}

func (c *fakeCursor) Close(ctx context.Context) error {
	c.closes.Add(1)
	if c.closeBlock != nil {
		<-c.closeBlock
	}
	return c.closeErr
}

func ids(rows []testRow) (ret []int) {
	for _, r := range rows {
		ret = append(ret, r.ID)
	}
	return ret
}

func TestExhaustion(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(3)
	it := New[testRow](cur)
	require.Zero(t, cur.nexts.Load())

	rows, err := Collect(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, ids(rows))
	require.EqualValues(t, 1, cur.closes.Load())
	require.True(t, it.Terminated())

	var x testRow
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.EqualValues(t, 4, cur.nexts.Load())
	require.NoError(t, it.Return(ctx))
	require.EqualValues(t, 1, cur.closes.Load())
	require.NoError(t, it.Wait(ctx))
}

func TestRangeBreak(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	var got []int
	for row, err := range it.All(ctx) {
		require.NoError(t, err)
		got = append(got, row.ID)
		break
	}
	require.Equal(t, []int{1}, got)
	require.EqualValues(t, 1, cur.closes.Load())
	require.EqualValues(t, 1, cur.nexts.Load())
	require.Len(t, cur.rows[cur.pos:], 8)
}

func TestRangeAll(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	var got []int
	for row, err := range it.All(ctx) {
		require.NoError(t, err)
		got = append(got, row.ID)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestRangePanic(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	require.Panics(t, func() {
		for range it.All(ctx) {
			panic("boom")
		}
	})
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestForEachPanic(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	require.Panics(t, func() {
		ForEach(ctx, it, func(*testRow) error {
			panic("boom")
		})
	})
	require.True(t, it.Terminated())
	require.EqualValues(t, 1, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestRangeError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	cur := newFakeCursor(0)
	cur.nextErr = boom
	it := New[testRow](cur)

	var errs []error
	for _, err := range it.All(ctx) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestReturnEarly(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	var got []int
	for i := 0; i < 3; i++ {
		var x testRow
		require.NoError(t, it.Next(ctx, &x))
		got = append(got, x.ID)
	}
	require.NoError(t, it.Return(ctx))
	require.NoError(t, it.Return(ctx))

	var x testRow
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.Equal(t, []int{1, 2, 3}, got)
	require.EqualValues(t, 3, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestReturnConcurrent(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < cap(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- it.Return(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, cur.closes.Load())
	require.Zero(t, cur.nexts.Load())
}

func TestNextError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	cur := newFakeCursor(3)
	cur.nextErr = boom
	it := New[testRow](cur)

	var x testRow
	err := it.Next(ctx, &x)
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 1, cur.closes.Load())

	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.NoError(t, it.Return(ctx))
	require.EqualValues(t, 1, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestNextErrorCloseError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	closeErr := errors.New("connection reset")
	cur := newFakeCursor(3)
	cur.nextErr = boom
	cur.closeErr = closeErr
	it := New[testRow](cur)

	var x testRow
	err := it.Next(ctx, &x)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, closeErr)
	require.ErrorIs(t, it.Wait(ctx), closeErr)
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestExhaustedCloseError(t *testing.T) {
	ctx := context.Background()
	closeErr := errors.New("connection reset")
	cur := newFakeCursor(1)
	cur.closeErr = closeErr
	it := New[testRow](cur)

	var x testRow
	require.NoError(t, it.Next(ctx, &x))
	err := it.Next(ctx, &x)
	require.ErrorIs(t, err, closeErr)
	require.False(t, streams.IsEOS(err))
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(2)
	cur.endErr = errors.New("Cursor is closed.")
	it := New[testRow](cur)

	rows, err := Collect(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids(rows))
	require.NoError(t, it.Return(ctx))
	require.NoError(t, it.Wait(ctx))
	require.Zero(t, cur.closes.Load())
}

func TestSignalDuringNext(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	signal, cancel := context.WithCancel(ctx)
	defer cancel()

	cur := newFakeCursor(3)
	cur.block = make(chan struct{})
	cur.ignoreCtx = true
	it := New[testRow](cur, WithSignal(signal))

	time.AfterFunc(10*time.Millisecond, cancel)
	var x testRow
	start := time.Now()
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, it.Terminated())

	require.NoError(t, it.Wait(ctx))
	require.EqualValues(t, 1, cur.closes.Load())

	// the abandoned call settles late, with an error, and nobody hears about it.
	cur.nextErr = errors.New("boom")
	close(cur.block)
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.NoError(t, it.Return(ctx))
	require.EqualValues(t, 1, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestSignalBeforeNew(t *testing.T) {
	ctx := context.Background()
	signal, cancel := context.WithCancel(ctx)
	cancel()

	cur := newFakeCursor(3)
	cur.closeBlock = make(chan struct{})
	it := New[testRow](cur, WithSignal(signal))
	require.True(t, it.Terminated())

	// New does not wait for Close.
	close(cur.closeBlock)
	require.NoError(t, it.Wait(ctx))
	require.EqualValues(t, 1, cur.closes.Load())

	var x testRow
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
	require.Zero(t, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestSignalBetweenRows(t *testing.T) {
	ctx := context.Background()
	signal, cancel := context.WithCancel(ctx)
	defer cancel()

	cur := newFakeCursor(9)
	it := New[testRow](cur, WithSignal(signal))
	var got []int
	for row, err := range it.All(ctx) {
		require.NoError(t, err)
		got = append(got, row.ID)
		if len(got) == 2 {
			cancel()
		}
	}
	require.Equal(t, []int{1, 2}, got)
	require.NoError(t, it.Wait(ctx))
	require.EqualValues(t, 1, cur.closes.Load())
	require.EqualValues(t, 2, cur.nexts.Load())
}

func TestReturnDuringNext(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cur := newFakeCursor(3)
	cur.block = make(chan struct{})
	it := New[testRow](cur)

	errCh := make(chan error, 1)
	go func() {
		var x testRow
		errCh <- it.Next(ctx, &x)
	}()
	require.Eventually(t, func() bool { return cur.nexts.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, it.Return(ctx))
	require.True(t, streams.IsEOS(<-errCh))
	require.EqualValues(t, 1, cur.closes.Load())
	close(cur.block)
}

func TestContextDoneDuringNext(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	cur := newFakeCursor(3)
	cur.block = make(chan struct{})
	it := New[testRow](cur)

	var x testRow
	err := it.Next(ctx, &x)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, cur.closes.Load())
	require.True(t, streams.IsEOS(it.Next(context.Background(), &x)))
}

func TestBackgroundClose(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(3)
	cur.closeBlock = make(chan struct{})
	it := New[testRow](cur, WithBackgroundClose())

	require.NoError(t, it.Return(ctx))
	require.True(t, it.Terminated())

	waitCtx, cf := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cf()
	require.ErrorIs(t, it.Wait(waitCtx), context.DeadlineExceeded)

	close(cur.closeBlock)
	require.NoError(t, it.Wait(ctx))
	require.NoError(t, it.Return(ctx))
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestForEachStops(t *testing.T) {
	ctx := context.Background()
	stop := errors.New("stop")
	cur := newFakeCursor(9)
	it := New[testRow](cur)

	var n int
	err := ForEach(ctx, it, func(x *testRow) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, n)
	require.EqualValues(t, 2, cur.nexts.Load())
	require.EqualValues(t, 1, cur.closes.Load())
}

var errNoMoreResults = errors.New("results: iteration finished")

func TestClassifierExhausted(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(2)
	cur.endErr = fmt.Errorf("page 3: %w", errNoMoreResults)
	classify := func(err error) Kind {
		if errors.Is(err, errNoMoreResults) {
			return KindExhausted
		}
		return Classify(err)
	}
	it := New[testRow](cur, WithClassifier(classify))

	rows, err := Collect(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids(rows))
	require.EqualValues(t, 1, cur.closes.Load())
}

func TestClassifierClosedIsFatal(t *testing.T) {
	ctx := context.Background()
	cur := newFakeCursor(1)
	cur.endErr = errors.New("Cursor is closed.")
	// only structured errors count, messages are never matched
	it := New[testRow](cur, WithClassifier(NewClassifier(nil, nil)))

	var x testRow
	require.NoError(t, it.Next(ctx, &x))
	err := it.Next(ctx, &x)
	require.Error(t, err)
	require.False(t, streams.IsEOS(err))
	require.EqualError(t, err, "Cursor is closed.")
	require.EqualValues(t, 1, cur.closes.Load())
	require.True(t, streams.IsEOS(it.Next(ctx, &x)))
}
