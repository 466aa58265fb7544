// Package sqlcursor provides a cursoriter.Cursor backed by *sqlx.Rows
package sqlcursor

import (
	"context"
	"database/sql"
	"reflect"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/blobcache/cursoriter"
)

// Cursor reads rows of type T from a result set.
//
// The scan method depends on T:
//   - map[string]any uses MapScan
//   - structs with exported fields use StructScan
//   - everything else is scanned as a single column.
type Cursor[T any] struct {
	rows   *sqlx.Rows
	scan   func(rows *sqlx.Rows, dst *T) error
	closed atomic.Bool
}

// New returns a Cursor over rows. Closing the Cursor closes rows.
func New[T any](rows *sqlx.Rows) *Cursor[T] {
	return &Cursor[T]{
		rows: rows,
		scan: scannerFor[T](),
	}
}

// Next returns cursoriter.ErrExhausted once the result set has been read,
// and cursoriter.ErrCursorClosed after Close.
func (c *Cursor[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if c.closed.Load() {
		return zero, cursoriter.ErrCursorClosed
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return zero, err
		}
		if c.closed.Load() {
			return zero, cursoriter.ErrCursorClosed
		}
		return zero, cursoriter.ErrExhausted
	}
	var dst T
	if err := c.scan(c.rows, &dst); err != nil {
		return zero, err
	}
	return dst, c.rows.Err()
}

func (c *Cursor[T]) Close(ctx context.Context) error {
	c.closed.Store(true)
	return c.rows.Close()
}

// Query runs query and returns a Cursor over the result.
func Query[T any](ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*Cursor[T], error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return New[T](rows), nil
}

// Classify only trusts the structured errors returned by Cursor.
// database/sql errors such as sql.ErrConnDone mention "closed" but are failures, not the end of the rows.
var Classify = cursoriter.NewClassifier(nil, nil)

// Iterate runs query and returns an Iterator over the result.
// The Iterator is responsible for closing the rows.
// The Iterator uses Classify unless opts set another Classifier.
func Iterate[T any](ctx context.Context, q sqlx.QueryerContext, query string, args []any, opts ...cursoriter.Option) (*cursoriter.Iterator[T], error) {
	cur, err := Query[T](ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	opts = append([]cursoriter.Option{cursoriter.WithClassifier(Classify)}, opts...)
	return cursoriter.New[T](cur, opts...), nil
}

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

func scannerFor[T any]() func(*sqlx.Rows, *T) error {
	t := reflect.TypeFor[T]()
	switch {
	case t == reflect.TypeFor[map[string]any]():
		return func(rows *sqlx.Rows, dst *T) error {
			m := make(map[string]any)
			if err := rows.MapScan(m); err != nil {
				return err
			}
			*dst = any(m).(T)
			return nil
		}
	case isStructScannable(t):
		return func(rows *sqlx.Rows, dst *T) error {
			return rows.StructScan(dst)
		}
	default:
		return func(rows *sqlx.Rows, dst *T) error {
			return rows.Scan(dst)
		}
	}
}

// isStructScannable mirrors sqlx: a struct is scanned field by field unless it
// implements sql.Scanner or has no exported fields, like time.Time.
func isStructScannable(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	if reflect.PointerTo(t).Implements(scannerType) {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			return true
		}
	}
	return false
}
