package cursoritercmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"math"
	"time"

	"github.com/brendoncarroll/stdctx/logctx"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/blobcache/cursoriter"
	"github.com/blobcache/cursoriter/internal/streams2"
	"github.com/blobcache/cursoriter/sqlcursor"
)

type Row = map[string]any

type queryParams struct {
	Limit   int
	Timeout time.Duration
	Where   string
	Buffer  int
}

func newQueryCmd(ctx context.Context, v *viper.Viper, l *zap.Logger) *cobra.Command {
	c := &cobra.Command{
		Use:   "query <sql>...",
		Short: "runs each query in order and prints the rows as JSON lines",
		Args:  cobra.MinimumNArgs(1),
	}
	var p queryParams
	c.Flags().IntVar(&p.Limit, "limit", 0, "stop after printing this many rows")
	c.Flags().DurationVar(&p.Timeout, "timeout", 0, "stop reading rows after this long")
	c.Flags().StringVar(&p.Where, "where", "", "jq expression rows must satisfy, e.g. '.id > 3'")
	c.Flags().IntVar(&p.Buffer, "buffer", 0, "read this many rows ahead of the output")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		db, err := loadDB(ctx, v)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := runQueries(ctx, l, db, args, p, cmd.OutOrStdout())
		logctx.Infof(ctx, "printed %d rows", n)
		return err
	}
	return c
}

// runQueries writes the rows from queries to w, and returns the number of rows written.
// Rows written before an error are still flushed to w.
func runQueries(ctx context.Context, l *zap.Logger, db *sqlx.DB, queries []string, p queryParams, w io.Writer) (n int, retErr error) {
	signal := ctx
	if p.Timeout > 0 {
		var cf context.CancelFunc
		signal, cf = context.WithTimeout(ctx, p.Timeout)
		defer cf()
	}
	opts := []cursoriter.Option{
		cursoriter.WithSignal(signal),
		cursoriter.WithLogger(l),
	}
	var seqs []iter.Seq2[Row, error]
	for _, q := range queries {
		seqs = append(seqs, querySeq(ctx, db, q, p.Buffer, opts))
	}
	rows := streams2.Map(streams2.Concat(seqs...), normalizeRow)
	if p.Where != "" {
		code, err := streams2.CompileJQ(p.Where)
		if err != nil {
			return 0, err
		}
		rows = streams2.JQFilter(rows, code, func(r Row) map[string]any { return r })
	}
	rows = streams2.Take(rows, p.Limit)

	bw := bufio.NewWriter(w)
	defer func() {
		retErr = multierr.Append(retErr, bw.Flush())
	}()
	enc := json.NewEncoder(bw)
	for row, err := range rows {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(row); err != nil {
			return n, err
		}
		n++
	}
	if signal.Err() != nil {
		logctx.Infof(ctx, "stopped reading rows: %v", signal.Err())
	}
	return n, nil
}

// querySeq runs q when the sequence is first read.
// Queries share the connection pool, so each one only starts after the previous has been closed.
func querySeq(ctx context.Context, db *sqlx.DB, q string, buffer int, opts []cursoriter.Option) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		it, err := sqlcursor.Iterate[Row](ctx, db, q, nil, opts...)
		if err != nil {
			yield(nil, err)
			return
		}
		seq := it.All(ctx)
		if buffer > 0 {
			seq = streams2.Buffered[Row](ctx, it, buffer)
		}
		for row, err := range seq {
			if !yield(row, err) {
				return
			}
		}
	}
}

// normalizeRow converts driver values into values which both encoding/json and gojq understand.
func normalizeRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		switch x := v.(type) {
		case []byte:
			out[k] = string(x)
		case int64:
			if x >= math.MinInt && x <= math.MaxInt {
				out[k] = int(x)
			} else {
				out[k] = float64(x)
			}
		case float32:
			out[k] = float64(x)
		case time.Time:
			out[k] = x.Format(time.RFC3339Nano)
		default:
			out[k] = v
		}
	}
	return out
}
