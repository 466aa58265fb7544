package cursoritercmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brendoncarroll/stdctx/logctx"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blobcache/cursoriter/internal/dbutil"
)

var demoSchema = []string{
	`CREATE TABLE items (
		id INTEGER NOT NULL,
		name TEXT NOT NULL,

		PRIMARY KEY(id)
	)`,
}

func newSeedCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "seed",
		Short: "creates a demo items table and fills it",
		Args:  cobra.NoArgs,
	}
	n := c.Flags().Int("n", 9, "number of rows to insert")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		db, err := loadDB(ctx, v)
		if err != nil {
			return err
		}
		defer db.Close()
		count, err := seed(ctx, db, *n)
		if err != nil {
			return err
		}
		logctx.Infof(ctx, "seeded %d items", *n)
		_, err = fmt.Fprintln(cmd.OutOrStdout(), count)
		return err
	}
	return c
}

// seed inserts n items after the existing ones, and returns the total number of items.
func seed(ctx context.Context, db *sqlx.DB, n int) (int, error) {
	if err := dbutil.Setup(ctx, db, demoSchema...); err != nil {
		return 0, err
	}
	return dbutil.DoTx1(ctx, db, func(tx *sqlx.Tx) (int, error) {
		var start int
		if err := tx.Get(&start, `SELECT coalesce(max(id), 0) FROM items`); err != nil {
			return 0, err
		}
		for i := start + 1; i <= start+n; i++ {
			if _, err := tx.Exec(`INSERT INTO items (id, name) VALUES (?, ?)`, i, "item-"+strconv.Itoa(i)); err != nil {
				return 0, err
			}
		}
		var count int
		err := tx.Get(&count, `SELECT count(*) FROM items`)
		return count, err
	})
}
