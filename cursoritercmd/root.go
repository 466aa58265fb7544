package cursoritercmd

import (
	"context"

	"github.com/brendoncarroll/stdctx/logctx"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blobcache/cursoriter/internal/dbutil"
)

const defaultDBPath = "cursoriter.db"

// NewCmd creates a new root command
func NewCmd(ctx context.Context, l *zap.Logger) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CURSORITER")
	v.AutomaticEnv()

	c := &cobra.Command{
		Use:   "cursoriter",
		Short: "cursoriter streams query results one row at a time",
	}
	c.PersistentFlags().String("db", defaultDBPath, "path to the sqlite database, or set CURSORITER_DB")
	if err := v.BindPFlag("db", c.PersistentFlags().Lookup("db")); err != nil {
		panic(err)
	}

	for _, child := range []*cobra.Command{
		newQueryCmd(ctx, v, l),
		newSeedCmd(ctx, v),
	} {
		c.AddCommand(child)
	}
	return c
}

func loadDB(ctx context.Context, v *viper.Viper) (*sqlx.DB, error) {
	p := v.GetString("db")
	db, err := dbutil.OpenDB(p)
	if err != nil {
		return nil, err
	}
	logctx.Infof(ctx, "opened database at %s", p)
	return db, nil
}
