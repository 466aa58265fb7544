package main

import (
	"context"
	"log"

	"github.com/brendoncarroll/stdctx/logctx"
	"go.uber.org/zap"

	"github.com/blobcache/cursoriter/cursoritercmd"
)

func main() {
	ctx := context.Background()
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer l.Sync()
	ctx = logctx.NewContext(ctx, l)
	cmd := cursoritercmd.NewCmd(ctx, l)
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
