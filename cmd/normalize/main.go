// Command normalize applies a rule set to the cells of CSV or XLSX rows and
// writes the harvested properties as JSON lines, optionally persisting them
// to a SQL sink.
//
//	normalize validate --rules configs/rules/fragrance.yaml
//	normalize run --rules configs/rules/fragrance.yaml --input offers.csv --out -
//	normalize probe --input offers.xlsx --rules > draft.yaml
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"

	// Register the sink backends with the storage factory.
	_ "github.com/TheStrul/Sacks-new-sub007/internal/storage/mssql"
	_ "github.com/TheStrul/Sacks-new-sub007/internal/storage/mysql"
	_ "github.com/TheStrul/Sacks-new-sub007/internal/storage/postgres"
	_ "github.com/TheStrul/Sacks-new-sub007/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("normalize failed", "err", err)
		os.Exit(1)
	}
}
