// Command discount-import bulk-loads discount codes from gzipped JSON-lines
// files. Codes defined in more than one file are skipped as ambiguous.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"

	"github.com/amirhossein-moloki/ecommerce-core/internal/storage/postgres"
)

func main() {
	var (
		pattern     string
		databaseURL string
		expected    uint
	)

	flag.StringVar(&pattern, "files", "data/discounts*.jsonl.gz", "glob of gzipped JSON-lines files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", 1_000_000, "expected codes per file, sizes the bloom filters")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, expected); err != nil {
		slog.Error("discount import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, pattern, databaseURL string, expected uint) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	im := newImporter(postgres.NewDiscountRepository(pool), expected)
	if err := im.run(ctx, files); err != nil {
		return err
	}

	slog.Info("discount import completed",
		slog.Int64("inserted", im.stats.Inserted.Load()),
		slog.Int64("existing", im.stats.Existing.Load()),
		slog.Int64("invalid", im.stats.Invalid.Load()),
		slog.Int64("ambiguous", im.stats.Ambiguous.Load()),
	)
	return nil
}
