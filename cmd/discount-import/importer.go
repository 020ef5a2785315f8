package main

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	maxLineSize   = 1 << 20
)

// creator persists discounts. Create returns discount.ErrCodeExists when the
// code is already taken.
type creator interface {
	Create(ctx context.Context, d *discount.Discount) error
}

// stats counts import outcomes.
type stats struct {
	Inserted  atomic.Int64
	Existing  atomic.Int64
	Invalid   atomic.Int64
	Ambiguous atomic.Int64
}

// importer loads discount codes from gzipped JSON-lines files. A code defined
// in more than one file is ambiguous and skipped. Cross-file detection uses a
// bloom filter per file, so only the rare candidates are held in memory.
type importer struct {
	store    creator
	validate *validator.Validate
	expected uint
	stats    stats
}

func newImporter(store creator, expected uint) *importer {
	return &importer{
		store:    store,
		validate: validator.New(),
		expected: max(expected, 1024),
	}
}

// candidate is a record whose code tested positive in another file's filter.
type candidate struct {
	mask uint
	rec  *record
}

func (im *importer) run(ctx context.Context, files []string) error {
	if len(files) > bits.UintSize {
		return errors.Errorf("at most %d files per import", bits.UintSize)
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := im.buildFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: importing unique codes")
	var (
		mu         sync.Mutex
		candidates = make(map[string]*candidate)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			bit := uint(1) << uint(i)
			var n int64
			err := streamLines(gctx, path, func(line []byte) error {
				n++
				if n%progressEvery == 0 {
					slog.Info("pass 2 progress", slog.String("file", path), slog.Int64("lines", n))
				}
				rec, err := parseRecord(line)
				if err != nil {
					im.stats.Invalid.Add(1)
					slog.Warn("skipping malformed line", slog.String("file", path), slog.Int64("line", n), slog.String("error", err.Error()))
					return nil
				}
				if err := rec.validate(im.validate); err != nil {
					im.stats.Invalid.Add(1)
					slog.Warn("skipping invalid discount", slog.String("code", rec.Code), slog.String("error", err.Error()))
					return nil
				}
				if !inOtherFilter(filters, i, rec.key()) {
					return im.insert(gctx, rec)
				}

				mu.Lock()
				c, ok := candidates[rec.key()]
				if !ok {
					c = &candidate{rec: rec}
					candidates[rec.key()] = c
				}
				c.mask |= bit
				mu.Unlock()
				return nil
			})
			return errors.Wrapf(err, "import %s", path)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Bloom false positives are inserted now; real cross-file codes are skipped.
	for code, c := range candidates {
		if bits.OnesCount(c.mask) >= 2 {
			im.stats.Ambiguous.Add(1)
			slog.Warn("skipping code defined in several files", slog.String("code", code))
			continue
		}
		if err := im.insert(ctx, c.rec); err != nil {
			return err
		}
	}
	return nil
}

func (im *importer) insert(ctx context.Context, rec *record) error {
	err := im.store.Create(ctx, rec.discount())
	switch {
	case err == nil:
		im.stats.Inserted.Add(1)
	case errors.Is(err, discount.ErrCodeExists):
		im.stats.Existing.Add(1)
	default:
		return errors.Wrapf(err, "create discount %s", rec.Code)
	}
	return nil
}

// buildFilters streams every file concurrently, adding each code to the
// file's filter.
func (im *importer) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(im.expected, bloomFPR)
			var n int64
			err := streamLines(ctx, path, func(line []byte) error {
				code, err := peekCode(line)
				if err != nil || code == "" {
					return nil
				}
				filter.AddString((&record{Code: code}).key())
				n++
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int64("codes", n))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func inOtherFilter(filters []*bloom.BloomFilter, self int, key string) bool {
	for j, f := range filters {
		if j != self && f.TestString(key) {
			return true
		}
	}
	return false
}

// streamLines calls fn for every non-empty line of a gzip-compressed file.
func streamLines(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return errors.Wrapf(scanner.Err(), "scan %s", path)
}
