package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Sweeper periodically cancels orders that stayed in pending_payment longer
// than the configured timeout, restoring their reserved stock.
type Sweeper struct {
	orders    Repository
	service   *Service
	timeout   time.Duration
	interval  time.Duration
	batchSize int
	lg        *zap.Logger
	now       func() time.Time
	swept     metric.Int64Counter
}

// NewSweeper creates a Sweeper. Each order is canceled in its own transaction.
func NewSweeper(
	orders Repository,
	service *Service,
	timeout, interval time.Duration,
	lg *zap.Logger,
	meter metric.Meter,
) (*Sweeper, error) {
	swept, err := meter.Int64Counter("shop.orders.expired",
		metric.WithDescription("Pending orders canceled by the timeout sweeper"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Sweeper{
		orders:    orders,
		service:   service,
		timeout:   timeout,
		interval:  interval,
		batchSize: 100,
		lg:        lg,
		now:       time.Now,
		swept:     swept,
	}, nil
}

// Run sweeps on every interval tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.lg.Error("Pending order sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep cancels every expired pending order and returns how many it canceled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	total := 0
	for {
		ids, err := s.orders.ListPendingBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, errors.Wrap(err, "list expired orders")
		}
		canceledInBatch := 0
		for _, id := range ids {
			canceled, err := s.service.CancelExpired(ctx, id, cutoff)
			if err != nil {
				s.lg.Error("Cancel expired order", zap.String("order_id", id), zap.Error(err))
				continue
			}
			if canceled {
				canceledInBatch++
			}
		}
		total += canceledInBatch
		s.swept.Add(ctx, int64(canceledInBatch))
		if len(ids) < s.batchSize || canceledInBatch == 0 {
			break
		}
	}
	if total > 0 {
		s.lg.Info("Expired pending orders canceled", zap.Int("count", total))
	}
	return total, nil
}
