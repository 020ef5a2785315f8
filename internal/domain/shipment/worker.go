package shipment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
)

// WorkerConfig tunes the shipment worker pool.
type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	RetryBase   time.Duration
	PollTimeout time.Duration
}

func (c *WorkerConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
}

// Backoff returns the delay before the attempt that follows a failed one.
func (c WorkerConfig) Backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	return c.RetryBase << (failed - 1)
}

// Outcome labels a processed task.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Worker consumes shipment tasks and creates parcels at the provider.
type Worker struct {
	queue     Queue
	orders    OrderStore
	addresses AddressStore
	variants  VariantStore
	lifecycle Lifecycle
	provider  Provider
	cfg       WorkerConfig
	lg        *zap.Logger
	now       func() time.Time
	attempts  metric.Int64Counter
}

// NewWorker creates a Worker.
func NewWorker(
	queue Queue,
	orders OrderStore,
	addresses AddressStore,
	variants VariantStore,
	lifecycle Lifecycle,
	provider Provider,
	cfg WorkerConfig,
	lg *zap.Logger,
	meter metric.Meter,
) (*Worker, error) {
	cfg.setDefaults()
	attempts, err := meter.Int64Counter("shop.shipment.attempts",
		metric.WithDescription("Parcel creation attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Worker{
		queue:     queue,
		orders:    orders,
		addresses: addresses,
		variants:  variants,
		lifecycle: lifecycle,
		provider:  provider,
		cfg:       cfg,
		lg:        lg,
		now:       time.Now,
		attempts:  attempts,
	}, nil
}

// Run starts the configured number of consumers and blocks until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		lg := w.lg.With(zap.Int("worker", i))
		g.Go(func() error {
			return w.loop(zctx.Base(ctx, lg))
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	lg := zctx.From(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := w.queue.Pop(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error("Pop shipment task", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if payload == nil {
			continue
		}
		w.Handle(ctx, payload)
	}
}

// Handle processes one popped payload and acknowledges it. Retries are
// pushed back as new delayed tasks before the acknowledgement.
func (w *Worker) Handle(ctx context.Context, payload []byte) Outcome {
	lg := zctx.From(ctx)
	defer func() {
		// Ack must outlive shutdown so the task is not redelivered.
		ackCtx := context.WithoutCancel(ctx)
		if err := w.queue.Ack(ackCtx, payload); err != nil {
			lg.Error("Ack shipment task", zap.Error(err))
		}
	}()

	task, err := DecodeTask(payload)
	if err != nil {
		lg.Error("Drop malformed shipment task", zap.ByteString("payload", payload), zap.Error(err))
		return w.count(ctx, OutcomeFailed)
	}
	lg = lg.With(zap.String("order_id", task.OrderID), zap.Int("attempt", task.Attempt))
	ctx = zctx.Base(ctx, lg)

	err = w.Process(ctx, task)
	switch {
	case err == nil:
		return w.count(ctx, OutcomeCreated)
	case errors.Is(err, errSkip):
		return w.count(ctx, OutcomeSkipped)
	case IsTransient(err) && task.Attempt < w.cfg.MaxAttempts:
		delay := w.cfg.Backoff(task.Attempt)
		next := Task{ID: task.ID, OrderID: task.OrderID, Attempt: task.Attempt + 1}
		if perr := w.queue.PushAt(context.WithoutCancel(ctx), next.Encode(), w.now().Add(delay)); perr != nil {
			lg.Error("Reschedule shipment task", zap.Error(perr), zap.NamedError("cause", err))
			return w.count(ctx, OutcomeFailed)
		}
		lg.Warn("Shipment creation failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		return w.count(ctx, OutcomeRetried)
	default:
		lg.Error("Shipment creation failed permanently, order left in paid", zap.Error(err))
		return w.count(ctx, OutcomeFailed)
	}
}

var errSkip = errors.New("skip")

// Process creates the parcel for the task's order and moves the order to
// processing. Orders that are no longer paid are skipped.
func (w *Worker) Process(ctx context.Context, task Task) error {
	lg := zctx.From(ctx)
	o, err := w.orders.Get(ctx, task.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			lg.Warn("Shipment task for unknown order")
			return errSkip
		}
		return errors.Wrap(err, "get order")
	}
	if o.Status != order.StatusPaid || o.Shipment.ParcelNo != "" {
		lg.Info("Shipment task skipped", zap.String("status", string(o.Status)))
		return errSkip
	}

	addr, err := w.addresses.Get(ctx, o.AddressID)
	if err != nil {
		return errors.Wrap(err, "get address")
	}
	variants, err := w.variants.GetVariants(ctx, o.VariantIDs())
	if err != nil {
		return errors.Wrap(err, "get variants")
	}

	parcel, err := w.provider.CreateParcel(ctx, BuildParcel(o, addr, variants))
	if err != nil {
		return err
	}
	sh := order.Shipment{
		Provider: w.provider.Name(),
		ParcelNo: parcel.ParcelNo,
		OrderNo:  parcel.OrderNo,
	}
	if err := w.lifecycle.AttachShipment(ctx, o.ID, sh); err != nil {
		var itErr *order.InvalidTransitionError
		if errors.As(err, &itErr) {
			// The order was canceled while the parcel was being created.
			if cerr := w.provider.CancelParcel(ctx, parcel.ParcelNo); cerr != nil {
				lg.Error("Cancel orphaned parcel", zap.String("parcel_no", parcel.ParcelNo), zap.Error(cerr))
			} else {
				lg.Info("Orphaned parcel canceled", zap.String("parcel_no", parcel.ParcelNo))
			}
			return errSkip
		}
		// The parcel exists at the provider; keep its number in the log so an
		// operator can reconcile.
		lg.Error("Attach shipment", zap.String("parcel_no", parcel.ParcelNo), zap.Error(err))
		return errors.Wrap(err, "attach shipment")
	}
	lg.Info("Shipment created", zap.String("parcel_no", parcel.ParcelNo))
	return nil
}

func (w *Worker) count(ctx context.Context, o Outcome) Outcome {
	w.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
	return o
}
