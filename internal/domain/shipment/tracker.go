package shipment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
)

// Tracker follows carrier progress of created parcels and cancels them.
type Tracker struct {
	orders    OrderStore
	lifecycle Lifecycle
	provider  Provider
}

// NewTracker creates a Tracker.
func NewTracker(orders OrderStore, lifecycle Lifecycle, provider Provider) *Tracker {
	return &Tracker{orders: orders, lifecycle: lifecycle, provider: provider}
}

// Progress is the outcome of a tracking refresh.
type Progress struct {
	From   order.Status
	To     order.Status
	Latest *TrackingEvent
}

// Changed reports whether the refresh advanced the order.
func (p Progress) Changed() bool {
	return p.From != p.To
}

// Refresh reads the tracking history of the order's parcel and advances
// processing to shipped and shipped to delivered as the carrier reports
// progress.
func (t *Tracker) Refresh(ctx context.Context, orderID string) (Progress, error) {
	o, err := t.orders.Get(ctx, orderID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{From: o.Status, To: o.Status}
	if o.Shipment.ParcelNo == "" {
		return p, ErrNoShipment
	}
	events, err := t.provider.Tracking(ctx, o.Shipment.ParcelNo)
	if err != nil {
		return p, errors.Wrap(err, "tracking")
	}
	latest, ok := Latest(events)
	if !ok {
		return p, nil
	}
	p.Latest = &latest

	if p.To == order.StatusProcessing && latest.State.Dispatched() {
		if err := t.lifecycle.MarkShipped(ctx, o.ID); err != nil {
			return p, errors.Wrap(err, "mark shipped")
		}
		p.To = order.StatusShipped
	}
	if p.To == order.StatusShipped && latest.State == StateDelivered {
		if err := t.lifecycle.MarkDelivered(ctx, o.ID); err != nil {
			return p, errors.Wrap(err, "mark delivered")
		}
		p.To = order.StatusDelivered
	}
	if p.Changed() {
		zctx.From(ctx).Info("shipment progressed",
			zap.String("order_id", o.ID),
			zap.String("parcel_no", o.Shipment.ParcelNo),
			zap.String("state", string(latest.State)),
		)
	}
	return p, nil
}

// Cancel cancels the order and, if one exists, its parcel at the provider.
// The parcel is canceled while the order row is locked, so a concurrent
// shipment worker cannot attach a new parcel in between. Shipped orders
// cannot be canceled.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	var parcelNo string
	err := t.lifecycle.CancelShipment(ctx, orderID, func(ctx context.Context, sh order.Shipment) error {
		parcelNo = sh.ParcelNo
		return errors.Wrap(t.provider.CancelParcel(ctx, sh.ParcelNo), "cancel parcel")
	})
	if err != nil {
		return err
	}
	zctx.From(ctx).Info("shipment canceled",
		zap.String("order_id", orderID),
		zap.String("parcel_no", parcelNo),
	)
	return nil
}

// InFlight lists orders whose parcels are still with the carrier.
type InFlight interface {
	ListInFlight(ctx context.Context, limit int) ([]string, error)
}

// Poll refreshes up to limit in-flight orders and returns how many changed
// status. A failing order is logged and skipped.
func (t *Tracker) Poll(ctx context.Context, src InFlight, limit int) (int, error) {
	ids, err := src.ListInFlight(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list in-flight orders")
	}
	lg := zctx.From(ctx)
	changed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		p, err := t.Refresh(ctx, id)
		if err != nil {
			lg.Warn("Refresh tracking", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if p.Changed() {
			changed++
		}
	}
	return changed, nil
}

// RunPoller polls every interval until ctx is canceled.
func (t *Tracker) RunPoller(ctx context.Context, src InFlight, interval time.Duration, limit int, lg *zap.Logger) error {
	ctx = zctx.Base(ctx, lg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := t.Poll(ctx, src, limit)
		switch {
		case err != nil && ctx.Err() == nil:
			lg.Error("Tracking poll failed", zap.Error(err))
		case n > 0:
			lg.Debug("Tracking poll advanced orders", zap.Int("count", n))
		}
	}
}
