package payment

import (
	"context"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// DiscountValidator revalidates and accounts for discounts attached to orders.
type DiscountValidator interface {
	Revalidate(ctx context.Context, user identity.User, id int64, items []discount.Item) (discount.Result, error)
	RecordUsage(ctx context.Context, id int64, user identity.User) error
}

// ShipmentEnqueuer schedules parcel creation for a paid order.
type ShipmentEnqueuer interface {
	EnqueueShipment(ctx context.Context, orderID string) error
}

// Config holds orchestrator settings.
type Config struct {
	CallbackURL   string
	WebhookSecret []byte
	Allowlist     Allowlist
	Pricing       order.Pricing
}

// VerifyRequest is an inbound callback or webhook.
type VerifyRequest struct {
	TrackID    string
	Success    string
	Signature  string
	IP         string
	RawPayload string
}

// Params returns the signed callback parameters.
func (r VerifyRequest) Params() url.Values {
	return url.Values{
		"trackId": {r.TrackID},
		"success": {r.Success},
	}
}

// VerifyResponse is the outcome of a successful verification.
type VerifyResponse struct {
	OrderID         string
	RefID           string
	Message         string
	AlreadyVerified bool
}

// Orchestrator coordinates payment initiation and verification.
type Orchestrator struct {
	orders    order.Repository
	variants  catalog.Repository
	discounts DiscountValidator
	ledger    Repository
	gateway   Gateway
	shipments ShipmentEnqueuer
	tx        tx.Runner
	cfg       Config

	tracer trace.Tracer
	events metric.Int64Counter
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	orders order.Repository,
	variants catalog.Repository,
	discounts DiscountValidator,
	ledger Repository,
	gateway Gateway,
	shipments ShipmentEnqueuer,
	runner tx.Runner,
	cfg Config,
	meter metric.Meter,
	tracer trace.Tracer,
) (*Orchestrator, error) {
	events, err := meter.Int64Counter("shop.payment.events",
		metric.WithDescription("Payment ledger events by type and status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Orchestrator{
		orders:    orders,
		variants:  variants,
		discounts: discounts,
		ledger:    ledger,
		gateway:   gateway,
		shipments: shipments,
		tx:        runner,
		cfg:       cfg,
		tracer:    tracer,
		events:    events,
		now:       time.Now,
	}, nil
}

// Initiate reprices the order, revalidates its discount, requests a payment
// from the gateway and returns the redirect URL. Everything except the
// failure ledger row happens in one transaction holding the order and
// variant row locks.
func (o *Orchestrator) Initiate(ctx context.Context, user identity.User, orderID string) (_ string, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.Initiate",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	var (
		found   bool
		trackID string
		amount  int64
		raw     string
	)
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		ord, err := o.orders.Lock(ctx, orderID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return ErrOrderNotFound
			}
			return errors.Wrap(err, "lock order")
		}
		if !user.Authenticated() || ord.UserID != user.ID {
			return ErrOrderNotFound
		}
		found = true
		if ord.PaymentStatus == order.PaymentSuccess {
			return ErrAlreadyPaid
		}
		if ord.Status != order.StatusPendingPayment {
			return &order.InvalidTransitionError{From: ord.Status, To: order.StatusPaid}
		}

		if err := o.reprice(ctx, user, ord); err != nil {
			return err
		}
		amount = MinorUnits(ord.TotalPayable)

		res, err := o.gateway.Request(ctx, Request{
			Amount:      amount,
			OrderID:     ord.ID,
			CallbackURL: o.cfg.CallbackURL,
		})
		if err != nil {
			return &GatewayNetworkError{Op: "request", Err: err}
		}
		raw = res.Raw
		if res.Result != ResultSuccess || res.TrackID == "" {
			return &GatewayError{Result: res.Result, Message: res.Message}
		}
		trackID = res.TrackID

		ord.PaymentTrackID = trackID
		ord.PaymentGateway = GatewayName
		ord.UpdatedAt = o.now()
		if err := o.orders.Update(ctx, ord); err != nil {
			return errors.Wrap(err, "update order")
		}
		return o.append(ctx, &Transaction{
			OrderID:         ord.ID,
			TrackID:         trackID,
			EventType:       EventInitiate,
			Status:          StatusProcessed,
			Amount:          amount,
			ResultCode:      intPtr(res.Result),
			Message:         "payment initiated",
			GatewayResponse: raw,
		})
	})
	if err != nil {
		row := &Transaction{
			TrackID:         trackID,
			EventType:       EventInitiate,
			Status:          StatusFailed,
			Amount:          amount,
			Message:         err.Error(),
			GatewayResponse: raw,
		}
		if found {
			row.OrderID = orderID
		}
		o.record(ctx, row)
		return "", err
	}

	zctx.From(ctx).Info("payment initiated",
		zap.String("order_id", orderID),
		zap.String("track_id", trackID),
		zap.Int64("amount", amount),
	)
	return o.gateway.RedirectURL(trackID), nil
}

// reprice refreshes item prices from the locked variants and recomputes the
// discount and totals of a locked order.
func (o *Orchestrator) reprice(ctx context.Context, user identity.User, ord *order.Order) error {
	locked, err := o.variants.LockVariants(ctx, ord.VariantIDs())
	if err != nil {
		return errors.Wrap(err, "lock variants")
	}
	variants := catalog.Index(locked)

	var changed []order.Item
	items := make([]discount.Item, len(ord.Items))
	for i, it := range ord.Items {
		v, ok := variants[it.VariantID]
		// Stock was reserved at checkout, so revalidation reduces to the
		// variant still existing.
		if !ok {
			return &catalog.InsufficientStockError{VariantID: it.VariantID, Requested: it.Quantity}
		}
		if !it.Price.Equal(v.CurrentPrice()) {
			ord.Items[i].Price = v.CurrentPrice()
			changed = append(changed, ord.Items[i])
		}
		items[i] = discount.Item{
			VariantID:  v.ID,
			ProductID:  v.ProductID,
			CategoryID: v.CategoryID,
			TagIDs:     v.TagIDs,
			Price:      ord.Items[i].Price,
			Quantity:   it.Quantity,
		}
	}
	if len(changed) > 0 {
		if err := o.orders.UpdateItemPrices(ctx, changed); err != nil {
			return errors.Wrap(err, "update item prices")
		}
		zctx.From(ctx).Info("order repriced before payment",
			zap.String("order_id", ord.ID),
			zap.Int("changed_items", len(changed)),
		)
	}

	if ord.DiscountID != 0 {
		res, err := o.discounts.Revalidate(ctx, user, ord.DiscountID, items)
		if err != nil {
			return err
		}
		ord.DiscountAmount = res.Amount
	}
	o.cfg.Pricing.Totals(ord)
	return nil
}

// Verify handles a callback or webhook for a track id. Replays of an already
// verified track return the cached outcome without calling the gateway.
func (o *Orchestrator) Verify(ctx context.Context, req VerifyRequest) (_ *VerifyResponse, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.Verify",
		trace.WithAttributes(attribute.String("payment.track_id", req.TrackID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	base := Transaction{
		TrackID:    req.TrackID,
		EventType:  EventVerify,
		IPAddress:  req.IP,
		Signature:  req.Signature,
		RawPayload: req.RawPayload,
	}
	audit := func(orderID string, status Status, msg string) {
		row := base
		row.OrderID = orderID
		row.Status = status
		row.Message = msg
		o.record(ctx, &row)
	}

	if req.TrackID == "" {
		audit("", StatusRejected, "order not found")
		return nil, ErrOrderNotFound
	}
	ord, err := o.orders.FindByTrackID(ctx, req.TrackID)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			audit("", StatusRejected, "order not found")
			return nil, ErrOrderNotFound
		case errors.Is(err, order.ErrTrackIDConflict):
			zctx.From(ctx).Error("Track id matches several orders", zap.String("track_id", req.TrackID))
			audit("", StatusRejected, "order not found")
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrap(err, "find order")
	}
	base.OrderID = ord.ID
	base.Amount = MinorUnits(ord.TotalPayable)

	if !o.cfg.Allowlist.Allows(req.IP) {
		audit(ord.ID, StatusRejected, "ip not allowed")
		return nil, ErrIPNotAllowed
	}
	if len(o.cfg.WebhookSecret) > 0 && !VerifySignature(o.cfg.WebhookSecret, req.Params(), req.Signature) {
		audit(ord.ID, StatusRejected, "invalid signature")
		return nil, ErrSignatureInvalid
	}
	if req.Success != SuccessFlag {
		audit(ord.ID, StatusFailed, "gateway indicated failure")
		return nil, ErrPaymentFailed
	}

	prev, err := o.ledger.FindProcessedVerification(ctx, req.TrackID)
	switch {
	case err == nil:
		audit(ord.ID, StatusSkipped, "already verified")
		return alreadyVerified(prev), nil
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "find processed verification")
	}

	res, err := o.gateway.Verify(ctx, req.TrackID)
	if err != nil {
		audit(ord.ID, StatusFailed, "gateway verify failed: "+err.Error())
		return nil, &GatewayNetworkError{Op: "verify", Err: err}
	}
	base.ResultCode = intPtr(res.Result)
	base.GatewayResponse = res.Raw
	base.RefID = res.RefNumber

	if reason := mismatch(res, ord, base.Amount); reason != "" {
		audit(ord.ID, StatusFailed, reason+": "+res.Message)
		if err := o.markPaymentFailed(ctx, ord.ID); err != nil {
			zctx.From(ctx).Error("Mark payment failed", zap.String("order_id", ord.ID), zap.Error(err))
		}
		return nil, &VerificationFailedError{Reason: reason, Result: res.Result}
	}

	var out *VerifyResponse
	err = o.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := o.orders.Lock(ctx, ord.ID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		if locked.PaymentStatus == order.PaymentSuccess {
			out = &VerifyResponse{
				OrderID:         locked.ID,
				RefID:           locked.PaymentRefID,
				Message:         "already verified",
				AlreadyVerified: true,
			}
			return nil
		}

		row := base
		row.Status = StatusProcessed
		row.Message = "payment verified"
		if err := o.ledger.InsertProcessedVerification(ctx, &row); err != nil {
			return err
		}

		if err := locked.TransitionTo(order.StatusPaid); err != nil {
			return err
		}
		locked.PaymentStatus = order.PaymentSuccess
		locked.PaymentRefID = res.RefNumber
		locked.UpdatedAt = o.now()
		if err := o.orders.Update(ctx, locked); err != nil {
			return errors.Wrap(err, "update order")
		}
		if locked.DiscountID != 0 {
			if err := o.discounts.RecordUsage(ctx, locked.DiscountID, identity.User{ID: locked.UserID}); err != nil {
				return errors.Wrap(err, "record discount usage")
			}
		}
		out = &VerifyResponse{
			OrderID: locked.ID,
			RefID:   res.RefNumber,
			Message: row.Message,
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicateVerification):
		prev, err := o.ledger.FindProcessedVerification(ctx, req.TrackID)
		if err != nil {
			return nil, errors.Wrap(err, "find processed verification")
		}
		return alreadyVerified(prev), nil
	case err != nil:
		audit(ord.ID, StatusFailed, err.Error())
		return nil, err
	}
	if out.AlreadyVerified {
		return out, nil
	}
	o.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(EventVerify)),
		attribute.String("status", string(StatusProcessed)),
	))

	zctx.From(ctx).Info("payment verified",
		zap.String("order_id", out.OrderID),
		zap.String("track_id", req.TrackID),
		zap.String("ref_id", out.RefID),
	)
	if err := o.shipments.EnqueueShipment(ctx, out.OrderID); err != nil {
		zctx.From(ctx).Error("Enqueue shipment", zap.String("order_id", out.OrderID), zap.Error(err))
	}
	return out, nil
}

func (o *Orchestrator) markPaymentFailed(ctx context.Context, orderID string) error {
	return o.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := o.orders.Lock(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus == order.PaymentSuccess {
			return nil
		}
		locked.PaymentStatus = order.PaymentFailed
		locked.UpdatedAt = o.now()
		return o.orders.Update(ctx, locked)
	})
}

// mismatch returns the verification failure reason, or "" when the gateway
// confirmed the expected amount for the order.
func mismatch(res *VerifyResult, ord *order.Order, amount int64) string {
	switch {
	case res.Result != ResultSuccess && res.Result != ResultAlreadyVerified:
		return ReasonGatewayFailure
	case res.Amount != amount:
		return ReasonAmountMismatch
	case res.OrderID != ord.ID:
		return ReasonOrderIDMismatch
	}
	return ""
}

func alreadyVerified(prev *Transaction) *VerifyResponse {
	return &VerifyResponse{
		OrderID:         prev.OrderID,
		RefID:           prev.RefID,
		Message:         "already verified",
		AlreadyVerified: true,
	}
}

// append writes a ledger row as part of the caller's transaction.
func (o *Orchestrator) append(ctx context.Context, t *Transaction) error {
	if err := o.ledger.Append(ctx, t); err != nil {
		return errors.Wrap(err, "append payment transaction")
	}
	o.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(t.EventType)),
		attribute.String("status", string(t.Status)),
	))
	return nil
}

// record writes a standalone ledger row. Failures are logged so they never
// mask the error being reported to the caller.
func (o *Orchestrator) record(ctx context.Context, t *Transaction) {
	if err := o.append(ctx, t); err != nil {
		zctx.From(ctx).Error("Record payment transaction",
			zap.String("track_id", t.TrackID),
			zap.String("event", string(t.EventType)),
			zap.String("status", string(t.Status)),
			zap.Error(err),
		)
	}
}

func intPtr(v int) *int {
	return &v
}
