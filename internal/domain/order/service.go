// Package order converts carts into orders and drives the order lifecycle.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/cart"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// AddressFinder resolves a user's delivery address.
type AddressFinder interface {
	Get(ctx context.Context, user identity.User, id int64) (*address.Address, error)
}

// DiscountApplier computes the discount for checkout.
type DiscountApplier interface {
	Apply(ctx context.Context, user identity.User, items []discount.Item, code string) (discount.Result, error)
}

// CartCloser empties a cart once it has been turned into an order.
type CartCloser interface {
	Checkout(ctx context.Context, c *cart.Cart) error
}

// Service implements order placement and lifecycle transitions.
type Service struct {
	orders    Repository
	variants  catalog.Repository
	addresses AddressFinder
	discounts DiscountApplier
	carts     CartCloser
	tx        tx.Runner
	pricing   Pricing
	now       func() time.Time
	newID     func() string
}

// NewService creates an order Service.
func NewService(
	orders Repository,
	variants catalog.Repository,
	addresses AddressFinder,
	discounts DiscountApplier,
	carts CartCloser,
	runner tx.Runner,
	pricing Pricing,
) *Service {
	return &Service{
		orders:    orders,
		variants:  variants,
		addresses: addresses,
		discounts: discounts,
		carts:     carts,
		tx:        runner,
		pricing:   pricing,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create places an order for the cart. Variant rows are locked, stock is
// checked and decremented, prices are snapshotted into the order items and
// the cart is emptied, all in one transaction. Discount usage is not recorded
// here; that happens when the payment is verified.
func (s *Service) Create(ctx context.Context, user identity.User, c *cart.Cart, addressID int64, code string) (*Order, error) {
	if c == nil || c.Len() == 0 {
		return nil, ErrEmptyCart
	}

	var o *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		addr, err := s.addresses.Get(ctx, user, addressID)
		if err != nil {
			if errors.Is(err, address.ErrNotFound) {
				return ErrInvalidAddress
			}
			return errors.Wrap(err, "get address")
		}

		ids := make([]string, len(c.Lines))
		for i, l := range c.Lines {
			ids[i] = l.Variant.ID
		}
		locked, err := s.variants.LockVariants(ctx, ids)
		if err != nil {
			return errors.Wrap(err, "lock variants")
		}
		variants := catalog.Index(locked)

		items := make([]Item, 0, len(c.Lines))
		discountItems := make([]discount.Item, 0, len(c.Lines))
		for _, l := range c.Lines {
			v, ok := variants[l.Variant.ID]
			if !ok {
				return errors.Wrapf(catalog.ErrVariantNotFound, "variant %s", l.Variant.ID)
			}
			if v.AvailableStock() < l.Quantity {
				return &catalog.InsufficientStockError{
					VariantID: v.ID,
					Requested: l.Quantity,
					Available: v.AvailableStock(),
				}
			}
			items = append(items, Item{
				VariantID:   v.ID,
				ProductName: v.ProductName,
				SKU:         v.SKU,
				Price:       v.CurrentPrice(),
				Quantity:    l.Quantity,
			})
			discountItems = append(discountItems, discount.Item{
				VariantID:  v.ID,
				ProductID:  v.ProductID,
				CategoryID: v.CategoryID,
				TagIDs:     v.TagIDs,
				Price:      v.CurrentPrice(),
				Quantity:   l.Quantity,
			})
		}

		applied, err := s.discounts.Apply(ctx, user, discountItems, code)
		if err != nil {
			return errors.Wrap(err, "apply discount")
		}

		now := s.now()
		o = &Order{
			ID:             s.newID(),
			UserID:         user.ID,
			AddressID:      addr.ID,
			Status:         StatusPendingPayment,
			PaymentStatus:  PaymentPending,
			DiscountAmount: applied.Amount,
			Items:          items,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if applied.Discount != nil {
			o.DiscountID = applied.Discount.ID
		}
		s.pricing.Totals(o)

		for _, it := range items {
			if err := s.variants.AdjustStock(ctx, it.VariantID, -it.Quantity); err != nil {
				return errors.Wrapf(err, "reserve stock for %s", it.VariantID)
			}
		}
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		if err := s.carts.Checkout(ctx, c); err != nil {
			return errors.Wrap(err, "close cart")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("order created",
		zap.String("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("total_payable", o.TotalPayable.StringFixed(2)),
	)
	return o, nil
}

// Get returns an order owned by user.
func (s *Service) Get(ctx context.Context, user identity.User, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.Authenticated() || o.UserID != user.ID {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns the orders of user.
func (s *Service) List(ctx context.Context, user identity.User) ([]Order, error) {
	if !user.Authenticated() {
		return nil, nil
	}
	return s.orders.ListByUser(ctx, user.ID)
}

// Cancel lets a user cancel their own unpaid order.
func (s *Service) Cancel(ctx context.Context, user identity.User, id string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !user.Authenticated() || o.UserID != user.ID {
			return ErrNotFound
		}
		if o.Status != StatusPendingPayment {
			return &InvalidTransitionError{From: o.Status, To: StatusCanceled}
		}
		return s.cancel(ctx, o)
	})
}

// AdminCancel cancels an order that has not shipped yet and restores its stock.
func (s *Service) AdminCancel(ctx context.Context, id string) error {
	return s.CancelShipment(ctx, id, nil)
}

// CancelShipment cancels an unshipped order while holding its row lock. When
// the order carries a parcel, release runs first; if it fails the order is
// left untouched.
func (s *Service) CancelShipment(ctx context.Context, id string, release func(ctx context.Context, sh Shipment) error) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusCanceled) {
			return &InvalidTransitionError{From: o.Status, To: StatusCanceled}
		}
		if release != nil && o.Shipment.ParcelNo != "" {
			if err := release(ctx, o.Shipment); err != nil {
				return errors.Wrap(err, "release shipment")
			}
		}
		return s.cancel(ctx, o)
	})
}

// cancel moves a locked order to canceled and returns its items to stock.
// Canceled is terminal, so stock is restored at most once.
func (s *Service) cancel(ctx context.Context, o *Order) error {
	if err := o.TransitionTo(StatusCanceled); err != nil {
		return err
	}
	// Same id order as checkout and payment, which lock these rows too.
	if _, err := s.variants.LockVariants(ctx, o.VariantIDs()); err != nil {
		return errors.Wrap(err, "lock variants")
	}
	for _, it := range o.Items {
		if err := s.variants.AdjustStock(ctx, it.VariantID, it.Quantity); err != nil {
			return errors.Wrapf(err, "restore stock for %s", it.VariantID)
		}
	}
	o.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, o); err != nil {
		return errors.Wrap(err, "update order")
	}
	zctx.From(ctx).Info("order canceled", zap.String("order_id", o.ID))
	return nil
}

// CancelExpired cancels a pending_payment order created before cutoff. It
// reports false when the order was paid or canceled in the meantime.
func (s *Service) CancelExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var canceled bool
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Lock(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusPendingPayment || !o.CreatedAt.Before(cutoff) {
			return nil
		}
		if err := s.cancel(ctx, o); err != nil {
			return err
		}
		canceled = true
		return nil
	})
	return canceled, err
}

// AttachShipment records the carrier references and moves a paid order to
// processing.
func (s *Service) AttachShipment(ctx context.Context, id string, sh Shipment) error {
	return s.transition(ctx, id, StatusProcessing, func(o *Order) {
		o.Shipment = sh
	})
}

// MarkShipped moves a processing order to shipped.
func (s *Service) MarkShipped(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusShipped, nil)
}

// MarkDelivered moves a shipped order to delivered.
func (s *Service) MarkDelivered(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDelivered, nil)
}

func (s *Service) transition(ctx context.Context, id string, to Status, mutate func(o *Order)) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Lock(ctx, id)
		if err != nil {
			return err
		}
		from := o.Status
		if err := o.TransitionTo(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(o)
		}
		o.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		zctx.From(ctx).Info("order status changed",
			zap.String("order_id", o.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return nil
	})
}
