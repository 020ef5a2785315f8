package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// Session carries the request identity relevant to cart resolution. The
// SessionKey is the opaque value stored under the configured session key name.
type Session struct {
	User       identity.User
	SessionKey string
}

// AddOptions tune Add.
type AddOptions struct {
	// Override replaces the line quantity instead of incrementing it.
	Override bool
	// AllowInsufficientStock lets the line exceed the available stock.
	AllowInsufficientStock bool
}

// DiscountApplier computes discounts for a set of cart items.
type DiscountApplier interface {
	Apply(ctx context.Context, user identity.User, items []discount.Item, code string) (discount.Result, error)
}

// Service implements cart operations on top of a Repository.
type Service struct {
	carts     Repository
	variants  catalog.Repository
	discounts DiscountApplier
	tx        tx.Runner
	newKey    func() string
}

// NewService creates a cart Service.
func NewService(
	carts Repository,
	variants catalog.Repository,
	discounts DiscountApplier,
	runner tx.Runner,
) *Service {
	return &Service{
		carts:     carts,
		variants:  variants,
		discounts: discounts,
		tx:        runner,
		newKey:    uuid.NewString,
	}
}

// Load resolves the working cart for a request. Anonymous requests get a
// session cart, minting a session key when the request has none. For
// signed-in users a leftover session cart is merged into the user cart and
// deleted. The returned Session is what the caller should persist: its
// SessionKey is empty once the user is signed in.
func (s *Service) Load(ctx context.Context, sess Session) (*Cart, Session, error) {
	if !sess.User.Authenticated() {
		if sess.SessionKey == "" {
			sess.SessionKey = s.newKey()
		}
		c, err := s.carts.Open(ctx, Owner{SessionKey: sess.SessionKey})
		if err != nil {
			return nil, sess, errors.Wrap(err, "open session cart")
		}
		return c, sess, nil
	}

	var userCart *Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.Open(ctx, Owner{UserID: sess.User.ID})
		if err != nil {
			return errors.Wrap(err, "open user cart")
		}
		userCart = c

		if sess.SessionKey == "" {
			return nil
		}
		sessionCart, err := s.carts.Find(ctx, Owner{SessionKey: sess.SessionKey})
		switch {
		case errors.Is(err, ErrNotFound):
			return nil
		case err != nil:
			return errors.Wrap(err, "find session cart")
		}
		return s.merge(ctx, sessionCart, userCart)
	})
	if err != nil {
		return nil, sess, err
	}

	sess.SessionKey = ""
	return userCart, sess, nil
}

// Merge moves every line of from into into, summing quantities of variants
// present in both, and deletes from. Merging an empty cart only deletes it.
func (s *Service) Merge(ctx context.Context, from, into *Cart) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.merge(ctx, from, into)
	})
}

func (s *Service) merge(ctx context.Context, from, into *Cart) error {
	if from.ID == into.ID {
		return nil
	}
	for _, l := range from.Lines {
		if err := s.carts.AddQuantity(ctx, into.ID, l.Variant.ID, l.Quantity); err != nil {
			return errors.Wrapf(err, "merge line %s", l.Variant.ID)
		}
	}
	if err := s.carts.Delete(ctx, from.ID); err != nil {
		return errors.Wrap(err, "delete session cart")
	}

	merged, err := s.carts.Find(ctx, into.Owner())
	if err != nil {
		return errors.Wrap(err, "reload cart")
	}
	zctx.From(ctx).Debug("session cart merged",
		zap.Int64("from_cart_id", from.ID),
		zap.Int64("into_cart_id", into.ID),
		zap.Int("lines", len(from.Lines)),
	)
	into.Lines = merged.Lines
	from.Lines = nil
	return nil
}

// Add puts quantity units of the variant into the cart. With Override the
// line quantity becomes quantity, otherwise it is incremented. A resulting
// quantity of zero or less removes the line.
func (s *Service) Add(ctx context.Context, c *Cart, variantID string, quantity int, opts AddOptions) error {
	v, err := s.variants.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	if v.AvailableStock() == 0 {
		return catalog.ErrOutOfStock
	}

	qty := quantity
	if !opts.Override {
		qty += c.Quantity(v.ID)
	}
	if qty > v.AvailableStock() && !opts.AllowInsufficientStock {
		return &catalog.InsufficientStockError{
			VariantID: v.ID,
			Requested: qty,
			Available: v.AvailableStock(),
		}
	}

	if qty <= 0 {
		if err := s.carts.DeleteLine(ctx, c.ID, v.ID); err != nil {
			return errors.Wrap(err, "delete line")
		}
	} else if err := s.carts.SetQuantity(ctx, c.ID, v.ID, qty); err != nil {
		return errors.Wrap(err, "set quantity")
	}
	c.set(*v, qty)
	return nil
}

// Remove deletes the variant's line from the cart.
func (s *Service) Remove(ctx context.Context, c *Cart, variantID string) error {
	if err := s.carts.DeleteLine(ctx, c.ID, variantID); err != nil {
		return errors.Wrap(err, "delete line")
	}
	c.set(catalog.Variant{ID: variantID}, 0)
	return nil
}

// Clear removes all lines from the cart.
func (s *Service) Clear(ctx context.Context, c *Cart) error {
	if err := s.carts.ClearLines(ctx, c.ID); err != nil {
		return errors.Wrap(err, "clear lines")
	}
	c.Lines = nil
	return nil
}

// Checkout empties the cart after an order was placed from it. Session carts
// are deleted outright.
func (s *Service) Checkout(ctx context.Context, c *Cart) error {
	if c.SessionKey != "" {
		if err := s.carts.Delete(ctx, c.ID); err != nil {
			return errors.Wrap(err, "delete session cart")
		}
		c.Lines = nil
		return nil
	}
	return s.Clear(ctx, c)
}

// DiscountForDisplay returns the best automatic discount amount for the
// cart. Nothing is persisted.
func (s *Service) DiscountForDisplay(ctx context.Context, user identity.User, c *Cart) (decimal.Decimal, error) {
	if len(c.Lines) == 0 {
		return decimal.Zero, nil
	}
	res, err := s.discounts.Apply(ctx, user, c.DiscountItems(), "")
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "apply discounts")
	}
	return res.Amount, nil
}
