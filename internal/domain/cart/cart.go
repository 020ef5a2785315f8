// Package cart implements the persistent shopping cart owned by either a
// signed-in user or an anonymous session.
package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
)

// ErrNotFound is returned by repositories when no cart exists for an owner.
var ErrNotFound = errors.New("cart not found")

// Owner identifies a cart. Exactly one field is set.
type Owner struct {
	UserID     int64
	SessionKey string
}

// Line is a single variant in a cart.
type Line struct {
	Variant  catalog.Variant
	Quantity int
}

// UnitPrice returns the variant's current price.
func (l Line) UnitPrice() decimal.Decimal {
	return l.Variant.CurrentPrice()
}

// TotalPrice returns UnitPrice * Quantity.
func (l Line) TotalPrice() decimal.Decimal {
	return l.UnitPrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the working cart of a request.
type Cart struct {
	ID         int64
	UserID     int64
	SessionKey string
	Lines      []Line
}

// Owner returns the owner the cart is bound to.
func (c *Cart) Owner() Owner {
	return Owner{UserID: c.UserID, SessionKey: c.SessionKey}
}

// Iterate returns a copy of the cart lines.
func (c *Cart) Iterate() []Line {
	out := make([]Line, len(c.Lines))
	copy(out, c.Lines)
	return out
}

// Len returns the total quantity across all lines.
func (c *Cart) Len() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// TotalPrice returns the sum of line totals.
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.TotalPrice())
	}
	return total
}

// Quantity returns the quantity of variantID in the cart, or zero.
func (c *Cart) Quantity(variantID string) int {
	for _, l := range c.Lines {
		if l.Variant.ID == variantID {
			return l.Quantity
		}
	}
	return 0
}

// DiscountItems converts the cart lines into discount engine input.
func (c *Cart) DiscountItems() []discount.Item {
	items := make([]discount.Item, len(c.Lines))
	for i, l := range c.Lines {
		items[i] = discount.Item{
			VariantID:  l.Variant.ID,
			ProductID:  l.Variant.ProductID,
			CategoryID: l.Variant.CategoryID,
			TagIDs:     l.Variant.TagIDs,
			Price:      l.UnitPrice(),
			Quantity:   l.Quantity,
		}
	}
	return items
}

func (c *Cart) set(v catalog.Variant, qty int) {
	for i := range c.Lines {
		if c.Lines[i].Variant.ID == v.ID {
			if qty <= 0 {
				c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
				return
			}
			c.Lines[i] = Line{Variant: v, Quantity: qty}
			return
		}
	}
	if qty > 0 {
		c.Lines = append(c.Lines, Line{Variant: v, Quantity: qty})
	}
}

// Repository persists carts and their lines. Lines are returned joined with
// their current variant data.
type Repository interface {
	// Find returns the cart of owner with its lines, or ErrNotFound.
	Find(ctx context.Context, owner Owner) (*Cart, error)
	// Open returns the cart of owner, creating an empty one when absent.
	Open(ctx context.Context, owner Owner) (*Cart, error)
	// SetQuantity inserts or replaces a line.
	SetQuantity(ctx context.Context, cartID int64, variantID string, qty int) error
	// AddQuantity inserts a line or adds qty to the existing line.
	AddQuantity(ctx context.Context, cartID int64, variantID string, qty int) error
	DeleteLine(ctx context.Context, cartID int64, variantID string) error
	ClearLines(ctx context.Context, cartID int64) error
	// Delete removes the cart together with its lines.
	Delete(ctx context.Context, cartID int64) error
}
