// Package discount evaluates rule-based discount programs against a cart and
// tracks their usage.
package discount

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// Percentage takes Amount percent off the eligible basis.
	Percentage Type = "percentage"
	// FixedAmount takes Amount off the eligible basis, capped at the basis.
	FixedAmount Type = "fixed_amount"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == Percentage || t == FixedAmount
}

var (
	// ErrNotFound is returned by repositories when no discount matches.
	ErrNotFound = errors.New("discount not found")

	// ErrCouponNotApplicable is returned when a code is unknown, inactive or
	// outside its validity window.
	ErrCouponNotApplicable = errors.New("coupon not applicable")
	// ErrCouponUsageLimit is returned when the global or per-user cap is reached.
	ErrCouponUsageLimit = errors.New("coupon usage limit reached")
	// ErrCouponBelowMinimum is returned when the cart subtotal is below the
	// discount's minimum purchase amount.
	ErrCouponBelowMinimum = errors.New("cart subtotal below coupon minimum")
	// ErrCouponNoLongerValid is returned when a discount attached to an order
	// fails revalidation at payment time.
	ErrCouponNoLongerValid = errors.New("coupon no longer valid")

	// ErrCodeExists is returned by Create when the code is already taken.
	ErrCodeExists = errors.New("discount code already exists")
)

// Discount is a discount program. A discount without rules applies to the
// whole cart.
type Discount struct {
	ID                int64
	Name              string
	Code              string
	Type              Type
	Amount            decimal.Decimal
	ValidFrom         time.Time
	ValidTo           time.Time
	MinPurchaseAmount decimal.Decimal
	MaxUsage          int
	UsageCount        int
	UsagePerUser      int
	Active            bool
	Rules             []Rule
}

// Automatic reports whether the discount applies without a code.
func (d *Discount) Automatic() bool {
	return d.Code == ""
}

// Rule restricts a discount to a subset of cart lines. A line matches when
// its variant, product, category or any tag is listed.
type Rule struct {
	ProductIDs  []int64
	CategoryIDs []int64
	TagIDs      []int64
	VariantIDs  []string
}

// Matches reports whether the item is covered by the rule.
func (r Rule) Matches(it Item) bool {
	if slices.Contains(r.VariantIDs, it.VariantID) ||
		slices.Contains(r.ProductIDs, it.ProductID) ||
		(it.CategoryID != 0 && slices.Contains(r.CategoryIDs, it.CategoryID)) {
		return true
	}
	for _, tag := range it.TagIDs {
		if slices.Contains(r.TagIDs, tag) {
			return true
		}
	}
	return false
}

// Item is a cart line as seen by the discount engine.
type Item struct {
	VariantID  string
	ProductID  int64
	CategoryID int64
	TagIDs     []int64
	Price      decimal.Decimal
	Quantity   int
}

// Total returns Price * Quantity.
func (it Item) Total() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Subtotal sums the line totals of items.
func Subtotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Total())
	}
	return total
}

// Result is the outcome of applying discounts to a cart. Discount is nil when
// nothing applies.
type Result struct {
	Amount   decimal.Decimal
	Discount *Discount
}

// Repository provides discount lookup and usage accounting.
type Repository interface {
	// FindByCode looks a coded discount up case-insensitively.
	FindByCode(ctx context.Context, code string) (*Discount, error)
	// ListAutomatic returns active discounts without a code whose validity
	// window contains now.
	ListAutomatic(ctx context.Context, now time.Time) ([]Discount, error)
	// Lock returns the discount with a row-level write lock held until the
	// surrounding transaction ends.
	Lock(ctx context.Context, id int64) (*Discount, error)
	// UserUsage returns the per-user usage count keyed by discount id.
	// Discounts the user never used are absent from the map.
	UserUsage(ctx context.Context, userID int64, discountIDs []int64) (map[int64]int, error)
	IncrementUsage(ctx context.Context, id int64) error
	IncrementUserUsage(ctx context.Context, userID, discountID int64) error
	Create(ctx context.Context, d *Discount) error
}
