package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EligibleBasis returns the sum of line totals the discount applies to.
func EligibleBasis(d *Discount, items []Item) decimal.Decimal {
	if len(d.Rules) == 0 {
		return Subtotal(items)
	}
	basis := decimal.Zero
	for _, it := range items {
		for _, r := range d.Rules {
			if r.Matches(it) {
				basis = basis.Add(it.Total())
				break
			}
		}
	}
	return basis
}

// Calculate computes the discount amount for items. The result never exceeds
// the eligible basis and is rounded to 2 decimal places.
func Calculate(d *Discount, items []Item) decimal.Decimal {
	basis := EligibleBasis(d, items)

	var amount decimal.Decimal
	switch d.Type {
	case Percentage:
		amount = d.Amount.Div(hundred).Mul(basis)
	case FixedAmount:
		amount = d.Amount
	default:
		return decimal.Zero
	}

	if amount.GreaterThan(basis) {
		amount = basis
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2)
}

// check evaluates the global validity predicates of d at now for a cart with
// the given subtotal. It returns the coupon error describing the first
// failing predicate.
func check(d *Discount, now time.Time, subtotal decimal.Decimal) error {
	switch {
	case !d.Active:
		return ErrCouponNotApplicable
	case now.Before(d.ValidFrom), now.After(d.ValidTo):
		return ErrCouponNotApplicable
	case d.UsageCount >= d.MaxUsage:
		return ErrCouponUsageLimit
	case subtotal.LessThan(d.MinPurchaseAmount):
		return ErrCouponBelowMinimum
	}
	return nil
}

// checkUser evaluates the per-user cap.
func checkUser(d *Discount, used int) error {
	if used >= d.UsagePerUser {
		return ErrCouponUsageLimit
	}
	return nil
}
