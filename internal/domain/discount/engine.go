package discount

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
)

// TieBreak selects between automatic discounts that yield the same amount.
// The discount id is always the final tie-breaker (lower wins).
type TieBreak string

const (
	// EarliestValidFrom prefers the discount that became valid first.
	EarliestValidFrom TieBreak = "earliest_valid_from"
	// LatestValidFrom prefers the most recently started discount.
	LatestValidFrom TieBreak = "latest_valid_from"
)

// ParseTieBreak parses a tie-break policy name. An empty name selects
// EarliestValidFrom.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case "", EarliestValidFrom:
		return EarliestValidFrom, nil
	case LatestValidFrom:
		return LatestValidFrom, nil
	default:
		return "", errors.Errorf("unknown discount tie-break policy %q", s)
	}
}

// Engine picks the best discount for a cart and records discount usage.
type Engine struct {
	repo     Repository
	tieBreak TieBreak
	now      func() time.Time
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo Repository, tieBreak TieBreak) *Engine {
	if tieBreak == "" {
		tieBreak = EarliestValidFrom
	}
	return &Engine{repo: repo, tieBreak: tieBreak, now: time.Now}
}

// Apply computes the discount for items. With a code, the matching discount
// is returned even when its amount is zero, and an unusable code yields one
// of the coupon errors. Without a code, the automatic discount with the
// highest amount wins; a zero Result means no discount applies.
func (e *Engine) Apply(ctx context.Context, user identity.User, items []Item, code string) (Result, error) {
	code = strings.TrimSpace(code)
	if code != "" {
		return e.applyCode(ctx, user, items, code)
	}
	return e.applyAutomatic(ctx, user, items)
}

func (e *Engine) applyCode(ctx context.Context, user identity.User, items []Item, code string) (Result, error) {
	d, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, ErrCouponNotApplicable
		}
		return Result{}, errors.Wrap(err, "find discount by code")
	}

	if err := check(d, e.now(), Subtotal(items)); err != nil {
		return Result{}, err
	}
	if user.Authenticated() {
		usage, err := e.repo.UserUsage(ctx, user.ID, []int64{d.ID})
		if err != nil {
			return Result{}, errors.Wrap(err, "get user usage")
		}
		if err := checkUser(d, usage[d.ID]); err != nil {
			return Result{}, err
		}
	}

	return Result{Amount: Calculate(d, items), Discount: d}, nil
}

func (e *Engine) applyAutomatic(ctx context.Context, user identity.User, items []Item) (Result, error) {
	now := e.now()
	candidates, err := e.repo.ListAutomatic(ctx, now)
	if err != nil {
		return Result{}, errors.Wrap(err, "list automatic discounts")
	}
	if len(candidates) == 0 {
		return Result{Amount: decimal.Zero}, nil
	}

	var usage map[int64]int
	if user.Authenticated() {
		ids := make([]int64, len(candidates))
		for i := range candidates {
			ids[i] = candidates[i].ID
		}
		usage, err = e.repo.UserUsage(ctx, user.ID, ids)
		if err != nil {
			return Result{}, errors.Wrap(err, "get user usage")
		}
	}

	subtotal := Subtotal(items)
	best := Result{Amount: decimal.Zero}
	for i := range candidates {
		d := &candidates[i]
		if !d.Automatic() || check(d, now, subtotal) != nil {
			continue
		}
		if user.Authenticated() && checkUser(d, usage[d.ID]) != nil {
			continue
		}
		amount := Calculate(d, items)
		if !amount.IsPositive() {
			continue
		}
		if best.Discount == nil || e.better(amount, d, best) {
			best = Result{Amount: amount, Discount: d}
		}
	}
	return best, nil
}

// better reports whether (amount, d) beats the current best.
func (e *Engine) better(amount decimal.Decimal, d *Discount, best Result) bool {
	if c := amount.Cmp(best.Amount); c != 0 {
		return c > 0
	}
	cur := best.Discount
	if !d.ValidFrom.Equal(cur.ValidFrom) {
		if e.tieBreak == LatestValidFrom {
			return d.ValidFrom.After(cur.ValidFrom)
		}
		return d.ValidFrom.Before(cur.ValidFrom)
	}
	return d.ID < cur.ID
}

// Revalidate re-checks a discount already attached to an order and
// recomputes its amount for items. Any failing predicate is reported as
// ErrCouponNoLongerValid wrapping the specific reason. The discount row stays
// locked until the surrounding transaction ends.
func (e *Engine) Revalidate(ctx context.Context, user identity.User, id int64, items []Item) (Result, error) {
	d, err := e.repo.Lock(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, errors.Wrap(ErrCouponNoLongerValid, "discount removed")
		}
		return Result{}, errors.Wrap(err, "lock discount")
	}

	if err := check(d, e.now(), Subtotal(items)); err != nil {
		return Result{}, noLongerValid(err)
	}
	if user.Authenticated() {
		usage, err := e.repo.UserUsage(ctx, user.ID, []int64{d.ID})
		if err != nil {
			return Result{}, errors.Wrap(err, "get user usage")
		}
		if err := checkUser(d, usage[d.ID]); err != nil {
			return Result{}, noLongerValid(err)
		}
	}
	return Result{Amount: Calculate(d, items), Discount: d}, nil
}

// RecordUsage increments the global usage counter and, for signed-in users,
// the per-user counter. Callers run it inside the transaction that confirms
// the payment so it happens exactly once per order.
func (e *Engine) RecordUsage(ctx context.Context, id int64, user identity.User) error {
	if err := e.repo.IncrementUsage(ctx, id); err != nil {
		return errors.Wrap(err, "increment usage")
	}
	if user.Authenticated() {
		if err := e.repo.IncrementUserUsage(ctx, user.ID, id); err != nil {
			return errors.Wrap(err, "increment user usage")
		}
	}
	zctx.From(ctx).Debug("discount usage recorded",
		zap.Int64("discount_id", id),
		zap.Int64("user_id", user.ID),
	)
	return nil
}

type noLongerValidError struct {
	reason error
}

func (e *noLongerValidError) Error() string {
	return ErrCouponNoLongerValid.Error() + ": " + e.reason.Error()
}

func (e *noLongerValidError) Is(target error) bool {
	return target == ErrCouponNoLongerValid
}

func (e *noLongerValidError) Unwrap() error {
	return e.reason
}

func noLongerValid(reason error) error {
	return &noLongerValidError{reason: reason}
}
