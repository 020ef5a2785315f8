package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
)

const (
	discountColumns = `id, name, COALESCE(code, ''), type, amount, valid_from, valid_to,
		min_purchase_amount, max_usage, usage_count, usage_per_user, active`

	findDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE code IS NOT NULL AND UPPER(code) = UPPER($1)`

	listAutomaticDiscountsSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE code IS NULL AND active AND valid_from <= $1 AND valid_to >= $1
		ORDER BY id`

	lockDiscountSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1 FOR UPDATE`

	discountRulesSQL = `SELECT discount_id, product_ids, category_ids, tag_ids, variant_ids::text[]
		FROM discount_rules WHERE discount_id = ANY($1) ORDER BY id`

	userDiscountUsageSQL = `SELECT discount_id, usage_count FROM user_discount_usage
		WHERE user_id = $1 AND discount_id = ANY($2)`

	incrementDiscountUsageSQL = `UPDATE discounts SET usage_count = usage_count + 1 WHERE id = $1`

	incrementUserDiscountUsageSQL = `INSERT INTO user_discount_usage (user_id, discount_id, usage_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, discount_id)
		DO UPDATE SET usage_count = user_discount_usage.usage_count + 1`

	createDiscountSQL = `INSERT INTO discounts (name, code, type, amount, valid_from, valid_to,
		min_purchase_amount, max_usage, usage_count, usage_per_user, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
		RETURNING id`

	createDiscountRuleSQL = `INSERT INTO discount_rules (discount_id, product_ids, category_ids, tag_ids, variant_ids)
		VALUES ($1, $2, $3, $4, $5::text[]::uuid[])`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	store
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{store{pool: pool}}
}

// FindByCode looks up a coded discount case-insensitively, whatever its
// active flag or window. The engine decides whether it applies.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Discount, error) {
	return r.one(ctx, findDiscountByCodeSQL, code)
}

// ListAutomatic returns active code-less discounts valid at now.
func (r *DiscountRepository) ListAutomatic(ctx context.Context, now time.Time) ([]discount.Discount, error) {
	rows, err := r.q(ctx).Query(ctx, listAutomaticDiscountsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts: %w", err)
	}
	if err := r.loadRules(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// Lock returns the discount with its row locked.
func (r *DiscountRepository) Lock(ctx context.Context, id int64) (*discount.Discount, error) {
	return r.one(ctx, lockDiscountSQL, id)
}

// UserUsage returns per-discount usage counts of a user.
func (r *DiscountRepository) UserUsage(ctx context.Context, userID int64, discountIDs []int64) (map[int64]int, error) {
	usage := make(map[int64]int)
	if userID == 0 || len(discountIDs) == 0 {
		return usage, nil
	}
	rows, err := r.q(ctx).Query(ctx, userDiscountUsageSQL, userID, discountIDs)
	if err != nil {
		return nil, fmt.Errorf("reading discount usage of user %d: %w", userID, err)
	}
	var (
		id    int64
		count int
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &count}, func() error {
		usage[id] = count
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading discount usage of user %d: %w", userID, err)
	}
	return usage, nil
}

// IncrementUsage increments the global usage counter.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, id int64) error {
	tag, err := r.q(ctx).Exec(ctx, incrementDiscountUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage of discount %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// IncrementUserUsage increments the usage counter of a user.
func (r *DiscountRepository) IncrementUserUsage(ctx context.Context, userID, discountID int64) error {
	if _, err := r.q(ctx).Exec(ctx, incrementUserDiscountUsageSQL, userID, discountID); err != nil {
		return fmt.Errorf("incrementing usage of discount %d by user %d: %w", discountID, userID, err)
	}
	return nil
}

// Create inserts a discount with its rules. It returns
// discount.ErrCodeExists when the code is taken.
func (r *DiscountRepository) Create(ctx context.Context, d *discount.Discount) error {
	err := r.q(ctx).QueryRow(ctx, createDiscountSQL,
		d.Name, nullString(d.Code), string(d.Type), d.Amount, d.ValidFrom, d.ValidTo,
		d.MinPurchaseAmount, d.MaxUsage, d.UsageCount, d.UsagePerUser, d.Active,
	).Scan(&d.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.ErrCodeExists
		}
		return fmt.Errorf("creating discount %q: %w", d.Name, err)
	}
	for _, rule := range d.Rules {
		_, err := r.q(ctx).Exec(ctx, createDiscountRuleSQL,
			d.ID, nonNil(rule.ProductIDs), nonNil(rule.CategoryIDs), nonNil(rule.TagIDs), nonNil(rule.VariantIDs),
		)
		if err != nil {
			return fmt.Errorf("creating rule of discount %d: %w", d.ID, err)
		}
	}
	return nil
}

func (r *DiscountRepository) one(ctx context.Context, sql string, arg any) (*discount.Discount, error) {
	rows, err := r.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting discount: %w", err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("getting discount: %w", err)
	}
	list := []discount.Discount{d}
	if err := r.loadRules(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *DiscountRepository) loadRules(ctx context.Context, list []discount.Discount) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]int64, len(list))
	index := make(map[int64]int, len(list))
	for i, d := range list {
		ids[i] = d.ID
		index[d.ID] = i
	}
	rows, err := r.q(ctx).Query(ctx, discountRulesSQL, ids)
	if err != nil {
		return fmt.Errorf("loading discount rules: %w", err)
	}
	var (
		discountID int64
		rule       discount.Rule
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&discountID, &rule.ProductIDs, &rule.CategoryIDs, &rule.TagIDs, &rule.VariantIDs},
		func() error {
			i := index[discountID]
			list[i].Rules = append(list[i].Rules, rule)
			rule = discount.Rule{}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("loading discount rules: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d   discount.Discount
		typ string
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Code, &typ, &d.Amount, &d.ValidFrom, &d.ValidTo,
		&d.MinPurchaseAmount, &d.MaxUsage, &d.UsageCount, &d.UsagePerUser, &d.Active,
	)
	d.Type = discount.Type(typ)
	return d, err
}
