package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
)

const (
	variantColumns = `v.id::text, v.product_id, p.name, COALESCE(p.category_id, 0),
		COALESCE((SELECT array_agg(pt.tag_id ORDER BY pt.tag_id) FROM product_tags pt
			WHERE pt.product_id = p.id), '{}'::bigint[]),
		COALESCE(v.sku, ''), v.price, v.stock, v.weight, v.length, v.width, v.height`

	getVariantSQL = `SELECT ` + variantColumns + `
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = $1`

	getVariantsSQL = `SELECT ` + variantColumns + `
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1::text[]::uuid[])
		ORDER BY v.id`

	lockVariantsSQL = `SELECT id FROM variants
		WHERE id = ANY($1::text[]::uuid[])
		ORDER BY id
		FOR UPDATE`

	adjustStockSQL = `UPDATE variants SET stock = stock + $2 WHERE id = $1`
)

var _ catalog.Repository = (*VariantRepository)(nil)

// VariantRepository implements catalog.Repository backed by PostgreSQL.
type VariantRepository struct {
	store
}

// NewVariantRepository returns a VariantRepository that uses the given pool.
func NewVariantRepository(pool *pgxpool.Pool) *VariantRepository {
	return &VariantRepository{store{pool: pool}}
}

// GetVariant returns a variant with its product attributes.
func (r *VariantRepository) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, catalog.ErrVariantNotFound
	}
	rows, err := r.q(ctx).Query(ctx, getVariantSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrVariantNotFound
		}
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	return &v, nil
}

// GetVariants returns the existing variants among ids.
func (r *VariantRepository) GetVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	ids = validIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q(ctx).Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	return variants, nil
}

// LockVariants locks the variant rows in id order and returns them.
func (r *VariantRepository) LockVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	ids = validIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := r.q(ctx).Exec(ctx, lockVariantsSQL, ids); err != nil {
		return nil, fmt.Errorf("locking variants: %w", err)
	}
	return r.GetVariants(ctx, ids)
}

// AdjustStock adds delta to the stock of a variant. Stock never drops
// below zero.
func (r *VariantRepository) AdjustStock(ctx context.Context, id string, delta int) error {
	tag, err := r.q(ctx).Exec(ctx, adjustStockSQL, id, delta)
	if err != nil {
		if pgCode(err) == codeCheckViolation {
			return &catalog.InsufficientStockError{VariantID: id, Requested: -delta}
		}
		return fmt.Errorf("adjusting stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrVariantNotFound
	}
	return nil
}

func validIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	var v catalog.Variant
	err := row.Scan(
		&v.ID, &v.ProductID, &v.ProductName, &v.CategoryID, &v.TagIDs,
		&v.SKU, &v.Price, &v.Stock, &v.Weight, &v.Length, &v.Width, &v.Height,
	)
	return v, err
}
