package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
)

const (
	findCategorySQL   = `SELECT id FROM categories WHERE name = $1 ORDER BY id LIMIT 1`
	insertCategorySQL = `INSERT INTO categories (name) VALUES ($1) RETURNING id`

	upsertTagSQL = `INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	findProductSQL   = `SELECT id FROM products WHERE name = $1 ORDER BY id LIMIT 1`
	insertProductSQL = `INSERT INTO products (name, category_id) VALUES ($1, $2) RETURNING id`
	updateProductSQL = `UPDATE products SET category_id = $2 WHERE id = $1`

	tagProductSQL = `INSERT INTO product_tags (product_id, tag_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`

	upsertVariantSQL = `INSERT INTO variants (id, product_id, sku, price, stock, weight, length, width, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			sku = EXCLUDED.sku,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			weight = EXCLUDED.weight,
			length = EXCLUDED.length,
			width = EXCLUDED.width,
			height = EXCLUDED.height`
)

// CatalogWriter maintains categories, tags, products and variants. It backs
// catalog seeding; the services only ever read through VariantRepository.
type CatalogWriter struct {
	store
}

// NewCatalogWriter returns a CatalogWriter that uses the given pool.
func NewCatalogWriter(pool *pgxpool.Pool) *CatalogWriter {
	return &CatalogWriter{store{pool: pool}}
}

// EnsureCategory returns the id of the category named name, creating it if
// needed.
func (w *CatalogWriter) EnsureCategory(ctx context.Context, name string) (int64, error) {
	var id int64
	err := w.q(ctx).QueryRow(ctx, findCategorySQL, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("finding category %q: %w", name, err)
	}
	if err := w.q(ctx).QueryRow(ctx, insertCategorySQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("creating category %q: %w", name, err)
	}
	return id, nil
}

// EnsureTag returns the id of the tag named name, creating it if needed.
func (w *CatalogWriter) EnsureTag(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := w.q(ctx).QueryRow(ctx, upsertTagSQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting tag %q: %w", name, err)
	}
	return id, nil
}

// EnsureProduct creates the product or updates its category, then attaches
// tagIDs. A zero categoryID leaves the product uncategorised.
func (w *CatalogWriter) EnsureProduct(ctx context.Context, name string, categoryID int64, tagIDs []int64) (int64, error) {
	var id int64
	err := w.q(ctx).QueryRow(ctx, findProductSQL, name).Scan(&id)
	switch {
	case err == nil:
		if _, err := w.q(ctx).Exec(ctx, updateProductSQL, id, nullInt64(categoryID)); err != nil {
			return 0, fmt.Errorf("updating product %q: %w", name, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		if err := w.q(ctx).QueryRow(ctx, insertProductSQL, name, nullInt64(categoryID)).Scan(&id); err != nil {
			return 0, fmt.Errorf("creating product %q: %w", name, err)
		}
	default:
		return 0, fmt.Errorf("finding product %q: %w", name, err)
	}
	if len(tagIDs) > 0 {
		if _, err := w.q(ctx).Exec(ctx, tagProductSQL, id, tagIDs); err != nil {
			return 0, fmt.Errorf("tagging product %d: %w", id, err)
		}
	}
	return id, nil
}

// UpsertVariant writes v keyed by its id. ProductID must be set.
func (w *CatalogWriter) UpsertVariant(ctx context.Context, v catalog.Variant) error {
	_, err := w.q(ctx).Exec(ctx, upsertVariantSQL,
		v.ID, v.ProductID, nullString(v.SKU), v.Price, v.Stock, v.Weight, v.Length, v.Width, v.Height,
	)
	if err != nil {
		return fmt.Errorf("upserting variant %s: %w", v.ID, err)
	}
	return nil
}
