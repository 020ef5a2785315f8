package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/cart"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
)

const (
	findCartSQL = `SELECT id, COALESCE(user_id, 0), COALESCE(session_key, '') FROM carts
		WHERE ($1::bigint IS NOT NULL AND user_id = $1)
		   OR ($2::text IS NOT NULL AND session_key = $2)`

	openCartSQL = `INSERT INTO carts (user_id, session_key) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	cartLinesSQL = `SELECT ` + variantColumns + `, l.quantity
		FROM cart_lines l
		JOIN variants v ON v.id = l.variant_id
		JOIN products p ON p.id = v.product_id
		WHERE l.cart_id = $1
		ORDER BY l.added_at, v.id`

	setCartLineSQL = `INSERT INTO cart_lines (cart_id, variant_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, variant_id) DO UPDATE SET quantity = EXCLUDED.quantity`

	addCartLineSQL = `INSERT INTO cart_lines (cart_id, variant_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, variant_id) DO UPDATE SET quantity = cart_lines.quantity + EXCLUDED.quantity`

	deleteCartLineSQL = `DELETE FROM cart_lines WHERE cart_id = $1 AND variant_id = $2`

	clearCartLinesSQL = `DELETE FROM cart_lines WHERE cart_id = $1`

	deleteCartSQL = `DELETE FROM carts WHERE id = $1`

	touchCartSQL = `UPDATE carts SET updated_at = now() WHERE id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	store
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{store{pool: pool}}
}

// Find returns the cart of owner with its lines.
func (r *CartRepository) Find(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	var c cart.Cart
	err := r.q(ctx).QueryRow(ctx, findCartSQL,
		nullInt64(owner.UserID), nullString(owner.SessionKey),
	).Scan(&c.ID, &c.UserID, &c.SessionKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("finding cart: %w", err)
	}

	rows, err := r.q(ctx).Query(ctx, cartLinesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("loading lines of cart %d: %w", c.ID, err)
	}
	c.Lines, err = pgx.CollectRows(rows, scanCartLine)
	if err != nil {
		return nil, fmt.Errorf("loading lines of cart %d: %w", c.ID, err)
	}
	return &c, nil
}

// Open returns the cart of owner, creating it when absent.
func (r *CartRepository) Open(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	if owner.UserID == 0 && owner.SessionKey == "" {
		return nil, errors.New("cart owner is empty")
	}
	_, err := r.q(ctx).Exec(ctx, openCartSQL, nullInt64(owner.UserID), nullString(owner.SessionKey))
	if err != nil {
		return nil, fmt.Errorf("opening cart: %w", err)
	}
	return r.Find(ctx, owner)
}

// SetQuantity inserts or replaces a line.
func (r *CartRepository) SetQuantity(ctx context.Context, cartID int64, variantID string, qty int) error {
	return r.exec(ctx, cartID, "setting cart line", setCartLineSQL, cartID, variantID, qty)
}

// AddQuantity inserts a line or increases its quantity.
func (r *CartRepository) AddQuantity(ctx context.Context, cartID int64, variantID string, qty int) error {
	return r.exec(ctx, cartID, "adding cart line", addCartLineSQL, cartID, variantID, qty)
}

// DeleteLine removes a line.
func (r *CartRepository) DeleteLine(ctx context.Context, cartID int64, variantID string) error {
	return r.exec(ctx, cartID, "deleting cart line", deleteCartLineSQL, cartID, variantID)
}

// ClearLines removes every line of the cart.
func (r *CartRepository) ClearLines(ctx context.Context, cartID int64) error {
	return r.exec(ctx, cartID, "clearing cart", clearCartLinesSQL, cartID)
}

// Delete removes the cart with its lines.
func (r *CartRepository) Delete(ctx context.Context, cartID int64) error {
	if _, err := r.q(ctx).Exec(ctx, deleteCartSQL, cartID); err != nil {
		return fmt.Errorf("deleting cart %d: %w", cartID, err)
	}
	return nil
}

func (r *CartRepository) exec(ctx context.Context, cartID int64, op, sql string, args ...any) error {
	if _, err := r.q(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s of cart %d: %w", op, cartID, err)
	}
	if _, err := r.q(ctx).Exec(ctx, touchCartSQL, cartID); err != nil {
		return fmt.Errorf("touching cart %d: %w", cartID, err)
	}
	return nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var (
		v   catalog.Variant
		qty int
	)
	err := row.Scan(
		&v.ID, &v.ProductID, &v.ProductName, &v.CategoryID, &v.TagIDs,
		&v.SKU, &v.Price, &v.Stock, &v.Weight, &v.Length, &v.Width, &v.Height,
		&qty,
	)
	return cart.Line{Variant: v, Quantity: qty}, err
}
