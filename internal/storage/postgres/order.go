package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/shipment"
)

const (
	orderColumns = `id::text, COALESCE(user_id, 0), COALESCE(address_id, 0), status, payment_status,
		subtotal, discount_amount, shipping_cost, tax_amount, total_payable, COALESCE(discount_id, 0),
		payment_track_id, payment_ref_id, payment_gateway,
		shipping_provider, shipment_parcel_no, shipment_order_no, created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	findOrderByTrackIDSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE payment_track_id = $1 AND payment_track_id <> ''`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE user_id = $1 ORDER BY created_at DESC`

	listPendingOrdersSQL = `SELECT id::text FROM orders
		WHERE status = 'pending_payment' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	listInFlightOrdersSQL = `SELECT id::text FROM orders
		WHERE status IN ('processing', 'shipped') AND shipment_parcel_no <> ''
		ORDER BY updated_at
		LIMIT $1`

	orderItemsSQL = `SELECT id, order_id::text, variant_id::text, product_name, sku, price, quantity
		FROM order_items WHERE order_id = ANY($1::text[]::uuid[]) ORDER BY id`

	createOrderSQL = `INSERT INTO orders (id, user_id, address_id, status, payment_status,
		subtotal, discount_amount, shipping_cost, tax_amount, total_payable, discount_id,
		payment_track_id, payment_ref_id, payment_gateway,
		shipping_provider, shipment_parcel_no, shipment_order_no, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	createOrderItemSQL = `INSERT INTO order_items (order_id, variant_id, product_name, sku, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	updateOrderSQL = `UPDATE orders SET
		status = $2, payment_status = $3,
		subtotal = $4, discount_amount = $5, shipping_cost = $6, tax_amount = $7, total_payable = $8,
		discount_id = $9, payment_track_id = $10, payment_ref_id = $11, payment_gateway = $12,
		shipping_provider = $13, shipment_parcel_no = $14, shipment_order_no = $15, updated_at = $16
		WHERE id = $1`

	updateOrderItemPriceSQL = `UPDATE order_items SET price = $2 WHERE id = $1`
)

var (
	_ order.Repository  = (*OrderRepository)(nil)
	_ shipment.InFlight = (*OrderRepository)(nil)
)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	store
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{store{pool: pool}}
}

// Create persists a new order with its items and fills in the item ids.
// It must run inside a transaction for the order and items to be atomic.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.q(ctx).Exec(ctx, createOrderSQL,
		o.ID, nullInt64(o.UserID), nullInt64(o.AddressID), string(o.Status), string(o.PaymentStatus),
		o.Subtotal, o.DiscountAmount, o.ShippingCost, o.TaxAmount, o.TotalPayable, nullInt64(o.DiscountID),
		o.PaymentTrackID, o.PaymentRefID, o.PaymentGateway,
		o.Shipment.Provider, o.Shipment.ParcelNo, o.Shipment.OrderNo, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	for i := range o.Items {
		it := &o.Items[i]
		err := r.q(ctx).QueryRow(ctx, createOrderItemSQL,
			o.ID, it.VariantID, it.ProductName, it.SKU, it.Price, it.Quantity,
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("creating item of order %q: %w", o.ID, err)
		}
	}
	return nil
}

// Get returns an order with its items.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	return r.one(ctx, getOrderSQL, id)
}

// Lock returns an order with its items and holds the order row lock.
func (r *OrderRepository) Lock(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	return r.one(ctx, lockOrderSQL, id)
}

// FindByTrackID returns the order that owns a gateway track id.
func (r *OrderRepository) FindByTrackID(ctx context.Context, trackID string) (*order.Order, error) {
	return r.one(ctx, findOrderByTrackIDSQL, trackID)
}

// ListByUser returns the orders of a user, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	rows, err := r.q(ctx).Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListPendingBefore returns ids of pending_payment orders created before t,
// oldest first.
func (r *OrderRepository) ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	rows, err := r.q(ctx).Query(ctx, listPendingOrdersSQL, t, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	return ids, nil
}

// ListInFlight returns ids of orders whose parcel is still with the carrier,
// least recently updated first.
func (r *OrderRepository) ListInFlight(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.q(ctx).Query(ctx, listInFlightOrdersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing in-flight orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing in-flight orders: %w", err)
	}
	return ids, nil
}

// Update writes every mutable column of the order.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	tag, err := r.q(ctx).Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), string(o.PaymentStatus),
		o.Subtotal, o.DiscountAmount, o.ShippingCost, o.TaxAmount, o.TotalPayable,
		nullInt64(o.DiscountID), o.PaymentTrackID, o.PaymentRefID, o.PaymentGateway,
		o.Shipment.Provider, o.Shipment.ParcelNo, o.Shipment.OrderNo, o.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return order.ErrTrackIDConflict
		}
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// UpdateItemPrices writes the price of each item in one round trip.
func (r *OrderRepository) UpdateItemPrices(ctx context.Context, items []order.Item) error {
	if len(items) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(updateOrderItemPriceSQL, it.ID, it.Price)
	}
	br := r.q(ctx).SendBatch(ctx, b)
	defer func() { _ = br.Close() }()
	for _, it := range items {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("updating price of order item %d: %w", it.ID, err)
		}
	}
	return nil
}

func (r *OrderRepository) one(ctx context.Context, sql string, arg any) (*order.Order, error) {
	rows, err := r.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		if errors.Is(err, pgx.ErrTooManyRows) {
			return nil, order.ErrTrackIDConflict
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}
	list := []order.Order{o}
	if err := r.loadItems(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}
	rows, err := r.q(ctx).Query(ctx, orderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	var (
		orderID string
		it      order.Item
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&it.ID, &orderID, &it.VariantID, &it.ProductName, &it.SKU, &it.Price, &it.Quantity},
		func() error {
			i := index[orderID]
			orders[i].Items = append(orders[i].Items, it)
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.AddressID, &status, &paymentStatus,
		&o.Subtotal, &o.DiscountAmount, &o.ShippingCost, &o.TaxAmount, &o.TotalPayable, &o.DiscountID,
		&o.PaymentTrackID, &o.PaymentRefID, &o.PaymentGateway,
		&o.Shipment.Provider, &o.Shipment.ParcelNo, &o.Shipment.OrderNo, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	return o, err
}
