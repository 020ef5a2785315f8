package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
)

const (
	paymentColumns = `id, COALESCE(order_id::text, ''), track_id, event_type, status, amount,
		result_code, ref_id, ip_address, signature, message, raw_payload, gateway_response, created_at`

	insertPaymentSQL = `INSERT INTO payment_transactions (order_id, track_id, event_type, status,
		amount, result_code, ref_id, ip_address, signature, message, raw_payload, gateway_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	// The conflict target matches the partial unique index on processed
	// verifications, so a duplicate returns no row instead of aborting the
	// transaction.
	insertProcessedVerificationSQL = `INSERT INTO payment_transactions (order_id, track_id, event_type, status,
		amount, result_code, ref_id, ip_address, signature, message, raw_payload, gateway_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (track_id) WHERE event_type = 'verify' AND status = 'processed' DO NOTHING
		RETURNING id, created_at`

	findProcessedVerificationSQL = `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE track_id = $1 AND event_type = 'verify' AND status = 'processed'`

	listPaymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE order_id = $1 ORDER BY id`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements the payment ledger backed by PostgreSQL.
type PaymentRepository struct {
	store
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{store{pool: pool}}
}

// Append inserts a ledger row and fills in its id and creation time.
func (r *PaymentRepository) Append(ctx context.Context, t *payment.Transaction) error {
	if err := r.insert(ctx, insertPaymentSQL, t); err != nil {
		return fmt.Errorf("appending payment transaction: %w", err)
	}
	return nil
}

// InsertProcessedVerification inserts a verify/processed row, or returns
// payment.ErrDuplicateVerification when the track id already has one.
func (r *PaymentRepository) InsertProcessedVerification(ctx context.Context, t *payment.Transaction) error {
	t.EventType = payment.EventVerify
	t.Status = payment.StatusProcessed
	err := r.insert(ctx, insertProcessedVerificationSQL, t)
	switch {
	case errors.Is(err, pgx.ErrNoRows), pgCode(err) == codeUniqueViolation:
		return payment.ErrDuplicateVerification
	case err != nil:
		return fmt.Errorf("inserting processed verification: %w", err)
	}
	return nil
}

// FindProcessedVerification returns the processed verification of a track id.
func (r *PaymentRepository) FindProcessedVerification(ctx context.Context, trackID string) (*payment.Transaction, error) {
	rows, err := r.q(ctx).Query(ctx, findProcessedVerificationSQL, trackID)
	if err != nil {
		return nil, fmt.Errorf("finding processed verification: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("finding processed verification: %w", err)
	}
	return &t, nil
}

// ListByOrder returns the ledger of an order in insertion order.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	rows, err := r.q(ctx).Query(ctx, listPaymentsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payments of order %q: %w", orderID, err)
	}
	list, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, fmt.Errorf("listing payments of order %q: %w", orderID, err)
	}
	return list, nil
}

func (r *PaymentRepository) insert(ctx context.Context, sql string, t *payment.Transaction) error {
	return r.q(ctx).QueryRow(ctx, sql,
		nullString(t.OrderID), t.TrackID, string(t.EventType), string(t.Status),
		t.Amount, t.ResultCode, t.RefID, t.IPAddress, t.Signature, t.Message,
		t.RawPayload, t.GatewayResponse,
	).Scan(&t.ID, &t.CreatedAt)
}

func scanPayment(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		t         payment.Transaction
		eventType string
		status    string
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.TrackID, &eventType, &status, &t.Amount,
		&t.ResultCode, &t.RefID, &t.IPAddress, &t.Signature, &t.Message,
		&t.RawPayload, &t.GatewayResponse, &t.CreatedAt,
	)
	t.EventType = payment.EventType(eventType)
	t.Status = payment.Status(status)
	return t, err
}
