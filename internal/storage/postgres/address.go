package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
)

const (
	addressColumns = `id, user_id, receiver_name, receiver_phone, province, city,
		city_code, postal_code, full_address, is_default, created_at`

	getAddressSQL = `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1`

	listAddressesSQL = `SELECT ` + addressColumns + ` FROM addresses
		WHERE user_id = $1 ORDER BY is_default DESC, id`

	createAddressSQL = `INSERT INTO addresses (user_id, receiver_name, receiver_phone,
		province, city, city_code, postal_code, full_address, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	clearDefaultAddressSQL = `UPDATE addresses SET is_default = FALSE
		WHERE user_id = $1 AND is_default`

	markDefaultAddressSQL = `UPDATE addresses SET is_default = TRUE WHERE id = $1`
)

var _ address.Repository = (*AddressRepository)(nil)

// AddressRepository implements address.Repository backed by PostgreSQL.
type AddressRepository struct {
	store
}

// NewAddressRepository returns an AddressRepository that uses the given pool.
func NewAddressRepository(pool *pgxpool.Pool) *AddressRepository {
	return &AddressRepository{store{pool: pool}}
}

// Get returns an address by id.
func (r *AddressRepository) Get(ctx context.Context, id int64) (*address.Address, error) {
	rows, err := r.q(ctx).Query(ctx, getAddressSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting address %d: %w", id, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, address.ErrNotFound
		}
		return nil, fmt.Errorf("getting address %d: %w", id, err)
	}
	return &a, nil
}

// ListByUser returns the addresses of a user, default first.
func (r *AddressRepository) ListByUser(ctx context.Context, userID int64) ([]address.Address, error) {
	rows, err := r.q(ctx).Query(ctx, listAddressesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of user %d: %w", userID, err)
	}
	list, err := pgx.CollectRows(rows, scanAddress)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of user %d: %w", userID, err)
	}
	return list, nil
}

// Create inserts an address and fills in its id and creation time.
func (r *AddressRepository) Create(ctx context.Context, a *address.Address) error {
	err := r.q(ctx).QueryRow(ctx, createAddressSQL,
		a.UserID, a.ReceiverName, a.ReceiverPhone, a.Province, a.City,
		a.CityCode, a.PostalCode, a.FullAddress, a.IsDefault,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating address: %w", err)
	}
	return nil
}

// ClearDefault unsets the default flag on every address of the user.
func (r *AddressRepository) ClearDefault(ctx context.Context, userID int64) error {
	if _, err := r.q(ctx).Exec(ctx, clearDefaultAddressSQL, userID); err != nil {
		return fmt.Errorf("clearing default address of user %d: %w", userID, err)
	}
	return nil
}

// MarkDefault sets the default flag on an address.
func (r *AddressRepository) MarkDefault(ctx context.Context, id int64) error {
	tag, err := r.q(ctx).Exec(ctx, markDefaultAddressSQL, id)
	if err != nil {
		return fmt.Errorf("marking address %d default: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return address.ErrNotFound
	}
	return nil
}

func scanAddress(row pgx.CollectableRow) (address.Address, error) {
	var a address.Address
	err := row.Scan(
		&a.ID, &a.UserID, &a.ReceiverName, &a.ReceiverPhone, &a.Province, &a.City,
		&a.CityCode, &a.PostalCode, &a.FullAddress, &a.IsDefault, &a.CreatedAt,
	)
	return a, err
}
