// Package address manages user delivery addresses.
package address

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when an address does not exist or is not owned
	// by the requesting user.
	ErrNotFound = errors.New("address not found")
	// ErrInvalid is returned when an address fails field validation.
	ErrInvalid = errors.New("invalid address")
)

// Address is a delivery target owned by a single user.
type Address struct {
	ID            int64
	UserID        int64
	ReceiverName  string `validate:"required,max=100"`
	ReceiverPhone string `validate:"required,numeric,min=10,max=15"`
	Province      string `validate:"max=100"`
	City          string `validate:"max=100"`
	CityCode      int    `validate:"required,gt=0"`
	PostalCode    string `validate:"required,numeric,len=10"`
	FullAddress   string `validate:"required,max=500"`
	IsDefault     bool
	CreatedAt     time.Time
}

// Repository persists addresses.
type Repository interface {
	Get(ctx context.Context, id int64) (*Address, error)
	ListByUser(ctx context.Context, userID int64) ([]Address, error)
	Create(ctx context.Context, a *Address) error
	// ClearDefault unsets the default flag on every address of the user.
	ClearDefault(ctx context.Context, userID int64) error
	MarkDefault(ctx context.Context, id int64) error
}
