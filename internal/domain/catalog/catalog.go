// Package catalog is the read side of the product catalog as seen by the
// cart, discount and order services.
package catalog

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrVariantNotFound is returned when a variant id does not exist.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrOutOfStock is returned when a variant has no stock at all.
	ErrOutOfStock = errors.New("variant is out of stock")
)

// InsufficientStockError indicates that fewer units are available than requested.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

// Variant is a purchasable SKU of a product together with the product
// attributes that discount rules match against.
type Variant struct {
	ID          string
	ProductID   int64
	ProductName string
	CategoryID  int64
	TagIDs      []int64
	SKU         string
	Price       decimal.Decimal
	Stock       int
	Weight      decimal.Decimal
	Length      decimal.Decimal
	Width       decimal.Decimal
	Height      decimal.Decimal
}

// CurrentPrice returns the unit price as read from the store.
func (v Variant) CurrentPrice() decimal.Decimal {
	return v.Price
}

// AvailableStock returns the number of units that can still be sold.
func (v Variant) AvailableStock() int {
	return v.Stock
}

// Repository provides variant lookups and stock mutation.
type Repository interface {
	GetVariant(ctx context.Context, id string) (*Variant, error)
	// GetVariants returns the variants that exist among ids, in no
	// particular order. Missing ids are silently skipped.
	GetVariants(ctx context.Context, ids []string) ([]Variant, error)
	// LockVariants is GetVariants with row-level write locks held until the
	// surrounding transaction ends. Rows are locked in id order.
	LockVariants(ctx context.Context, ids []string) ([]Variant, error)
	// AdjustStock adds delta (possibly negative) to the variant's stock.
	AdjustStock(ctx context.Context, id string, delta int) error
}

// Index maps variants by id.
func Index(variants []Variant) map[string]Variant {
	m := make(map[string]Variant, len(variants))
	for _, v := range variants {
		m[v.ID] = v
	}
	return m
}
