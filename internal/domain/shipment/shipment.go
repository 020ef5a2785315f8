// Package shipment creates, tracks and cancels parcels for paid orders.
package shipment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
)

// ErrNoShipment is returned when an order has no parcel yet.
var ErrNoShipment = errors.New("order has no shipment")

// State is the normalized parcel state reported by a provider.
type State string

const (
	StateCreated   State = "created"
	StatePickedUp  State = "picked_up"
	StateInTransit State = "in_transit"
	StateDelivered State = "delivered"
	StateReturned  State = "returned"
	StateCanceled  State = "canceled"
)

// Dispatched reports whether the parcel has left the warehouse.
func (s State) Dispatched() bool {
	switch s {
	case StatePickedUp, StateInTransit, StateDelivered:
		return true
	default:
		return false
	}
}

// TrackingEvent is a single carrier scan.
type TrackingEvent struct {
	State       State
	Description string
	Time        time.Time
}

// Latest returns the most recent event, or false if there are none.
func Latest(events []TrackingEvent) (TrackingEvent, bool) {
	var (
		latest TrackingEvent
		found  bool
	)
	for _, e := range events {
		if !found || !e.Time.Before(latest.Time) {
			latest = e
			found = true
		}
	}
	return latest, found
}

// Receiver is the delivery contact and location.
type Receiver struct {
	Name       string
	Phone      string
	Address    string
	CityCode   int
	PostalCode string
}

// ParcelItem is a line of the parcel manifest.
type ParcelItem struct {
	Name  string
	Count int
}

// ParcelRequest describes a parcel to create.
type ParcelRequest struct {
	OrderID  string
	Receiver Receiver
	Items    []ParcelItem
	// TotalWeight is in grams.
	TotalWeight int64
	TotalValue  int64
}

// Parcel is a parcel registered with the provider.
type Parcel struct {
	ParcelNo string
	OrderNo  string
}

// Provider is the external shipping provider.
type Provider interface {
	Name() string
	CreateParcel(ctx context.Context, req ParcelRequest) (*Parcel, error)
	Tracking(ctx context.Context, parcelNo string) ([]TrackingEvent, error)
	CancelParcel(ctx context.Context, parcelNo string) error
}

// TransientError marks a provider failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient shipping error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// OrderStore reads orders.
type OrderStore interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// AddressStore reads delivery addresses.
type AddressStore interface {
	Get(ctx context.Context, id int64) (*address.Address, error)
}

// VariantStore reads catalog variants.
type VariantStore interface {
	GetVariants(ctx context.Context, ids []string) ([]catalog.Variant, error)
}

// Lifecycle applies order status changes driven by the carrier.
type Lifecycle interface {
	AttachShipment(ctx context.Context, id string, sh order.Shipment) error
	MarkShipped(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string) error
	// CancelShipment cancels the order under its row lock, running release
	// on an attached parcel first.
	CancelShipment(ctx context.Context, id string, release func(ctx context.Context, sh order.Shipment) error) error
}

// BuildParcel assembles the parcel manifest of an order. Weight comes from
// the current variant data; value is the payable total in whole units.
func BuildParcel(o *order.Order, addr *address.Address, variants []catalog.Variant) ParcelRequest {
	byID := catalog.Index(variants)
	req := ParcelRequest{
		OrderID: o.ID,
		Receiver: Receiver{
			Name:       addr.ReceiverName,
			Phone:      addr.ReceiverPhone,
			Address:    addr.FullAddress,
			CityCode:   addr.CityCode,
			PostalCode: addr.PostalCode,
		},
		Items: make([]ParcelItem, 0, len(o.Items)),
	}
	weight := decimal.Zero
	for _, it := range o.Items {
		req.Items = append(req.Items, ParcelItem{Name: it.ProductName, Count: it.Quantity})
		if v, ok := byID[it.VariantID]; ok {
			weight = weight.Add(v.Weight.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
	}
	req.TotalWeight = weight.IntPart()
	req.TotalValue = o.TotalPayable.IntPart()
	return req
}
