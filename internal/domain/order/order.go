package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCanceled       Status = "canceled"
)

// PaymentStatus is the settlement state of an order's payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

var (
	// ErrNotFound is returned when an order does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("order not found")
	// ErrEmptyCart is returned when checking out an empty cart.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidAddress is returned when the delivery address is missing or
	// belongs to another user.
	ErrInvalidAddress = errors.New("invalid delivery address")
	// ErrTrackIDConflict is returned when a payment track id resolves to more
	// than one order, or is already assigned to another order.
	ErrTrackIDConflict = errors.New("payment track id matches several orders")
)

// InvalidTransitionError indicates a forbidden status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition from %s to %s", e.From, e.To)
}

var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusPaid, StatusCanceled},
	StatusPaid:           {StatusProcessing, StatusCanceled},
	StatusProcessing:     {StatusShipped, StatusCanceled},
	StatusShipped:        {StatusDelivered},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is an order line with the price and naming captured at checkout.
type Item struct {
	ID          int64
	VariantID   string
	ProductName string
	SKU         string
	Price       decimal.Decimal
	Quantity    int
}

// Total returns Price * Quantity.
func (i Item) Total() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Shipment holds the carrier references of a created parcel.
type Shipment struct {
	Provider string
	ParcelNo string
	OrderNo  string
}

// Order is a placed order.
type Order struct {
	ID             string
	UserID         int64
	AddressID      int64
	Status         Status
	PaymentStatus  PaymentStatus
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	ShippingCost   decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalPayable   decimal.Decimal
	DiscountID     int64
	PaymentTrackID string
	PaymentRefID   string
	PaymentGateway string
	Shipment       Shipment
	Items          []Item
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionTo moves the order to status to, or returns an
// *InvalidTransitionError.
func (o *Order) TransitionTo(to Status) error {
	if !CanTransition(o.Status, to) {
		return &InvalidTransitionError{From: o.Status, To: to}
	}
	o.Status = to
	return nil
}

// VariantIDs returns the variant id of every item.
func (o *Order) VariantIDs() []string {
	ids := make([]string, len(o.Items))
	for i, it := range o.Items {
		ids[i] = it.VariantID
	}
	return ids
}

// Pricing holds the shop-wide shipping and tax settings.
type Pricing struct {
	ShippingCost decimal.Decimal
	// TaxRate is a fraction applied to subtotal minus discount.
	TaxRate decimal.Decimal
}

// Totals recomputes subtotal, shipping, tax and total payable from the items
// and the current discount amount. The discount never exceeds the subtotal
// and all values are rounded to 2 decimal places.
func (p Pricing) Totals(o *Order) {
	subtotal := decimal.Zero
	for _, it := range o.Items {
		subtotal = subtotal.Add(it.Total())
	}
	subtotal = subtotal.Round(2)

	discount := o.DiscountAmount.Round(2)
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	tax := subtotal.Sub(discount).Mul(p.TaxRate).Round(2)

	o.Subtotal = subtotal
	o.DiscountAmount = discount
	o.ShippingCost = p.ShippingCost.Round(2)
	o.TaxAmount = tax
	o.TotalPayable = subtotal.Sub(discount).Add(o.ShippingCost).Add(tax)
}

// Repository persists orders. Get, Lock and FindByTrackID return the order
// with its items.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Lock returns the order with a row-level write lock held until the
	// surrounding transaction ends.
	Lock(ctx context.Context, id string) (*Order, error)
	FindByTrackID(ctx context.Context, trackID string) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	// ListPendingBefore returns ids of pending_payment orders created before t.
	ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]string, error)
	// Update writes every mutable order column.
	Update(ctx context.Context, o *Order) error
	// UpdateItemPrices writes the price of each item.
	UpdateItemPrices(ctx context.Context, items []Item) error
}
