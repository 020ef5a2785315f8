package order

import (
	"context"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/cart"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// --- Mock implementations ---

type mockOrders struct {
	byID map[string]*Order
}

func newMockOrders() *mockOrders {
	return &mockOrders{byID: make(map[string]*Order)}
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	return &cp
}

func (m *mockOrders) Create(_ context.Context, o *Order) error {
	m.byID[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockOrders) Get(_ context.Context, id string) (*Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *mockOrders) Lock(ctx context.Context, id string) (*Order, error) {
	return m.Get(ctx, id)
}

func (m *mockOrders) FindByTrackID(_ context.Context, trackID string) (*Order, error) {
	for _, o := range m.byID {
		if o.PaymentTrackID == trackID {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrders) ListByUser(_ context.Context, userID int64) ([]Order, error) {
	var out []Order
	for _, o := range m.byID {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

func (m *mockOrders) ListPendingBefore(_ context.Context, t time.Time, limit int) ([]string, error) {
	var ids []string
	for id, o := range m.byID {
		if o.Status == StatusPendingPayment && o.CreatedAt.Before(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockOrders) Update(_ context.Context, o *Order) error {
	m.byID[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockOrders) UpdateItemPrices(_ context.Context, items []Item) error {
	return nil
}

type mockVariants struct {
	byID  map[string]catalog.Variant
	calls []string
}

func (m *mockVariants) GetVariant(_ context.Context, id string) (*catalog.Variant, error) {
	v, ok := m.byID[id]
	if !ok {
		return nil, catalog.ErrVariantNotFound
	}
	return &v, nil
}

func (m *mockVariants) GetVariants(_ context.Context, ids []string) ([]catalog.Variant, error) {
	var out []catalog.Variant
	for _, id := range ids {
		if v, ok := m.byID[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *mockVariants) LockVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	sorted := slices.Sorted(slices.Values(ids))
	m.calls = append(m.calls, "lock:"+strings.Join(sorted, ","))
	return m.GetVariants(ctx, sorted)
}

func (m *mockVariants) AdjustStock(_ context.Context, id string, delta int) error {
	m.calls = append(m.calls, "adjust:"+id)
	v := m.byID[id]
	v.Stock += delta
	m.byID[id] = v
	return nil
}

type mockAddresses struct {
	byID map[int64]address.Address
}

func (m *mockAddresses) Get(_ context.Context, user identity.User, id int64) (*address.Address, error) {
	a, ok := m.byID[id]
	if !ok || a.UserID != user.ID {
		return nil, address.ErrNotFound
	}
	return &a, nil
}

type mockDiscounts struct {
	result discount.Result
	err    error
	code   string
}

func (m *mockDiscounts) Apply(_ context.Context, _ identity.User, _ []discount.Item, code string) (discount.Result, error) {
	m.code = code
	return m.result, m.err
}

type mockCarts struct {
	closed int
}

func (m *mockCarts) Checkout(_ context.Context, c *cart.Cart) error {
	m.closed++
	c.Lines = nil
	return nil
}

// --- Helpers ---

var testNow = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

const testUserID = 11

type fixture struct {
	orders    *mockOrders
	variants  *mockVariants
	discounts *mockDiscounts
	carts     *mockCarts
	svc       *Service
}

func newFixture(pricing Pricing, variants ...catalog.Variant) *fixture {
	mv := &mockVariants{byID: make(map[string]catalog.Variant)}
	for _, v := range variants {
		mv.byID[v.ID] = v
	}
	f := &fixture{
		orders:    newMockOrders(),
		variants:  mv,
		discounts: &mockDiscounts{result: discount.Result{Amount: decimal.Zero}},
		carts:     &mockCarts{},
	}
	addrs := &mockAddresses{byID: map[int64]address.Address{
		1: {ID: 1, UserID: testUserID},
		2: {ID: 2, UserID: 99},
	}}
	f.svc = NewService(f.orders, mv, addrs, f.discounts, f.carts, tx.Inline, pricing)
	f.svc.now = func() time.Time { return testNow }
	f.svc.newID = func() string { return "order-1" }
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func variant(id, price string, stock int) catalog.Variant {
	return catalog.Variant{ID: id, ProductName: "Product " + id, SKU: "SKU-" + id, Price: dec(price), Stock: stock}
}

func cartWith(lines ...cart.Line) *cart.Cart {
	return &cart.Cart{ID: 1, UserID: testUserID, Lines: lines}
}

func line(v catalog.Variant, qty int) cart.Line {
	return cart.Line{Variant: v, Quantity: qty}
}

var user = identity.User{ID: testUserID}

// --- Tests ---

func TestCreate_EmptyCart(t *testing.T) {
	f := newFixture(Pricing{})

	_, err := f.svc.Create(context.Background(), user, cartWith(), 1, "")
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestCreate_InvalidAddress(t *testing.T) {
	x := variant("X", "10", 5)
	f := newFixture(Pricing{}, x)

	for _, id := range []int64{2, 404} {
		_, err := f.svc.Create(context.Background(), user, cartWith(line(x, 1)), id, "")
		require.ErrorIs(t, err, ErrInvalidAddress)
	}
	assert.Empty(t, f.orders.byID)
}

func TestCreate_InsufficientStock(t *testing.T) {
	x := variant("X", "10", 5)
	f := newFixture(Pricing{}, x)
	c := cartWith(line(x, 6))

	_, err := f.svc.Create(context.Background(), user, c, 1, "")

	var isErr *catalog.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, "X", isErr.VariantID)
	assert.Equal(t, 5, isErr.Available)
	assert.Empty(t, f.orders.byID)
	assert.Equal(t, 5, f.variants.byID["X"].Stock)
	assert.Len(t, c.Lines, 1)
}

func TestCreate_UsesLockedPriceAndStock(t *testing.T) {
	x := variant("X", "10", 1)
	f := newFixture(Pricing{}, x)

	// The cart saw an old price and plenty of stock.
	stale := x
	stale.Price = dec("8")
	stale.Stock = 10
	_, err := f.svc.Create(context.Background(), user, cartWith(line(stale, 2)), 1, "")

	var isErr *catalog.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 1, isErr.Available)
}

func TestCreate_Success(t *testing.T) {
	a := variant("A", "100.00", 10)
	b := variant("B", "25.50", 3)
	f := newFixture(Pricing{ShippingCost: dec("15"), TaxRate: dec("0.09")}, a, b)
	f.discounts.result = discount.Result{Amount: dec("20.00"), Discount: &discount.Discount{ID: 7}}
	c := cartWith(line(a, 2), line(b, 2))

	o, err := f.svc.Create(context.Background(), user, c, 1, "SAVE20")
	require.NoError(t, err)

	assert.Equal(t, "SAVE20", f.discounts.code)
	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	assert.Equal(t, int64(7), o.DiscountID)
	assert.Equal(t, int64(1), o.AddressID)
	assert.True(t, dec("251.00").Equal(o.Subtotal))
	assert.True(t, dec("20.00").Equal(o.DiscountAmount))
	assert.True(t, dec("15.00").Equal(o.ShippingCost))
	assert.True(t, dec("20.79").Equal(o.TaxAmount))
	assert.True(t, dec("266.79").Equal(o.TotalPayable))
	assertTotalsConsistent(t, o)

	assert.Equal(t, 8, f.variants.byID["A"].Stock)
	assert.Equal(t, 1, f.variants.byID["B"].Stock)
	assert.Equal(t, 1, f.carts.closed)
	assert.Empty(t, c.Lines)

	require.Len(t, o.Items, 2)
	assert.Equal(t, "Product A", o.Items[0].ProductName)
	assert.Equal(t, "SKU-A", o.Items[0].SKU)
	assert.Contains(t, f.orders.byID, "order-1")
}

func TestCreate_PriceSnapshotIsImmutable(t *testing.T) {
	a := variant("A", "40.00", 10)
	f := newFixture(Pricing{}, a)

	o, err := f.svc.Create(context.Background(), user, cartWith(line(a, 1)), 1, "")
	require.NoError(t, err)

	changed := f.variants.byID["A"]
	changed.Price = dec("99.00")
	f.variants.byID["A"] = changed

	stored, err := f.svc.Get(context.Background(), user, o.ID)
	require.NoError(t, err)
	assert.True(t, dec("40.00").Equal(stored.Items[0].Price))
}

func TestCreate_DiscountError(t *testing.T) {
	a := variant("A", "40.00", 10)
	f := newFixture(Pricing{}, a)
	f.discounts.err = discount.ErrCouponBelowMinimum

	_, err := f.svc.Create(context.Background(), user, cartWith(line(a, 1)), 1, "BIG")
	require.ErrorIs(t, err, discount.ErrCouponBelowMinimum)
	assert.Empty(t, f.orders.byID)
}

func TestPricingTotals_DiscountCappedAtSubtotal(t *testing.T) {
	o := &Order{
		Items:          []Item{{Price: dec("10"), Quantity: 1}},
		DiscountAmount: dec("25"),
	}
	Pricing{ShippingCost: dec("5")}.Totals(o)

	assert.True(t, dec("10").Equal(o.DiscountAmount))
	assert.True(t, dec("5").Equal(o.TotalPayable))
	assertTotalsConsistent(t, o)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPendingPayment, StatusPaid, true},
		{StatusPendingPayment, StatusCanceled, true},
		{StatusPendingPayment, StatusProcessing, false},
		{StatusPaid, StatusProcessing, true},
		{StatusPaid, StatusCanceled, true},
		{StatusPaid, StatusPendingPayment, false},
		{StatusProcessing, StatusShipped, true},
		{StatusProcessing, StatusCanceled, true},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusCanceled, false},
		{StatusDelivered, StatusCanceled, false},
		{StatusCanceled, StatusPaid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			o := &Order{Status: tt.from}
			err := o.TransitionTo(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, o.Status)
				return
			}
			var itErr *InvalidTransitionError
			require.ErrorAs(t, err, &itErr)
			assert.Equal(t, tt.from, itErr.From)
			assert.Equal(t, tt.from, o.Status)
		})
	}
}

func TestCancel_RestoresStockOnce(t *testing.T) {
	a := variant("A", "10", 10)
	f := newFixture(Pricing{}, a)
	ctx := context.Background()

	o, err := f.svc.Create(ctx, user, cartWith(line(a, 4)), 1, "")
	require.NoError(t, err)
	require.Equal(t, 6, f.variants.byID["A"].Stock)

	require.NoError(t, f.svc.Cancel(ctx, user, o.ID))
	assert.Equal(t, 10, f.variants.byID["A"].Stock)

	err = f.svc.Cancel(ctx, user, o.ID)
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	err = f.svc.AdminCancel(ctx, o.ID)
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, 10, f.variants.byID["A"].Stock)
}

func TestCancel_LocksVariantsBeforeRestoringStock(t *testing.T) {
	a := variant("A", "10", 10)
	b := variant("B", "20", 10)
	f := newFixture(Pricing{}, a, b)
	ctx := context.Background()

	o, err := f.svc.Create(ctx, user, cartWith(line(b, 1), line(a, 2)), 1, "")
	require.NoError(t, err)

	f.variants.calls = nil
	require.NoError(t, f.svc.Cancel(ctx, user, o.ID))
	require.NotEmpty(t, f.variants.calls)
	assert.Equal(t, "lock:A,B", f.variants.calls[0])
	assert.ElementsMatch(t, []string{"adjust:A", "adjust:B"}, f.variants.calls[1:])
	assert.Equal(t, 10, f.variants.byID["A"].Stock)
	assert.Equal(t, 10, f.variants.byID["B"].Stock)
}

func TestCancelShipment(t *testing.T) {
	a := variant("A", "10", 10)
	ctx := context.Background()

	setup := func(t *testing.T, parcelNo string) (*fixture, string) {
		t.Helper()
		f := newFixture(Pricing{}, a)
		o, err := f.svc.Create(ctx, user, cartWith(line(a, 3)), 1, "")
		require.NoError(t, err)
		f.orders.byID[o.ID].Status = StatusProcessing
		f.orders.byID[o.ID].Shipment = Shipment{Provider: "postex", ParcelNo: parcelNo}
		return f, o.ID
	}

	t.Run("releases parcel then cancels", func(t *testing.T) {
		f, id := setup(t, "P1")
		var released []string
		require.NoError(t, f.svc.CancelShipment(ctx, id, func(_ context.Context, sh Shipment) error {
			assert.Equal(t, StatusProcessing, f.orders.byID[id].Status)
			released = append(released, sh.ParcelNo)
			return nil
		}))
		assert.Equal(t, []string{"P1"}, released)
		assert.Equal(t, StatusCanceled, f.orders.byID[id].Status)
		assert.Equal(t, 10, f.variants.byID["A"].Stock)
	})

	t.Run("release failure keeps order", func(t *testing.T) {
		f, id := setup(t, "P1")
		err := f.svc.CancelShipment(ctx, id, func(context.Context, Shipment) error {
			return errors.New("parcel already collected")
		})
		require.Error(t, err)
		assert.Equal(t, StatusProcessing, f.orders.byID[id].Status)
		assert.Equal(t, 7, f.variants.byID["A"].Stock)
	})

	t.Run("no parcel skips release", func(t *testing.T) {
		f, id := setup(t, "")
		require.NoError(t, f.svc.CancelShipment(ctx, id, func(context.Context, Shipment) error {
			t.Fatal("release called without a parcel")
			return nil
		}))
		assert.Equal(t, StatusCanceled, f.orders.byID[id].Status)
	})

	t.Run("shipped order", func(t *testing.T) {
		f, id := setup(t, "P1")
		f.orders.byID[id].Status = StatusShipped
		var itErr *InvalidTransitionError
		require.ErrorAs(t, f.svc.CancelShipment(ctx, id, func(context.Context, Shipment) error {
			t.Fatal("release called for a shipped order")
			return nil
		}), &itErr)
	})
}

func TestCancel_OtherUser(t *testing.T) {
	a := variant("A", "10", 10)
	f := newFixture(Pricing{}, a)
	o, err := f.svc.Create(context.Background(), user, cartWith(line(a, 1)), 1, "")
	require.NoError(t, err)

	err = f.svc.Cancel(context.Background(), identity.User{ID: 99}, o.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_UserCannotCancelPaidOrder(t *testing.T) {
	a := variant("A", "10", 10)
	f := newFixture(Pricing{}, a)
	o, err := f.svc.Create(context.Background(), user, cartWith(line(a, 1)), 1, "")
	require.NoError(t, err)
	f.orders.byID[o.ID].Status = StatusPaid

	var itErr *InvalidTransitionError
	require.ErrorAs(t, f.svc.Cancel(context.Background(), user, o.ID), &itErr)

	require.NoError(t, f.svc.AdminCancel(context.Background(), o.ID))
	assert.Equal(t, 10, f.variants.byID["A"].Stock)
}

func TestLifecycle_ShipmentToDelivery(t *testing.T) {
	a := variant("A", "10", 10)
	f := newFixture(Pricing{}, a)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, user, cartWith(line(a, 1)), 1, "")
	require.NoError(t, err)

	var itErr *InvalidTransitionError
	require.ErrorAs(t, f.svc.AttachShipment(ctx, o.ID, Shipment{Provider: "postex"}), &itErr)

	f.orders.byID[o.ID].Status = StatusPaid
	require.NoError(t, f.svc.AttachShipment(ctx, o.ID, Shipment{Provider: "postex", ParcelNo: "P1", OrderNo: "O1"}))
	require.NoError(t, f.svc.MarkShipped(ctx, o.ID))
	require.NoError(t, f.svc.MarkDelivered(ctx, o.ID))

	stored := f.orders.byID[o.ID]
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, "P1", stored.Shipment.ParcelNo)
	require.ErrorAs(t, f.svc.AdminCancel(ctx, o.ID), &itErr)
}

func TestSweeper_CancelsExpiredPendingOrders(t *testing.T) {
	a := variant("A", "10", 10)
	b := variant("B", "20", 10)
	f := newFixture(Pricing{}, a, b)
	ctx := context.Background()

	o, err := f.svc.Create(ctx, user, cartWith(line(a, 2), line(b, 3)), 1, "")
	require.NoError(t, err)
	require.Equal(t, 8, f.variants.byID["A"].Stock)
	require.Equal(t, 7, f.variants.byID["B"].Stock)

	sweeper, err := NewSweeper(f.orders, f.svc, 20*time.Minute, time.Minute, zap.NewNop(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	// Not yet expired.
	sweeper.now = func() time.Time { return testNow.Add(19 * time.Minute) }
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper.now = func() time.Time { return testNow.Add(21 * time.Minute) }
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusCanceled, f.orders.byID[o.ID].Status)
	assert.Equal(t, 10, f.variants.byID["A"].Stock)
	assert.Equal(t, 10, f.variants.byID["B"].Stock)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 10, f.variants.byID["A"].Stock)
}

func TestSweeper_SkipsPaidOrders(t *testing.T) {
	a := variant("A", "10", 10)
	f := newFixture(Pricing{}, a)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, user, cartWith(line(a, 1)), 1, "")
	require.NoError(t, err)
	f.orders.byID[o.ID].Status = StatusPaid

	sweeper, err := NewSweeper(f.orders, f.svc, 20*time.Minute, time.Minute, zap.NewNop(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	sweeper.now = func() time.Time { return testNow.Add(time.Hour) }

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StatusPaid, f.orders.byID[o.ID].Status)
}

func assertTotalsConsistent(t *testing.T, o *Order) {
	t.Helper()
	subtotal := decimal.Zero
	for _, it := range o.Items {
		subtotal = subtotal.Add(it.Total())
	}
	assert.True(t, subtotal.Equal(o.Subtotal), "subtotal %s != sum of lines %s", o.Subtotal, subtotal)
	want := o.Subtotal.Sub(o.DiscountAmount).Add(o.ShippingCost).Add(o.TaxAmount)
	assert.True(t, want.Equal(o.TotalPayable), "total %s != %s", o.TotalPayable, want)
}
