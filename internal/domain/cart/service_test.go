package cart

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// --- Mock implementations ---

type mockVariants struct {
	byID map[string]catalog.Variant
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
	return m.GetVariants(ctx, ids)
}

func (m *mockVariants) AdjustStock(_ context.Context, id string, delta int) error {
	v := m.byID[id]
	v.Stock += delta
	m.byID[id] = v
	return nil
}

type storedCart struct {
	owner Owner
	lines map[string]int
}

type mockCarts struct {
	variants *mockVariants
	nextID   int64
	carts    map[int64]*storedCart
}

func newMockCarts(variants *mockVariants) *mockCarts {
	return &mockCarts{variants: variants, carts: make(map[int64]*storedCart)}
}

func (m *mockCarts) lookup(owner Owner) (int64, bool) {
	for id, c := range m.carts {
		if c.owner == owner {
			return id, true
		}
	}
	return 0, false
}

func (m *mockCarts) load(id int64) *Cart {
	sc := m.carts[id]
	c := &Cart{ID: id, UserID: sc.owner.UserID, SessionKey: sc.owner.SessionKey}
	ids := make([]string, 0, len(sc.lines))
	for vid := range sc.lines {
		ids = append(ids, vid)
	}
	sort.Strings(ids)
	for _, vid := range ids {
		c.Lines = append(c.Lines, Line{Variant: m.variants.byID[vid], Quantity: sc.lines[vid]})
	}
	return c
}

func (m *mockCarts) Find(_ context.Context, owner Owner) (*Cart, error) {
	id, ok := m.lookup(owner)
	if !ok {
		return nil, ErrNotFound
	}
	return m.load(id), nil
}

func (m *mockCarts) Open(_ context.Context, owner Owner) (*Cart, error) {
	id, ok := m.lookup(owner)
	if !ok {
		m.nextID++
		id = m.nextID
		m.carts[id] = &storedCart{owner: owner, lines: make(map[string]int)}
	}
	return m.load(id), nil
}

func (m *mockCarts) SetQuantity(_ context.Context, cartID int64, variantID string, qty int) error {
	m.carts[cartID].lines[variantID] = qty
	return nil
}

func (m *mockCarts) AddQuantity(_ context.Context, cartID int64, variantID string, qty int) error {
	m.carts[cartID].lines[variantID] += qty
	return nil
}

func (m *mockCarts) DeleteLine(_ context.Context, cartID int64, variantID string) error {
	delete(m.carts[cartID].lines, variantID)
	return nil
}

func (m *mockCarts) ClearLines(_ context.Context, cartID int64) error {
	m.carts[cartID].lines = make(map[string]int)
	return nil
}

func (m *mockCarts) Delete(_ context.Context, cartID int64) error {
	delete(m.carts, cartID)
	return nil
}

type mockDiscounts struct {
	result discount.Result
	items  []discount.Item
	code   string
}

func (m *mockDiscounts) Apply(_ context.Context, _ identity.User, items []discount.Item, code string) (discount.Result, error) {
	m.items = items
	m.code = code
	return m.result, nil
}

// --- Helpers ---

func newVariant(id string, price string, stock int) catalog.Variant {
	return catalog.Variant{
		ID:          id,
		ProductID:   1,
		ProductName: "Product " + id,
		Price:       decimal.RequireFromString(price),
		Stock:       stock,
	}
}

type fixture struct {
	variants  *mockVariants
	carts     *mockCarts
	discounts *mockDiscounts
	svc       *Service
}

func newFixture(variants ...catalog.Variant) *fixture {
	mv := &mockVariants{byID: make(map[string]catalog.Variant)}
	for _, v := range variants {
		mv.byID[v.ID] = v
	}
	mc := newMockCarts(mv)
	md := &mockDiscounts{}
	svc := NewService(mc, mv, md, tx.Inline)
	svc.newKey = func() string { return "generated-key" }
	return &fixture{variants: mv, carts: mc, discounts: md, svc: svc}
}

// --- Tests ---

func TestLoad_AnonymousMintsSessionKey(t *testing.T) {
	f := newFixture()

	c, sess, err := f.svc.Load(context.Background(), Session{})
	require.NoError(t, err)
	assert.Equal(t, "generated-key", sess.SessionKey)
	assert.Equal(t, "generated-key", c.SessionKey)

	again, _, err := f.svc.Load(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
}

func TestLoad_LoginMergesSessionCart(t *testing.T) {
	f := newFixture(newVariant("A", "10", 10), newVariant("B", "20", 10))
	ctx := context.Background()

	anon, sess, err := f.svc.Load(ctx, Session{SessionKey: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Add(ctx, anon, "A", 1, AddOptions{}))
	require.NoError(t, f.svc.Add(ctx, anon, "B", 2, AddOptions{}))

	user := identity.User{ID: 5}
	userCart, _, err := f.svc.Load(ctx, Session{User: user})
	require.NoError(t, err)
	require.NoError(t, f.svc.Add(ctx, userCart, "B", 1, AddOptions{}))

	merged, newSess, err := f.svc.Load(ctx, Session{User: user, SessionKey: sess.SessionKey})
	require.NoError(t, err)
	assert.Empty(t, newSess.SessionKey)
	assert.Equal(t, 1, merged.Quantity("A"))
	assert.Equal(t, 3, merged.Quantity("B"))
	assert.Equal(t, 4, merged.Len())

	_, err = f.carts.Find(ctx, Owner{SessionKey: "sess-1"})
	require.ErrorIs(t, err, ErrNotFound)

	// A second login with the stale key changes nothing.
	again, _, err := f.svc.Load(ctx, Session{User: user, SessionKey: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, again.Quantity("B"))
}

func TestMerge_EmptySessionCartIsDeleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	from, err := f.carts.Open(ctx, Owner{SessionKey: "s"})
	require.NoError(t, err)
	into, err := f.carts.Open(ctx, Owner{UserID: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.Merge(ctx, from, into))
	require.NoError(t, f.svc.Merge(ctx, from, into))
	assert.Empty(t, into.Lines)
	_, ok := f.carts.lookup(Owner{SessionKey: "s"})
	assert.False(t, ok)
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name     string
		stock    int
		existing int
		qty      int
		opts     AddOptions
		want     int
		wantErr  error
		wantAvl  int
	}{
		{name: "new line", stock: 5, qty: 2, want: 2},
		{name: "increments", stock: 5, existing: 2, qty: 3, want: 5},
		{name: "override", stock: 5, existing: 4, qty: 1, opts: AddOptions{Override: true}, want: 1},
		{name: "out of stock", stock: 0, qty: 1, wantErr: catalog.ErrOutOfStock},
		{name: "insufficient", stock: 5, existing: 4, qty: 2, wantAvl: 5},
		{name: "insufficient allowed", stock: 5, existing: 4, qty: 2, opts: AddOptions{AllowInsufficientStock: true}, want: 6},
		{name: "zero override deletes", stock: 5, existing: 3, qty: 0, opts: AddOptions{Override: true}, want: 0},
		{name: "negative decrement deletes", stock: 5, existing: 2, qty: -2, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(newVariant("X", "10", tt.stock))
			ctx := context.Background()
			c, err := f.carts.Open(ctx, Owner{UserID: 1})
			require.NoError(t, err)
			if tt.existing > 0 {
				require.NoError(t, f.carts.SetQuantity(ctx, c.ID, "X", tt.existing))
				c, err = f.carts.Find(ctx, Owner{UserID: 1})
				require.NoError(t, err)
			}

			err = f.svc.Add(ctx, c, "X", tt.qty, tt.opts)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				return
			case tt.wantAvl > 0:
				var isErr *catalog.InsufficientStockError
				require.ErrorAs(t, err, &isErr)
				assert.Equal(t, "X", isErr.VariantID)
				assert.Equal(t, tt.wantAvl, isErr.Available)
				assert.Equal(t, tt.existing, f.carts.carts[c.ID].lines["X"])
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Quantity("X"))
			assert.Equal(t, tt.want, f.carts.carts[c.ID].lines["X"])
		})
	}
}

func TestAdd_UnknownVariant(t *testing.T) {
	f := newFixture()
	c, err := f.carts.Open(context.Background(), Owner{UserID: 1})
	require.NoError(t, err)

	err = f.svc.Add(context.Background(), c, "missing", 1, AddOptions{})
	require.ErrorIs(t, err, catalog.ErrVariantNotFound)
}

func TestTotalsAndIterate(t *testing.T) {
	f := newFixture(newVariant("A", "12.50", 10), newVariant("B", "3.25", 10))
	ctx := context.Background()
	c, err := f.carts.Open(ctx, Owner{UserID: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.Add(ctx, c, "A", 2, AddOptions{}))
	require.NoError(t, f.svc.Add(ctx, c, "B", 4, AddOptions{}))

	assert.Equal(t, 6, c.Len())
	assert.True(t, decimal.RequireFromString("38.00").Equal(c.TotalPrice()))

	lines := c.Iterate()
	require.Len(t, lines, 2)
	assert.True(t, decimal.RequireFromString("25.00").Equal(lines[0].TotalPrice()))
	assert.True(t, decimal.RequireFromString("3.25").Equal(lines[1].UnitPrice()))

	require.NoError(t, f.svc.Remove(ctx, c, "A"))
	assert.Equal(t, 4, c.Len())

	require.NoError(t, f.svc.Clear(ctx, c))
	assert.Zero(t, c.Len())
	assert.Empty(t, f.carts.carts[c.ID].lines)
}

func TestCheckout_DeletesSessionCart(t *testing.T) {
	f := newFixture(newVariant("A", "1", 10))
	ctx := context.Background()

	c, _, err := f.svc.Load(ctx, Session{SessionKey: "k"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Add(ctx, c, "A", 1, AddOptions{}))

	require.NoError(t, f.svc.Checkout(ctx, c))
	_, ok := f.carts.lookup(Owner{SessionKey: "k"})
	assert.False(t, ok)
}

func TestDiscountForDisplay(t *testing.T) {
	f := newFixture(newVariant("A", "100", 10))
	ctx := context.Background()
	f.discounts.result = discount.Result{
		Amount:   decimal.RequireFromString("15.00"),
		Discount: &discount.Discount{ID: 1},
	}

	c, err := f.carts.Open(ctx, Owner{UserID: 1})
	require.NoError(t, err)

	amount, err := f.svc.DiscountForDisplay(ctx, identity.User{ID: 1}, c)
	require.NoError(t, err)
	assert.True(t, amount.IsZero(), "empty cart gets no discount")

	require.NoError(t, f.svc.Add(ctx, c, "A", 2, AddOptions{}))
	amount, err = f.svc.DiscountForDisplay(ctx, identity.User{ID: 1}, c)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("15.00").Equal(amount))
	assert.Empty(t, f.discounts.code)
	require.Len(t, f.discounts.items, 1)
	assert.Equal(t, 2, f.discounts.items[0].Quantity)
}
