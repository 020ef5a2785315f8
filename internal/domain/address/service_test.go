package address

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

type mockRepo struct {
	nextID    int64
	addresses map[int64]*Address
}

func newMockRepo() *mockRepo {
	return &mockRepo{addresses: make(map[int64]*Address)}
}

func (m *mockRepo) Get(_ context.Context, id int64) (*Address, error) {
	a, ok := m.addresses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID int64) ([]Address, error) {
	var out []Address
	for _, a := range m.addresses {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockRepo) Create(_ context.Context, a *Address) error {
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.addresses[a.ID] = &cp
	return nil
}

func (m *mockRepo) ClearDefault(_ context.Context, userID int64) error {
	for _, a := range m.addresses {
		if a.UserID == userID {
			a.IsDefault = false
		}
	}
	return nil
}

func (m *mockRepo) MarkDefault(_ context.Context, id int64) error {
	m.addresses[id].IsDefault = true
	return nil
}

func (m *mockRepo) defaults(userID int64) int {
	n := 0
	for _, a := range m.addresses {
		if a.UserID == userID && a.IsDefault {
			n++
		}
	}
	return n
}

func validAddress() Address {
	return Address{
		ReceiverName:  "Sara Ahmadi",
		ReceiverPhone: "09121234567",
		City:          "Tehran",
		CityCode:      1,
		PostalCode:    "1234567890",
		FullAddress:   "Valiasr St, No. 10",
	}
}

func TestCreate_FirstAddressBecomesDefault(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, tx.Inline)
	user := identity.User{ID: 7}

	a, err := svc.Create(context.Background(), user, validAddress())
	require.NoError(t, err)
	assert.True(t, a.IsDefault)
	assert.Equal(t, int64(7), a.UserID)

	b, err := svc.Create(context.Background(), user, validAddress())
	require.NoError(t, err)
	assert.False(t, b.IsDefault)
	assert.Equal(t, 1, repo.defaults(7))
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Address)
	}{
		{"missing receiver", func(a *Address) { a.ReceiverName = "" }},
		{"short postal code", func(a *Address) { a.PostalCode = "123" }},
		{"non numeric phone", func(a *Address) { a.ReceiverPhone = "phone-number" }},
		{"zero city code", func(a *Address) { a.CityCode = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newMockRepo(), tx.Inline)
			a := validAddress()
			tt.mutate(&a)

			_, err := svc.Create(context.Background(), identity.User{ID: 1}, a)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSetDefault_KeepsSingleDefault(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, tx.Inline)
	user := identity.User{ID: 3}

	first, err := svc.Create(context.Background(), user, validAddress())
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), user, validAddress())
	require.NoError(t, err)

	require.NoError(t, svc.SetDefault(context.Background(), user, second.ID))
	assert.Equal(t, 1, repo.defaults(3))
	assert.True(t, repo.addresses[second.ID].IsDefault)
	assert.False(t, repo.addresses[first.ID].IsDefault)
}

func TestGet_OtherUsersAddress(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, tx.Inline)

	a, err := svc.Create(context.Background(), identity.User{ID: 1}, validAddress())
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), identity.User{ID: 2}, a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), identity.Anonymous(), a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
