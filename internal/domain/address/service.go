package address

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/tx"
)

// Service keeps at most one default address per user.
type Service struct {
	repo     Repository
	tx       tx.Runner
	validate *validator.Validate
}

// NewService creates an address Service.
func NewService(repo Repository, runner tx.Runner) *Service {
	return &Service{
		repo:     repo,
		tx:       runner,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Get returns the address if it belongs to user.
func (s *Service) Get(ctx context.Context, user identity.User, id int64) (*Address, error) {
	if !user.Authenticated() {
		return nil, ErrNotFound
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != user.ID {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns all addresses of user.
func (s *Service) List(ctx context.Context, user identity.User) ([]Address, error) {
	if !user.Authenticated() {
		return nil, nil
	}
	return s.repo.ListByUser(ctx, user.ID)
}

// Create validates and stores a new address for user. The first address a
// user creates becomes the default one.
func (s *Service) Create(ctx context.Context, user identity.User, a Address) (*Address, error) {
	if !user.Authenticated() {
		return nil, errors.Wrap(ErrInvalid, "anonymous user")
	}
	if err := s.validate.Struct(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	a.ID = 0
	a.UserID = user.ID

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.ListByUser(ctx, user.ID)
		if err != nil {
			return errors.Wrap(err, "list addresses")
		}
		if len(existing) == 0 {
			a.IsDefault = true
		}
		if a.IsDefault {
			if err := s.repo.ClearDefault(ctx, user.ID); err != nil {
				return errors.Wrap(err, "clear default")
			}
		}
		return s.repo.Create(ctx, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetDefault makes the address the user's only default address.
func (s *Service) SetDefault(ctx context.Context, user identity.User, id int64) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.Get(ctx, user, id); err != nil {
			return err
		}
		if err := s.repo.ClearDefault(ctx, user.ID); err != nil {
			return errors.Wrap(err, "clear default")
		}
		return s.repo.MarkDefault(ctx, id)
	})
}
