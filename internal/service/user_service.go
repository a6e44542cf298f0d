package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
	"github.com/digkill/promptor/internal/tier"
)

// Overview is everything the account page shows about the current user.
type Overview struct {
	User    models.User `json:"user"`
	Balance Balance     `json:"balance"`
	Tier    tier.Status `json:"tier"`
}

type UserService struct {
	users    *repository.UserRepository
	ledger   *Ledger
	resolver *tier.Resolver
	log      *slog.Logger
	now      func() time.Time
}

func NewUserService(users *repository.UserRepository, ledger *Ledger, resolver *tier.Resolver, log *slog.Logger) *UserService {
	return &UserService{users: users, ledger: ledger, resolver: resolver, log: log, now: time.Now}
}

// Ensure returns the user for an authenticated subject, creating a FREE
// account on first sight and keeping the stored email current.
func (s *UserService) Ensure(ctx context.Context, id, email string) (*models.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	now := s.now().UTC()
	if user == nil {
		user = &models.User{
			ID:        id,
			Email:     email,
			Plan:      models.PlanFree,
			Tier:      models.TierFree,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.users.Create(ctx, user); err != nil {
			if !database.IsDuplicate(err) {
				return nil, fmt.Errorf("ensure user: %w", err)
			}
			// created concurrently by another request
			return s.Get(ctx, id)
		}
		s.log.Info("user created", "user_id", id)
		return user, nil
	}
	if email != "" && email != user.Email {
		if err := s.users.UpdateEmail(ctx, id, email, now); err != nil {
			return nil, err
		}
		user.Email = email
		user.UpdatedAt = now
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *UserService) Overview(ctx context.Context, id string) (*Overview, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.GetBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	st := s.resolver.ResolveUser(*user, s.now())
	user.Tier = st.Current
	return &Overview{User: *user, Balance: *balance, Tier: st}, nil
}
