package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/cache"
	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
)

// PackView is a catalog entry priced in the currency the buyer asked for.
type PackView struct {
	models.CreditPack
	TotalCredits    int64  `json:"total_credits"`
	DisplayPrice    int64  `json:"display_price"`
	DisplayCurrency string `json:"display_currency"`
	FormattedPrice  string `json:"formatted_price"`
}

// PlanView is a subscription plan priced for display.
type PlanView struct {
	ID             models.Plan `json:"id"`
	Name           string      `json:"name"`
	MonthlyCredits int64       `json:"monthly_credits"`
	Price          int64       `json:"price"`
	Currency       string      `json:"currency"`
	FormattedPrice string      `json:"formatted_price"`
}

// PackService owns the credit pack catalog and renders the plan catalog.
type PackService struct {
	packs     *repository.PackRepository
	plans     []config.PlanSpec
	converter *currency.Converter
	catalog   *cache.TTL[string, []PackView]
	log       *slog.Logger
	now       func() time.Time
}

func NewPackService(packs *repository.PackRepository, plans []config.PlanSpec, converter *currency.Converter, catalog *cache.TTL[string, []PackView], log *slog.Logger) *PackService {
	return &PackService{packs: packs, plans: plans, converter: converter, catalog: catalog, log: log, now: time.Now}
}

// Plans lists the subscription plans priced in code, or in their own currency
// when code is empty.
func (s *PackService) Plans(code string) ([]PlanView, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	out := make([]PlanView, 0, len(s.plans))
	for _, p := range s.plans {
		target := code
		if target == "" {
			target = p.Currency
		}
		price, err := s.converter.Convert(p.Price, p.Currency, target)
		if err != nil {
			return nil, invalid("currency", "unsupported currency")
		}
		formatted, err := s.converter.Format(price, target)
		if err != nil {
			return nil, err
		}
		out = append(out, PlanView{
			ID:             models.Plan(p.ID),
			Name:           p.Name,
			MonthlyCredits: p.MonthlyCredits,
			Price:          price,
			Currency:       target,
			FormattedPrice: formatted,
		})
	}
	return out, nil
}

// ListActive returns purchasable packs with prices converted to code, or to
// each pack's own currency when code is empty.
func (s *PackService) ListActive(ctx context.Context, code string) ([]PackView, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code != "" {
		if _, err := s.converter.Spec(code); err != nil {
			return nil, invalid("currency", "unsupported currency")
		}
	}
	return s.catalog.Get(ctx, code, func(ctx context.Context) ([]PackView, error) {
		packs, err := s.packs.List(ctx, true)
		if err != nil {
			return nil, err
		}
		views := make([]PackView, 0, len(packs))
		for _, p := range packs {
			target := code
			if target == "" {
				target = p.Currency
			}
			price, err := s.converter.Convert(p.Price, p.Currency, target)
			if err != nil {
				return nil, err
			}
			formatted, err := s.converter.Format(price, target)
			if err != nil {
				return nil, err
			}
			views = append(views, PackView{
				CreditPack:      p,
				TotalCredits:    p.TotalCredits(),
				DisplayPrice:    price,
				DisplayCurrency: target,
				FormattedPrice:  formatted,
			})
		}
		return views, nil
	})
}

// Invalidate drops every cached catalog rendering.
func (s *PackService) Invalidate() {
	s.catalog.Invalidate()
}

func (s *PackService) List(ctx context.Context) ([]models.CreditPack, error) {
	return s.packs.List(ctx, false)
}

func (s *PackService) Get(ctx context.Context, id string) (*models.CreditPack, error) {
	p, err := s.packs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPackNotFound
	}
	return p, nil
}

func (s *PackService) checkPack(p *models.CreditPack) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "is required")
	}
	if p.Credits <= 0 {
		return invalid("credits", "must be positive")
	}
	if p.BonusCredits < 0 {
		return invalid("bonus_credits", "must not be negative")
	}
	if p.Price < 0 {
		return invalid("price", "must not be negative")
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if _, err := s.converter.Spec(p.Currency); err != nil {
		return invalid("currency", "unsupported currency")
	}
	if p.TierUnlock != "" {
		t, ok := models.ParseTier(string(p.TierUnlock))
		if !ok {
			return invalid("tier_unlock", "unknown tier")
		}
		p.TierUnlock = t
	}
	return nil
}

func (s *PackService) Create(ctx context.Context, p models.CreditPack) (*models.CreditPack, error) {
	if err := s.checkPack(&p); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.packs.Create(ctx, &p); err != nil {
		return nil, err
	}
	s.Invalidate()
	s.log.Info("credit pack created", "pack_id", p.ID, "name", p.Name)
	return &p, nil
}

// Update edits a pack. Once a purchase references it only the active and
// featured flags may change, so purchase history keeps its meaning.
func (s *PackService) Update(ctx context.Context, id string, p models.CreditPack) (*models.CreditPack, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkPack(&p); err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()

	referenced, err := s.packs.IsReferenced(ctx, id)
	if err != nil {
		return nil, err
	}
	if referenced && !sameTerms(*existing, p) {
		return nil, ErrPackReferenced
	}
	if err := s.packs.Update(ctx, &p); err != nil {
		return nil, err
	}
	s.Invalidate()
	return &p, nil
}

func sameTerms(a, b models.CreditPack) bool {
	return a.Name == b.Name && a.Description == b.Description && a.Credits == b.Credits &&
		a.BonusCredits == b.BonusCredits && a.Price == b.Price && a.Currency == b.Currency &&
		a.TierUnlock == b.TierUnlock
}

func (s *PackService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	referenced, err := s.packs.IsReferenced(ctx, id)
	if err != nil {
		return err
	}
	if referenced {
		return ErrPackReferenced
	}
	if err := s.packs.Delete(ctx, id); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}
