package service

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/cache"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
)

const activePromotionsKey = "active"

// PromotionService manages automatic, time-boxed discounts.
type PromotionService struct {
	promotions  *repository.PromotionRepository
	redemptions *repository.RedemptionRepository
	active      *cache.TTL[string, []models.Promotion]
	log         *slog.Logger
	now         func() time.Time
}

func NewPromotionService(promotions *repository.PromotionRepository, redemptions *repository.RedemptionRepository, active *cache.TTL[string, []models.Promotion], log *slog.Logger) *PromotionService {
	return &PromotionService{promotions: promotions, redemptions: redemptions, active: active, log: log, now: time.Now}
}

// PromotionOutcome is the effect of the selected promotions on a base amount.
type PromotionOutcome struct {
	Applied        []models.Promotion
	FinalAmount    int64
	DiscountAmount int64
	BonusCredits   int64
}

func (o PromotionOutcome) IDs() []string {
	ids := make([]string, 0, len(o.Applied))
	for _, p := range o.Applied {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *PromotionService) loadActive(ctx context.Context) ([]models.Promotion, error) {
	return s.active.Get(ctx, activePromotionsKey, func(ctx context.Context) ([]models.Promotion, error) {
		return s.promotions.List(ctx, true)
	})
}

// Invalidate drops the cached active list.
func (s *PromotionService) Invalidate() {
	s.active.Invalidate()
}

func promotionApplies(p models.Promotion, target models.PurchaseTarget) bool {
	switch target.Kind {
	case models.PurchaseKindPack:
		if p.AllPacks {
			return true
		}
	case models.PurchaseKindPlan:
		if p.AllPlans {
			return true
		}
	}
	return containsTarget(p.PackIDs, p.Plans, target)
}

// ResolveApplicable returns the promotions live at now for target, highest
// priority first with ties going to the newest.
func (s *PromotionService) ResolveApplicable(ctx context.Context, target models.PurchaseTarget, now time.Time) ([]models.Promotion, error) {
	all, err := s.loadActive(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.Promotion{}
	for _, p := range all {
		if !p.IsActive || now.Before(p.StartsAt) || now.After(p.EndsAt) {
			continue
		}
		if p.MaxRedemptions != nil && p.Redemptions >= *p.MaxRedemptions {
			continue
		}
		if promotionApplies(p, target) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ResolveActive returns the single best promotion for target, or nil.
func (s *PromotionService) ResolveActive(ctx context.Context, target models.PurchaseTarget, now time.Time) (*models.Promotion, error) {
	list, err := s.ResolveApplicable(ctx, target, now)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ExcludeExhaustedForUser drops promotions the user already used up.
func (s *PromotionService) ExcludeExhaustedForUser(ctx context.Context, userID string, list []models.Promotion) ([]models.Promotion, error) {
	out := list[:0:0]
	for _, p := range list {
		if p.MaxRedemptionsPerUser != nil && *p.MaxRedemptionsPerUser > 0 {
			used, err := s.redemptions.CountForUser(ctx, models.RedemptionPromotion, p.ID, userID)
			if err != nil {
				return nil, err
			}
			if used >= *p.MaxRedemptionsPerUser {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Select picks at most one non-stackable and one stackable promotion from an
// ordered applicable list, keeping their resolved order.
func Select(applicable []models.Promotion) []models.Promotion {
	var out []models.Promotion
	var haveExclusive, haveStackable bool
	for _, p := range applicable {
		switch {
		case p.Stackable && !haveStackable:
			haveStackable = true
		case !p.Stackable && !haveExclusive:
			haveExclusive = true
		default:
			continue
		}
		out = append(out, p)
	}
	return out
}

// Apply composes the selected discounts multiplicatively: each one applies to
// the amount left by the previous one.
func Apply(base int64, selected []models.Promotion) PromotionOutcome {
	amount := base
	var bonus int64
	for _, p := range selected {
		var b int64
		amount, b = applyDiscount(amount, p.DiscountType, p.DiscountValue)
		bonus += b
	}
	return PromotionOutcome{
		Applied:        selected,
		FinalAmount:    amount,
		DiscountAmount: base - amount,
		BonusCredits:   bonus,
	}
}

// RedeemTx consumes one use of a promotion for a purchase.
func (s *PromotionService) RedeemTx(ctx context.Context, tx *sql.Tx, promotionID, userID, purchaseID string, now time.Time) error {
	promotions := s.promotions.WithTx(tx)
	ok, err := promotions.IncrementUsage(ctx, promotionID, now)
	if err != nil {
		return err
	}
	if !ok {
		return RejectRedemptionLimitReached
	}

	p, err := promotions.GetByID(ctx, promotionID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPromotionNotFound
	}
	redemptions := s.redemptions.WithTx(tx)
	if p.MaxRedemptionsPerUser != nil && *p.MaxRedemptionsPerUser > 0 {
		used, err := redemptions.CountForUser(ctx, models.RedemptionPromotion, promotionID, userID)
		if err != nil {
			return err
		}
		if used >= *p.MaxRedemptionsPerUser {
			return RejectUserLimitReached
		}
	}
	return redemptions.Record(ctx, models.RedemptionPromotion, promotionID, userID, purchaseID, now)
}

func (s *PromotionService) List(ctx context.Context) ([]models.Promotion, error) {
	return s.promotions.List(ctx, false)
}

func (s *PromotionService) Get(ctx context.Context, id string) (*models.Promotion, error) {
	p, err := s.promotions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPromotionNotFound
	}
	return p, nil
}

func checkPromotion(p *models.Promotion) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "is required")
	}
	if err := validateDiscount(p.DiscountType, p.DiscountValue); err != nil {
		return err
	}
	if p.StartsAt.IsZero() || p.EndsAt.IsZero() {
		return invalid("starts_at", "start and end dates are required")
	}
	if p.EndsAt.Before(p.StartsAt) {
		return invalid("ends_at", "must not be before starts_at")
	}
	if p.MaxRedemptions != nil && *p.MaxRedemptions < 0 {
		return invalid("max_redemptions", "must not be negative")
	}
	if p.MaxRedemptionsPerUser != nil && *p.MaxRedemptionsPerUser < 0 {
		return invalid("max_redemptions_per_user", "must not be negative")
	}
	for _, plan := range p.Plans {
		if _, ok := models.ParsePlan(string(plan)); !ok {
			return invalid("plans", "unknown plan "+string(plan))
		}
	}
	return nil
}

func (s *PromotionService) Create(ctx context.Context, p models.Promotion) (*models.Promotion, error) {
	if err := checkPromotion(&p); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.Redemptions = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.promotions.Create(ctx, &p); err != nil {
		return nil, err
	}
	s.Invalidate()
	s.log.Info("promotion created", "promotion_id", p.ID, "name", p.Name)
	return &p, nil
}

func (s *PromotionService) Update(ctx context.Context, id string, p models.Promotion) (*models.Promotion, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPromotion(&p); err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.Redemptions = existing.Redemptions
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	if err := s.promotions.Update(ctx, &p); err != nil {
		return nil, err
	}
	s.Invalidate()
	return &p, nil
}

func (s *PromotionService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.promotions.Delete(ctx, id); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}
