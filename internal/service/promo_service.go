package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
)

type ValidateInput struct {
	Code       string
	UserID     string
	Target     models.PurchaseTarget
	BaseAmount int64
	Now        time.Time
}

// PromoValidation is the preview of a promo code against a purchase. Amounts
// are in the base currency.
type PromoValidation struct {
	Valid          bool                `json:"valid"`
	Reason         PromoRejection      `json:"reason,omitempty"`
	Message        string              `json:"message,omitempty"`
	Code           string              `json:"code"`
	DiscountType   models.DiscountType `json:"discount_type,omitempty"`
	DiscountAmount int64               `json:"discount_amount"`
	FinalAmount    int64               `json:"final_amount"`
	BonusCredits   int64               `json:"bonus_credits"`

	Promo *models.PromoCode `json:"-"`
}

type PromoService struct {
	promos      *repository.PromoRepository
	purchases   *repository.PurchaseRepository
	redemptions *repository.RedemptionRepository
	log         *slog.Logger
	now         func() time.Time
}

func NewPromoService(promos *repository.PromoRepository, purchases *repository.PurchaseRepository, redemptions *repository.RedemptionRepository, log *slog.Logger) *PromoService {
	return &PromoService{promos: promos, purchases: purchases, redemptions: redemptions, log: log, now: time.Now}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func rejected(in ValidateInput, reason PromoRejection) *PromoValidation {
	return &PromoValidation{
		Reason:      reason,
		Message:     reason.Message(),
		Code:        normalizeCode(in.Code),
		FinalAmount: in.BaseAmount,
	}
}

// Validate checks a code against a purchase without consuming it. Checks stop
// at the first failure, in this order: existence, expiry, applicability,
// first purchase, global cap, per-user cap. A rejection is a result, not an error.
func (s *PromoService) Validate(ctx context.Context, in ValidateInput) (*PromoValidation, error) {
	if in.Now.IsZero() {
		in.Now = s.now()
	}
	if in.BaseAmount < 0 {
		return nil, ErrInvalidAmount
	}

	promo, err := s.promos.GetByCode(ctx, normalizeCode(in.Code))
	if err != nil {
		return nil, err
	}
	if promo == nil || !promo.IsActive {
		return rejected(in, RejectCodeNotFound), nil
	}
	if promo.ExpiresAt != nil && !in.Now.Before(*promo.ExpiresAt) {
		return rejected(in, RejectCodeExpired), nil
	}
	if !promo.Unrestricted() && !containsTarget(promo.ApplicablePacks, promo.ApplicablePlans, in.Target) {
		return rejected(in, RejectNotApplicable), nil
	}
	if promo.FirstTimeOnly {
		bought, err := s.purchases.HasSucceeded(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		if bought {
			return rejected(in, RejectNotFirstTime), nil
		}
	}
	if promo.MaxRedemptions != nil && promo.Redemptions >= *promo.MaxRedemptions {
		return rejected(in, RejectRedemptionLimitReached), nil
	}
	if promo.MaxRedemptionsPerUser > 0 {
		used, err := s.redemptions.CountForUser(ctx, models.RedemptionPromoCode, promo.ID, in.UserID)
		if err != nil {
			return nil, err
		}
		if used >= promo.MaxRedemptionsPerUser {
			return rejected(in, RejectUserLimitReached), nil
		}
	}

	final, bonus := applyDiscount(in.BaseAmount, promo.DiscountType, promo.DiscountValue)
	return &PromoValidation{
		Valid:          true,
		Code:           promo.Code,
		DiscountType:   promo.DiscountType,
		DiscountAmount: in.BaseAmount - final,
		FinalAmount:    final,
		BonusCredits:   bonus,
		Promo:          promo,
	}, nil
}

// RedeemTx consumes one use of the code for a purchase. The global cap is
// enforced by a conditional update so concurrent confirmations cannot overshoot it.
func (s *PromoService) RedeemTx(ctx context.Context, tx *sql.Tx, promoID, userID, purchaseID string, now time.Time) error {
	promos := s.promos.WithTx(tx)
	ok, err := promos.IncrementUsage(ctx, promoID, now)
	if err != nil {
		return err
	}
	if !ok {
		return RejectRedemptionLimitReached
	}

	promo, err := promos.GetByID(ctx, promoID)
	if err != nil {
		return err
	}
	if promo == nil {
		return RejectCodeNotFound
	}
	redemptions := s.redemptions.WithTx(tx)
	if promo.MaxRedemptionsPerUser > 0 {
		used, err := redemptions.CountForUser(ctx, models.RedemptionPromoCode, promoID, userID)
		if err != nil {
			return err
		}
		if used >= promo.MaxRedemptionsPerUser {
			return RejectUserLimitReached
		}
	}
	return redemptions.Record(ctx, models.RedemptionPromoCode, promoID, userID, purchaseID, now)
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Get(ctx context.Context, id string) (*models.PromoCode, error) {
	p, err := s.promos.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPromoNotFound
	}
	return p, nil
}

func checkPromo(p *models.PromoCode) error {
	if normalizeCode(p.Code) == "" {
		return invalid("code", "is required")
	}
	if err := validateDiscount(p.DiscountType, p.DiscountValue); err != nil {
		return err
	}
	if p.MaxRedemptions != nil && *p.MaxRedemptions < 0 {
		return invalid("max_redemptions", "must not be negative")
	}
	if p.MaxRedemptionsPerUser < 0 {
		return invalid("max_redemptions_per_user", "must not be negative")
	}
	for _, plan := range p.ApplicablePlans {
		if _, ok := models.ParsePlan(string(plan)); !ok {
			return invalid("applicable_plans", fmt.Sprintf("unknown plan %q", plan))
		}
	}
	return nil
}

func (s *PromoService) Create(ctx context.Context, p models.PromoCode) (*models.PromoCode, error) {
	if err := checkPromo(&p); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.Code = strings.TrimSpace(p.Code)
	p.Redemptions = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.promos.Create(ctx, &p, normalizeCode(p.Code)); err != nil {
		if database.IsDuplicate(err) {
			return nil, ErrPromoCodeExists
		}
		return nil, err
	}
	s.log.Info("promo code created", "promo_id", p.ID, "code", p.Code)
	return &p, nil
}

// Update replaces the editable fields of a code. Its redemption count is kept.
func (s *PromoService) Update(ctx context.Context, id string, p models.PromoCode) (*models.PromoCode, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPromo(&p); err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.Code = strings.TrimSpace(p.Code)
	p.Redemptions = existing.Redemptions
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	if err := s.promos.Update(ctx, &p, normalizeCode(p.Code)); err != nil {
		if database.IsDuplicate(err) {
			return nil, ErrPromoCodeExists
		}
		return nil, err
	}
	return &p, nil
}

func (s *PromoService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.promos.Delete(ctx, id)
}
