package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/models"
)

type packRequest struct {
	ID           string `json:"id" validate:"max=64"`
	Name         string `json:"name" validate:"required,max=120"`
	Description  string `json:"description" validate:"max=1000"`
	Credits      int64  `json:"credits" validate:"gt=0"`
	BonusCredits int64  `json:"bonus_credits" validate:"gte=0"`
	Price        int64  `json:"price" validate:"gte=0"`
	Currency     string `json:"currency" validate:"required,len=3"`
	TierUnlock   string `json:"tier_unlock" validate:"omitempty,oneof=FREE BRONZE SILVER GOLD PLATINUM"`
	IsActive     *bool  `json:"is_active"`
	IsFeatured   bool   `json:"is_featured"`
}

func (p packRequest) model() models.CreditPack {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return models.CreditPack{
		ID:           p.ID,
		Name:         strings.TrimSpace(p.Name),
		Description:  p.Description,
		Credits:      p.Credits,
		BonusCredits: p.BonusCredits,
		Price:        p.Price,
		Currency:     p.Currency,
		TierUnlock:   models.Tier(p.TierUnlock),
		IsActive:     active,
		IsFeatured:   p.IsFeatured,
	}
}

func (s *Server) handleAdminListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packs)
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.packs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleCreatePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if !s.decode(w, r, &req) {
		return
	}
	pack, err := s.packs.Create(r.Context(), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) handleUpdatePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if !s.decode(w, r, &req) {
		return
	}
	pack, err := s.packs.Update(r.Context(), chi.URLParam(r, "id"), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleDeletePack(w http.ResponseWriter, r *http.Request) {
	if err := s.packs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promoCodeRequest struct {
	Code                  string     `json:"code" validate:"required,max=64"`
	DiscountType          string     `json:"discount_type" validate:"required,oneof=percentage fixed_amount credit_bonus free_credits"`
	DiscountValue         int64      `json:"discount_value" validate:"gte=0"`
	ApplicablePacks       []string   `json:"applicable_packs"`
	ApplicablePlans       []string   `json:"applicable_plans"`
	MaxRedemptions        *int64     `json:"max_redemptions" validate:"omitempty,gte=0"`
	// MaxRedemptionsPerUser defaults to 1; an explicit 0 lifts the limit.
	MaxRedemptionsPerUser *int64     `json:"max_redemptions_per_user" validate:"omitempty,gte=0"`
	FirstTimeOnly         bool       `json:"first_time_only"`
	GatewayCouponRef      string     `json:"gateway_coupon_ref" validate:"max=128"`
	ExpiresAt             *time.Time `json:"expires_at"`
	IsActive              *bool      `json:"is_active"`
}

func (p promoCodeRequest) model() models.PromoCode {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	perUser := int64(1)
	if p.MaxRedemptionsPerUser != nil {
		perUser = *p.MaxRedemptionsPerUser
	}
	return models.PromoCode{
		Code:                  p.Code,
		DiscountType:          models.DiscountType(p.DiscountType),
		DiscountValue:         p.DiscountValue,
		ApplicablePacks:       nonNil(p.ApplicablePacks),
		ApplicablePlans:       plans(p.ApplicablePlans),
		MaxRedemptions:        p.MaxRedemptions,
		MaxRedemptionsPerUser: perUser,
		FirstTimeOnly:         p.FirstTimeOnly,
		GatewayCouponRef:      p.GatewayCouponRef,
		ExpiresAt:             p.ExpiresAt,
		IsActive:              active,
	}
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.promos.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promos)
}

func (s *Server) handleGetPromo(w http.ResponseWriter, r *http.Request) {
	promo, err := s.promos.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoCodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	promo, err := s.promos.Create(r.Context(), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleUpdatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoCodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	promo, err := s.promos.Update(r.Context(), chi.URLParam(r, "id"), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	if err := s.promos.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promotionRequest struct {
	Name                  string    `json:"name" validate:"required,max=120"`
	DiscountType          string    `json:"discount_type" validate:"required,oneof=percentage fixed_amount credit_bonus free_credits"`
	DiscountValue         int64     `json:"discount_value" validate:"gte=0"`
	AllPacks              bool      `json:"all_packs"`
	PackIDs               []string  `json:"pack_ids"`
	AllPlans              bool      `json:"all_plans"`
	Plans                 []string  `json:"plans"`
	StartsAt              time.Time `json:"starts_at" validate:"required"`
	EndsAt                time.Time `json:"ends_at" validate:"required,gtefield=StartsAt"`
	MaxRedemptions        *int64    `json:"max_redemptions" validate:"omitempty,gte=0"`
	MaxRedemptionsPerUser *int64    `json:"max_redemptions_per_user" validate:"omitempty,gte=0"`
	Stackable             bool      `json:"stackable"`
	Priority              int       `json:"priority"`
	IsActive              *bool     `json:"is_active"`
}

func (p promotionRequest) model() models.Promotion {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return models.Promotion{
		Name:                  strings.TrimSpace(p.Name),
		DiscountType:          models.DiscountType(p.DiscountType),
		DiscountValue:         p.DiscountValue,
		AllPacks:              p.AllPacks,
		PackIDs:               nonNil(p.PackIDs),
		AllPlans:              p.AllPlans,
		Plans:                 plans(p.Plans),
		StartsAt:              p.StartsAt.UTC(),
		EndsAt:                p.EndsAt.UTC(),
		MaxRedemptions:        p.MaxRedemptions,
		MaxRedemptionsPerUser: p.MaxRedemptionsPerUser,
		Stackable:             p.Stackable,
		Priority:              p.Priority,
		IsActive:              active,
	}
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	list, err := s.promotions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	p, err := s.promotions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.promotions.Create(r.Context(), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.promotions.Update(r.Context(), chi.URLParam(r, "id"), req.model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePromotion(w http.ResponseWriter, r *http.Request) {
	if err := s.promotions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListPurchases(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	status := models.PurchaseStatus(strings.ToLower(r.URL.Query().Get("status")))
	list, err := s.checkout.List(r.Context(), status, page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, err := s.checkout.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("purchase refunded by admin", "purchase_id", p.ID, "admin", identity(r).Email)
	s.writeJSON(w, http.StatusOK, p)
}

type giftRequest struct {
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reference string `json:"reference" validate:"max=64"`
}

// handleGift grants free credits. Repeating a request with the same reference
// returns the original transaction.
func (s *Server) handleGift(w http.ResponseWriter, r *http.Request) {
	var req giftRequest
	if !s.decode(w, r, &req) {
		return
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = uuid.NewString()
	}
	userID := chi.URLParam(r, "id")
	txn, err := s.ledger.Gift(r.Context(), userID, req.Amount, reference)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("credits gifted", "user_id", userID, "amount", req.Amount, "admin", identity(r).Email)
	s.writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, _ *http.Request) {
	s.packs.Invalidate()
	s.promotions.Invalidate()
	s.writeJSON(w, http.StatusOK, map[string]bool{"invalidated": true})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func plans(values []string) []models.Plan {
	out := make([]models.Plan, 0, len(values))
	for _, v := range values {
		if p, ok := models.ParsePlan(v); ok {
			out = append(out, p)
			continue
		}
		out = append(out, models.Plan(v))
	}
	return out
}
