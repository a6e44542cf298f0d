package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/metrics"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/payment"
	"github.com/digkill/promptor/internal/repository"
	"github.com/digkill/promptor/internal/tier"
)

// InlineProvider marks purchases completed without a gateway because nothing
// was left to charge.
const InlineProvider = "none"

type InitiateInput struct {
	UserID    string
	Email     string
	Target    models.PurchaseTarget
	PromoCode string
	Gateway   string
	// Currency is the buyer's preferred charge currency; empty means the list currency.
	Currency string
}

type InitiateResult struct {
	Purchase        *models.CreditPurchase `json:"purchase"`
	FormattedCharge string                 `json:"formatted_charge"`
	RedirectURL     string                 `json:"redirect_url,omitempty"`
	Completed       bool                   `json:"completed"`
}

// Outcome is a gateway's verdict on a purchase.
type Outcome struct {
	Succeeded     bool
	FailureReason string
	ExternalRef   string
}

type ConfirmResult struct {
	Purchase         *models.CreditPurchase `json:"purchase"`
	AlreadyProcessed bool                   `json:"already_processed"`
}

type CheckoutDeps struct {
	DB          *database.DB
	Purchases   *repository.PurchaseRepository
	Packs       *repository.PackRepository
	Users       *repository.UserRepository
	Outbox      *repository.OutboxRepository
	Ledger      *Ledger
	Promos      *PromoService
	Promotions  *PromotionService
	Resolver    *tier.Resolver
	Converter   *currency.Converter
	Pricing     config.Pricing
	Gateways    *payment.Registry
	BaseURL     string
	MaxAttempts int
	Log         *slog.Logger
}

// CheckoutService runs the purchase state machine: pending, then succeeded,
// failed or, for succeeded purchases, refunded.
type CheckoutService struct {
	db          *database.DB
	purchases   *repository.PurchaseRepository
	packs       *repository.PackRepository
	users       *repository.UserRepository
	outbox      *repository.OutboxRepository
	ledger      *Ledger
	promos      *PromoService
	promotions  *PromotionService
	resolver    *tier.Resolver
	converter   *currency.Converter
	pricing     config.Pricing
	gateways    *payment.Registry
	baseURL     string
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

func NewCheckoutService(d CheckoutDeps) *CheckoutService {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	return &CheckoutService{
		db:          d.DB,
		purchases:   d.Purchases,
		packs:       d.Packs,
		users:       d.Users,
		outbox:      d.Outbox,
		ledger:      d.Ledger,
		promos:      d.Promos,
		promotions:  d.Promotions,
		resolver:    d.Resolver,
		converter:   d.Converter,
		pricing:     d.Pricing,
		gateways:    d.Gateways,
		baseURL:     strings.TrimRight(d.BaseURL, "/"),
		maxAttempts: d.MaxAttempts,
		log:         d.Log,
		now:         time.Now,
	}
}

// offer is a purchasable item with its price in list and base currency.
type offer struct {
	name         string
	listPrice    int64
	listCurrency string
	basePrice    int64
	credits      int64
	bonus        int64
	unlock       models.Tier
	priceRef     string
}

func (s *CheckoutService) resolveOffer(ctx context.Context, target models.PurchaseTarget) (*offer, error) {
	var o offer
	switch target.Kind {
	case models.PurchaseKindPack:
		pack, err := s.packs.GetByID(ctx, target.PackID)
		if err != nil {
			return nil, err
		}
		if pack == nil {
			return nil, ErrPackNotFound
		}
		if !pack.IsActive {
			return nil, ErrPackInactive
		}
		o = offer{
			name:         pack.Name,
			listPrice:    pack.Price,
			listCurrency: pack.Currency,
			credits:      pack.Credits,
			bonus:        pack.BonusCredits,
			unlock:       pack.TierUnlock,
		}
	case models.PurchaseKindPlan:
		spec, ok := s.pricing.Plan(string(target.Plan))
		if !ok || target.Plan == models.PlanFree || spec.Price <= 0 {
			return nil, ErrPlanNotPurchasable
		}
		o = offer{
			name:         spec.Name,
			listPrice:    spec.Price,
			listCurrency: spec.Currency,
			credits:      spec.MonthlyCredits,
			priceRef:     spec.StripePriceID,
		}
	default:
		return nil, invalid("kind", "must be pack or plan")
	}

	base, err := s.converter.ToBase(o.listPrice, o.listCurrency)
	if err != nil {
		return nil, err
	}
	o.basePrice = base
	return &o, nil
}

// PreviewPromo validates a code against the target's current base price
// without reserving anything.
func (s *CheckoutService) PreviewPromo(ctx context.Context, userID string, target models.PurchaseTarget, code string) (*PromoValidation, error) {
	o, err := s.resolveOffer(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.promos.Validate(ctx, ValidateInput{
		Code:       code,
		UserID:     userID,
		Target:     target,
		BaseAmount: o.basePrice,
		Now:        s.now().UTC(),
	})
}

// Initiate prices a purchase, records it as pending and returns where to pay.
// A purchase that costs nothing after discounts completes immediately.
func (s *CheckoutService) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	now := s.now().UTC()
	user, err := s.users.Get(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if in.Currency != "" {
		if _, err := s.converter.Spec(in.Currency); err != nil {
			return nil, invalid("currency", "unsupported currency")
		}
	}

	o, err := s.resolveOffer(ctx, in.Target)
	if err != nil {
		return nil, err
	}

	p := &models.CreditPurchase{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Kind:           in.Target.Kind,
		PackID:         in.Target.PackID,
		Plan:           in.Target.Plan,
		OriginalAmount: o.basePrice,
		FinalAmount:    o.basePrice,
		Currency:       s.converter.Base(),
		Credits:        o.credits,
		BonusCredits:   o.bonus,
		TierUnlock:     o.unlock,
		Status:         models.PurchasePending,
		PromotionIDs:   []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Target.Kind == models.PurchaseKindPlan {
		p.PackID = ""
	} else {
		p.Plan = ""
	}

	// An explicit code wins over automatic promotions.
	var couponRef string
	if strings.TrimSpace(in.PromoCode) != "" {
		v, err := s.promos.Validate(ctx, ValidateInput{
			Code:       in.PromoCode,
			UserID:     user.ID,
			Target:     in.Target,
			BaseAmount: o.basePrice,
			Now:        now,
		})
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			return nil, v.Reason
		}
		p.PromoCodeID = v.Promo.ID
		p.DiscountAmount = v.DiscountAmount
		p.FinalAmount = v.FinalAmount
		p.BonusCredits += v.BonusCredits
		couponRef = v.Promo.GatewayCouponRef
	} else {
		applicable, err := s.promotions.ResolveApplicable(ctx, in.Target, now)
		if err != nil {
			return nil, err
		}
		applicable, err = s.promotions.ExcludeExhaustedForUser(ctx, user.ID, applicable)
		if err != nil {
			return nil, err
		}
		outcome := Apply(o.basePrice, Select(applicable))
		p.PromotionIDs = outcome.IDs()
		p.DiscountAmount = outcome.DiscountAmount
		p.FinalAmount = outcome.FinalAmount
		p.BonusCredits += outcome.BonusCredits
	}

	if p.FinalAmount == 0 {
		return s.completeInline(ctx, p)
	}

	gw, err := s.gateways.Get(in.Gateway)
	if err != nil {
		return nil, invalid("gateway", "unsupported payment gateway")
	}
	p.Provider = gw.Name()
	p.ChargeCurrency = gw.ChargeCurrency(strings.ToUpper(in.Currency), o.listCurrency)
	if p.DiscountAmount == 0 && strings.EqualFold(p.ChargeCurrency, o.listCurrency) {
		p.ChargeAmount = o.listPrice
	} else {
		p.ChargeAmount, err = s.converter.Convert(p.FinalAmount, p.Currency, p.ChargeCurrency)
		if err != nil {
			return nil, err
		}
	}

	if err := s.purchases.Create(ctx, p); err != nil {
		return nil, err
	}

	priceRef := ""
	if (p.DiscountAmount == 0 || couponRef != "") && strings.EqualFold(p.ChargeCurrency, o.listCurrency) {
		priceRef = o.priceRef
	}
	session, err := gw.CreateCheckout(ctx, payment.CheckoutRequest{
		PurchaseID:  p.ID,
		UserID:      user.ID,
		Email:       firstNonEmpty(in.Email, user.Email),
		Kind:        p.Kind,
		Description: o.name,
		Amount:      p.ChargeAmount,
		Currency:    p.ChargeCurrency,
		PriceRef:    priceRef,
		CouponRef:   couponRef,
		SuccessURL:  s.returnURL("/checkout/success", p.ID),
		CancelURL:   s.returnURL("/checkout/cancel", p.ID),
		Metadata: map[string]string{
			payment.MetaPurchaseID: p.ID,
			payment.MetaUserID:     user.ID,
		},
	})
	if err != nil {
		s.log.Error("create checkout", "purchase_id", p.ID, "gateway", gw.Name(), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if err := s.purchases.SetExternalRef(ctx, p.ID, gw.Name(), session.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	p.ExternalRef = session.ID
	metrics.CheckoutsTotal.WithLabelValues(gw.Name(), string(p.Kind)).Inc()

	formatted, err := s.converter.Format(p.ChargeAmount, p.ChargeCurrency)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{Purchase: p, FormattedCharge: formatted, RedirectURL: session.RedirectURL}, nil
}

func (s *CheckoutService) completeInline(ctx context.Context, p *models.CreditPurchase) (*InitiateResult, error) {
	p.Provider = InlineProvider
	p.ChargeCurrency = p.Currency
	p.ChargeAmount = 0
	if err := s.purchases.Create(ctx, p); err != nil {
		return nil, err
	}
	metrics.CheckoutsTotal.WithLabelValues(InlineProvider, string(p.Kind)).Inc()

	res, err := s.Confirm(ctx, p.ID, Outcome{Succeeded: true, ExternalRef: "inline-" + p.ID})
	if err != nil {
		return nil, err
	}
	formatted, err := s.converter.Format(0, p.Currency)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		Purchase:        res.Purchase,
		FormattedCharge: formatted,
		Completed:       res.Purchase.Status == models.PurchaseSucceeded,
	}, nil
}

func (s *CheckoutService) returnURL(path, purchaseID string) string {
	return s.baseURL + path + "?purchase_id=" + url.QueryEscape(purchaseID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Confirm applies a gateway outcome. Deliveries for a purchase that is no
// longer pending are acknowledged without any change. Transient store errors
// are retried before giving up; the purchase stays pending until a grant commits.
func (s *CheckoutService) Confirm(ctx context.Context, purchaseID string, out Outcome) (*ConfirmResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res, err := s.confirmOnce(ctx, purchaseID, out)
		if err == nil {
			return res, nil
		}
		var rejection PromoRejection
		if errors.As(err, &rejection) {
			return s.failForExhaustedDiscount(ctx, purchaseID, rejection, out)
		}
		if !database.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("confirm purchase retry", "purchase_id", purchaseID, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("confirm purchase %s: %w", purchaseID, lastErr)
}

func (s *CheckoutService) confirmOnce(ctx context.Context, purchaseID string, out Outcome) (*ConfirmResult, error) {
	var res ConfirmResult
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		purchases := s.purchases.WithTx(tx)
		p, err := purchases.GetForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrPurchaseNotFound
		}
		res.Purchase = p
		if p.Status != models.PurchasePending {
			res.AlreadyProcessed = true
			return nil
		}

		now := s.now().UTC()
		if !out.Succeeded {
			reason := firstNonEmpty(out.FailureReason, "payment_failed")
			if _, err := purchases.Transition(ctx, p.ID, models.PurchasePending, models.PurchaseFailed, reason, out.ExternalRef, now); err != nil {
				return err
			}
			p.Status = models.PurchaseFailed
			p.FailureReason = reason
			return nil
		}
		return s.fulfilTx(ctx, tx, p, out, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyProcessed {
		metrics.PurchasesTotal.WithLabelValues(string(res.Purchase.Status)).Inc()
		if len(res.Purchase.PromotionIDs) > 0 {
			s.promotions.Invalidate()
		}
		s.log.Info("purchase confirmed", "purchase_id", purchaseID, "status", res.Purchase.Status)
	}
	return &res, nil
}

// fulfilTx consumes discounts, grants credits and updates the buyer's plan and
// tier inside the confirming transaction.
func (s *CheckoutService) fulfilTx(ctx context.Context, tx *sql.Tx, p *models.CreditPurchase, out Outcome, now time.Time) error {
	if p.PromoCodeID != "" {
		if err := s.promos.RedeemTx(ctx, tx, p.PromoCodeID, p.UserID, p.ID, now); err != nil {
			return err
		}
	}
	for _, id := range p.PromotionIDs {
		if err := s.promotions.RedeemTx(ctx, tx, id, p.UserID, p.ID, now); err != nil {
			return err
		}
	}

	if granted := p.GrantedCredits(); granted > 0 {
		if _, err := s.ledger.ApplyTx(ctx, tx, p.UserID, granted, models.ReasonPurchase, p.ID); err != nil {
			return err
		}
	}

	users := s.users.WithTx(tx)
	user, err := users.GetForUpdate(ctx, p.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if p.Kind == models.PurchaseKindPlan {
		if err := users.SetPlan(ctx, user.ID, p.Plan, now); err != nil {
			return err
		}
	}
	spend := user.LifetimeSpend + p.FinalAmount
	t, expires := s.resolver.AfterPurchase(*user, spend, p.TierUnlock, now)
	if err := users.UpdateStanding(ctx, user.ID, t, spend, expires, now); err != nil {
		return err
	}

	ok, err := s.purchases.WithTx(tx).Transition(ctx, p.ID, models.PurchasePending, models.PurchaseSucceeded, "", out.ExternalRef, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("purchase %s left pending state during confirmation", p.ID)
	}
	p.Status = models.PurchaseSucceeded
	if out.ExternalRef != "" {
		p.ExternalRef = out.ExternalRef
	}

	outbox := s.outbox.WithTx(tx)
	if _, err := outbox.Enqueue(ctx, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: p.ID}, now); err != nil {
		return err
	}
	notice := fmt.Sprintf("Purchase %s succeeded: user %s, %s %d, %d credits", p.ID, p.UserID, p.Currency, p.FinalAmount, p.GrantedCredits())
	if _, err := outbox.Enqueue(ctx, models.TaskAdminNotify, models.AdminNoticePayload{Text: notice}, now); err != nil {
		return err
	}
	return nil
}

// failForExhaustedDiscount fails a purchase whose discount ran out of
// redemptions before confirmation. Paid purchases are flagged to an admin for
// refund review; free ones collected nothing and just fail.
func (s *CheckoutService) failForExhaustedDiscount(ctx context.Context, purchaseID string, rejection PromoRejection, out Outcome) (*ConfirmResult, error) {
	var res ConfirmResult
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		purchases := s.purchases.WithTx(tx)
		p, err := purchases.GetForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrPurchaseNotFound
		}
		res.Purchase = p
		if p.Status != models.PurchasePending {
			res.AlreadyProcessed = true
			return nil
		}
		now := s.now().UTC()
		if _, err := purchases.Transition(ctx, p.ID, models.PurchasePending, models.PurchaseFailed, string(rejection), out.ExternalRef, now); err != nil {
			return err
		}
		p.Status = models.PurchaseFailed
		p.FailureReason = string(rejection)
		if p.ChargeAmount == 0 {
			return nil
		}
		notice := fmt.Sprintf("Purchase %s was paid but its discount is no longer available (%s). Review for refund: user %s, ref %s",
			p.ID, rejection, p.UserID, firstNonEmpty(out.ExternalRef, p.ExternalRef))
		_, err = s.outbox.WithTx(tx).Enqueue(ctx, models.TaskAdminNotify, models.AdminNoticePayload{Text: notice}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyProcessed {
		metrics.PurchasesTotal.WithLabelValues(string(models.PurchaseFailed)).Inc()
		s.log.Warn("purchase failed at confirmation", "purchase_id", purchaseID, "reason", rejection)
	}
	return &res, nil
}

// Refund reverses a succeeded purchase: its credits are debited, its spend is
// removed from the buyer's lifetime total and a plan purchase drops to FREE.
func (s *CheckoutService) Refund(ctx context.Context, purchaseID string) (*models.CreditPurchase, error) {
	var refunded *models.CreditPurchase
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		purchases := s.purchases.WithTx(tx)
		p, err := purchases.GetForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrPurchaseNotFound
		}
		if p.Status != models.PurchaseSucceeded {
			return ErrPurchaseNotRefundable
		}

		if granted := p.GrantedCredits(); granted > 0 {
			if _, err := s.ledger.ApplyTx(ctx, tx, p.UserID, -granted, models.ReasonRefund, p.ID); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		users := s.users.WithTx(tx)
		user, err := users.GetForUpdate(ctx, p.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}
		spend := max(user.LifetimeSpend-p.FinalAmount, 0)
		t := s.resolver.ForSpend(spend)
		expires := user.TierExpiresAt
		if t == models.TierFree {
			expires = nil
		}
		if err := users.UpdateStanding(ctx, user.ID, t, spend, expires, now); err != nil {
			return err
		}
		if p.Kind == models.PurchaseKindPlan && user.Plan == p.Plan {
			if err := users.SetPlan(ctx, user.ID, models.PlanFree, now); err != nil {
				return err
			}
		}

		if _, err := purchases.Transition(ctx, p.ID, models.PurchaseSucceeded, models.PurchaseRefunded, "", "", now); err != nil {
			return err
		}
		p.Status = models.PurchaseRefunded
		notice := fmt.Sprintf("Purchase %s refunded: user %s, %d credits reversed", p.ID, p.UserID, p.GrantedCredits())
		if _, err := s.outbox.WithTx(tx).Enqueue(ctx, models.TaskAdminNotify, models.AdminNoticePayload{Text: notice}, now); err != nil {
			return err
		}
		refunded = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PurchasesTotal.WithLabelValues(string(models.PurchaseRefunded)).Inc()
	s.log.Info("purchase refunded", "purchase_id", purchaseID)
	return refunded, nil
}

// CancelSubscription returns the user to the FREE plan after the gateway
// reports the subscription ended.
func (s *CheckoutService) CancelSubscription(ctx context.Context, userID string) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.Plan == models.PlanFree {
		return nil
	}
	if err := s.users.SetPlan(ctx, userID, models.PlanFree, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info("subscription canceled", "user_id", userID, "plan", user.Plan)
	return nil
}

func (s *CheckoutService) Get(ctx context.Context, id string) (*models.CreditPurchase, error) {
	p, err := s.purchases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPurchaseNotFound
	}
	return p, nil
}

func (s *CheckoutService) ListForUser(ctx context.Context, userID string, page, limit int) ([]models.CreditPurchase, error) {
	page, limit = normalizePage(page, limit)
	return s.purchases.ListByUser(ctx, userID, limit, (page-1)*limit)
}

func (s *CheckoutService) List(ctx context.Context, status models.PurchaseStatus, page, limit int) ([]models.CreditPurchase, error) {
	page, limit = normalizePage(page, limit)
	return s.purchases.List(ctx, status, limit, (page-1)*limit)
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
