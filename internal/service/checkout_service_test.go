package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/payment"
)

func TestCheckoutInitiateCreatesPendingPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "starter", 5000, 100, 10)
	env.promo(t, models.PromoCode{Code: "WELCOME20", DiscountType: models.DiscountPercentage, DiscountValue: 20, FirstTimeOnly: true})

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("starter"), PromoCode: "welcome20"})
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, "https://pay.example.test/"+res.Purchase.ID, res.RedirectURL)

	p, err := env.checkout.Get(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, p.Status)
	assert.Equal(t, int64(5000), p.OriginalAmount)
	assert.Equal(t, int64(1000), p.DiscountAmount)
	assert.Equal(t, int64(4000), p.FinalAmount)
	assert.Equal(t, int64(4000), p.ChargeAmount)
	assert.Equal(t, "XOF", p.ChargeCurrency)
	assert.Equal(t, "stripe", p.Provider)
	assert.Equal(t, "cs_1", p.ExternalRef)
	assert.NotEmpty(t, p.PromoCodeID)

	req := env.gateway.last()
	assert.Equal(t, p.ID, req.Metadata[payment.MetaPurchaseID])
	assert.Equal(t, "u1", req.Metadata[payment.MetaUserID])
	assert.Equal(t, "https://promptor.test/checkout/success?purchase_id="+p.ID, req.SuccessURL)
	assert.Equal(t, "u1@example.test", req.Email)

	// no credits until the gateway confirms
	assert.Zero(t, env.balance(t, "u1"))
}

func TestCheckoutChargesInPreferredCurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 6560, 100, 0)

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1"), Currency: "eur"})
	require.NoError(t, err)
	assert.Equal(t, "EUR", res.Purchase.ChargeCurrency)
	assert.Equal(t, int64(1000), res.Purchase.ChargeAmount)
	assert.Equal(t, "10,00 €", res.FormattedCharge)

	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1"), Currency: "GBP"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCheckoutRejectsInvalidTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	inactive := env.pack(t, "old", 1000, 10, 0)
	inactive.IsActive = false
	_, err := env.packs.Update(ctx, inactive.ID, *inactive)
	require.NoError(t, err)

	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("missing")})
	assert.ErrorIs(t, err, ErrPackNotFound)
	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("old")})
	assert.ErrorIs(t, err, ErrPackInactive)
	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: models.PurchaseTarget{Kind: models.PurchaseKindPlan, Plan: models.PlanFree}})
	assert.ErrorIs(t, err, ErrPlanNotPurchasable)
	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "ghost", Target: packTarget("old")})
	assert.ErrorIs(t, err, ErrUserNotFound)

	env.pack(t, "p1", 1000, 10, 0)
	_, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1"), PromoCode: "NOPE"})
	var rejection PromoRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, RejectCodeNotFound, rejection)
}

func TestCheckoutGatewayFailureLeavesPurchasePending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 1000, 10, 0)
	env.gateway.err = errors.New("timeout")

	_, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	list, err := env.checkout.ListForUser(ctx, "u1", 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.PurchasePending, list[0].Status)
	assert.Zero(t, env.balance(t, "u1"))
}

func TestCheckoutFreeCreditsCompletesInline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 5000, 100, 10)
	env.promo(t, models.PromoCode{Code: "GIFT50", DiscountType: models.DiscountFreeCredits, DiscountValue: 50})

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1"), PromoCode: "GIFT50"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Empty(t, res.RedirectURL)
	assert.Zero(t, res.Purchase.FinalAmount)
	assert.Equal(t, InlineProvider, res.Purchase.Provider)
	assert.Equal(t, models.PurchaseSucceeded, res.Purchase.Status)
	assert.Equal(t, int64(160), env.balance(t, "u1"))
	assert.Empty(t, env.gateway.requests)
}

func TestCheckoutConfirmIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 12000, 100, 20)

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)

	first, err := env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true, ExternalRef: "pi_1"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)
	assert.Equal(t, models.PurchaseSucceeded, first.Purchase.Status)

	second, err := env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true, ExternalRef: "pi_1"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)

	// a late failure notice does not undo the success
	third, err := env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: false})
	require.NoError(t, err)
	assert.True(t, third.AlreadyProcessed)
	assert.Equal(t, models.PurchaseSucceeded, third.Purchase.Status)

	assert.Equal(t, int64(120), env.balance(t, "u1"))

	u, err := env.userSvc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), u.LifetimeSpend)
	assert.Equal(t, models.TierBronze, u.Tier)
	require.NotNil(t, u.TierExpiresAt)
	assert.True(t, u.TierExpiresAt.Equal(env.now.Add(365*24*time.Hour)))

	tasks, err := env.outbox.ListByKind(ctx, models.TaskPurchaseReceipt)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCheckoutConcurrentConfirmGrantsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 1000, 40, 0)
	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), env.balance(t, "u1"))
}

func TestCheckoutConfirmFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 1000, 40, 0)
	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)

	out, err := env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: false, FailureReason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, out.Purchase.Status)
	assert.Equal(t, "card_declined", out.Purchase.FailureReason)
	assert.Zero(t, env.balance(t, "u1"))

	_, err = env.checkout.Confirm(ctx, "missing", Outcome{Succeeded: true})
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestCheckoutPromoCapUnderConcurrentPurchases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.user(t, "u2")
	env.pack(t, "p1", 1000, 10, 0)
	env.promo(t, models.PromoCode{Code: "ONLYONE", DiscountType: models.DiscountFixedAmount, DiscountValue: 100, MaxRedemptions: int64Ptr(1)})

	var ids []string
	for _, u := range []string{"u1", "u2"} {
		res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: u, Target: packTarget("p1"), PromoCode: "ONLYONE"})
		require.NoError(t, err)
		ids = append(ids, res.Purchase.ID)
	}

	var wg sync.WaitGroup
	results := make([]*ConfirmResult, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := env.checkout.Confirm(ctx, id, Outcome{Succeeded: true})
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	var succeeded, failed int
	for _, r := range results {
		require.NotNil(t, r)
		switch r.Purchase.Status {
		case models.PurchaseSucceeded:
			succeeded++
		case models.PurchaseFailed:
			failed++
			assert.Equal(t, string(RejectRedemptionLimitReached), r.Purchase.FailureReason)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(10), env.balance(t, "u1")+env.balance(t, "u2"))

	notices, err := env.outbox.ListByKind(ctx, models.TaskAdminNotify)
	require.NoError(t, err)
	assert.Len(t, notices, 2)
}

func TestCheckoutFreePurchaseLosingPromoCapNeedsNoRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.user(t, "u2")
	env.pack(t, "p1", 5000, 100, 0)
	code := env.promo(t, models.PromoCode{Code: "ALLFREE", DiscountType: models.DiscountPercentage, DiscountValue: 100, MaxRedemptions: int64Ptr(1)})

	// u2 priced the free checkout before u1 used up the only redemption.
	pending := &models.CreditPurchase{
		ID:             "free-u2",
		UserID:         "u2",
		Kind:           models.PurchaseKindPack,
		PackID:         "p1",
		OriginalAmount: 5000,
		DiscountAmount: 5000,
		Currency:       "XOF",
		ChargeCurrency: "XOF",
		Credits:        100,
		Status:         models.PurchasePending,
		PromoCodeID:    code.ID,
		Provider:       InlineProvider,
		CreatedAt:      env.now,
		UpdatedAt:      env.now,
	}
	require.NoError(t, env.purchases.Create(ctx, pending))

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1"), PromoCode: "ALLFREE"})
	require.NoError(t, err)
	require.True(t, res.Completed)

	confirmed, err := env.checkout.Confirm(ctx, "free-u2", Outcome{Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, confirmed.Purchase.Status)
	assert.Equal(t, string(RejectRedemptionLimitReached), confirmed.Purchase.FailureReason)
	assert.Zero(t, env.balance(t, "u2"))

	notices, err := env.outbox.ListByKind(ctx, models.TaskAdminNotify)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.NotContains(t, string(notices[0].Payload), "Review for refund")
}

func TestCheckoutAutomaticPromotion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 10000, 100, 0)
	_, err := env.promotions.Create(ctx, models.Promotion{
		Name: "launch", DiscountType: models.DiscountPercentage, DiscountValue: 25, AllPacks: true,
		StartsAt: env.now.Add(-time.Hour), EndsAt: env.now.Add(time.Hour), IsActive: true,
		MaxRedemptionsPerUser: int64Ptr(1),
	})
	require.NoError(t, err)

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)
	assert.Equal(t, int64(7500), res.Purchase.FinalAmount)
	require.Len(t, res.Purchase.PromotionIDs, 1)
	_, err = env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
	require.NoError(t, err)

	// per-user cap used up: full price next time
	res, err = env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Purchase.FinalAmount)
	assert.Empty(t, res.Purchase.PromotionIDs)
}

func TestCheckoutPlanPurchaseAndCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: models.PurchaseTarget{Kind: models.PurchaseKindPlan, Plan: models.PlanPro}})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), res.Purchase.FinalAmount)
	assert.Equal(t, models.PurchaseKindPlan, env.gateway.last().Kind)

	_, err = env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
	require.NoError(t, err)

	u, err := env.userSvc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, u.Plan)
	assert.Equal(t, int64(600), u.CreditBalance)

	require.NoError(t, env.checkout.CancelSubscription(ctx, "u1"))
	u, err = env.userSvc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, u.Plan)
	assert.Equal(t, int64(600), u.CreditBalance)
}

func TestCheckoutTierUnlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	p := env.pack(t, "vip", 2000, 10, 0)
	p.TierUnlock = models.TierGold
	// not referenced yet, so terms may still change
	_, err := env.packs.Update(ctx, p.ID, *p)
	require.NoError(t, err)

	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("vip")})
	require.NoError(t, err)
	_, err = env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
	require.NoError(t, err)

	overview, err := env.userSvc.Overview(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierGold, overview.Tier.Current)
	assert.Equal(t, int64(2000), overview.User.LifetimeSpend)

	// after decay the unlock no longer applies
	env.now = env.now.Add(366 * 24 * time.Hour)
	overview, err = env.userSvc.Overview(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, overview.Tier.Current)
}

func TestCheckoutRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 12000, 100, 0)
	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)

	_, err = env.checkout.Refund(ctx, res.Purchase.ID)
	require.ErrorIs(t, err, ErrPurchaseNotRefundable)

	_, err = env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
	require.NoError(t, err)

	refunded, err := env.checkout.Refund(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, refunded.Status)
	assert.Zero(t, env.balance(t, "u1"))

	u, err := env.userSvc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, u.LifetimeSpend)
	assert.Equal(t, models.TierFree, u.Tier)

	b, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.TotalRefunded)

	_, err = env.checkout.Refund(ctx, res.Purchase.ID)
	require.ErrorIs(t, err, ErrPurchaseNotRefundable)

	// a referenced pack keeps its terms and cannot be deleted
	require.ErrorIs(t, env.packs.Delete(ctx, "p1"), ErrPackReferenced)
}

func TestCheckoutRefundNeedsCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.pack(t, "p1", 1000, 10, 0)
	res, err := env.checkout.Initiate(ctx, InitiateInput{UserID: "u1", Target: packTarget("p1")})
	require.NoError(t, err)
	_, err = env.checkout.Confirm(ctx, res.Purchase.ID, Outcome{Succeeded: true})
	require.NoError(t, err)
	_, err = env.ledger.Debit(ctx, "u1", 5, models.ReasonGeneration, "r1")
	require.NoError(t, err)

	_, err = env.checkout.Refund(ctx, res.Purchase.ID)
	require.ErrorIs(t, err, ErrInsufficientCredits)
	p, err := env.checkout.Get(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseSucceeded, p.Status)
}
