package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/cache"
	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/database/databasetest"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/payment"
	"github.com/digkill/promptor/internal/repository"
	"github.com/digkill/promptor/internal/tier"
)

type fakeGateway struct {
	name string
	err  error

	mu       sync.Mutex
	requests []payment.CheckoutRequest
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) ChargeCurrency(preferred, list string) string {
	if preferred != "" {
		return preferred
	}
	return list
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &payment.CheckoutSession{
		ID:          fmt.Sprintf("cs_%d", len(g.requests)),
		RedirectURL: "https://pay.example.test/" + req.PurchaseID,
	}, nil
}

func (g *fakeGateway) last() payment.CheckoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type testEnv struct {
	db         *database.DB
	now        time.Time
	users      *repository.UserRepository
	purchases  *repository.PurchaseRepository
	outbox     *repository.OutboxRepository
	ledger     *Ledger
	userSvc    *UserService
	packs      *PackService
	promos     *PromoService
	promotions *PromotionService
	checkout   *CheckoutService
	gateway    *fakeGateway
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := databasetest.New(t)
	log := discardLogger()
	pricing := config.DefaultPricing()

	conv, err := currency.FromPricing(pricing)
	require.NoError(t, err)
	resolver, err := tier.FromPricing(pricing)
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		users:     repository.NewUserRepository(db),
		purchases: repository.NewPurchaseRepository(db),
		outbox:    repository.NewOutboxRepository(db),
		gateway:   &fakeGateway{name: "stripe"},
	}
	clock := func() time.Time { return env.now }

	redemptions := repository.NewRedemptionRepository(db)
	env.ledger = NewLedger(db, env.users, repository.NewTransactionRepository(db), log)
	env.ledger.now = clock
	env.userSvc = NewUserService(env.users, env.ledger, resolver, log)
	env.userSvc.now = clock
	env.packs = NewPackService(repository.NewPackRepository(db), pricing.Plans, conv, cache.New[string, []PackView](time.Minute), log)
	env.packs.now = clock
	env.promos = NewPromoService(repository.NewPromoRepository(db), env.purchases, redemptions, log)
	env.promos.now = clock
	env.promotions = NewPromotionService(repository.NewPromotionRepository(db), redemptions, cache.New[string, []models.Promotion](time.Minute), log)
	env.promotions.now = clock
	env.checkout = NewCheckoutService(CheckoutDeps{
		DB:         db,
		Purchases:  env.purchases,
		Packs:      repository.NewPackRepository(db),
		Users:      env.users,
		Outbox:     env.outbox,
		Ledger:     env.ledger,
		Promos:     env.promos,
		Promotions: env.promotions,
		Resolver:   resolver,
		Converter:  conv,
		Pricing:    pricing,
		Gateways:   payment.NewRegistry("stripe", env.gateway),
		BaseURL:    "https://promptor.test/",
		Log:        log,
	})
	env.checkout.now = clock
	return env
}

func (e *testEnv) user(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := e.userSvc.Ensure(context.Background(), id, id+"@example.test")
	require.NoError(t, err)
	return u
}

func (e *testEnv) pack(t *testing.T, id string, price, credits, bonus int64) *models.CreditPack {
	t.Helper()
	p, err := e.packs.Create(context.Background(), models.CreditPack{
		ID:           id,
		Name:         "Pack " + id,
		Credits:      credits,
		BonusCredits: bonus,
		Price:        price,
		Currency:     "XOF",
		IsActive:     true,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) promo(t *testing.T, p models.PromoCode) *models.PromoCode {
	t.Helper()
	p.IsActive = true
	created, err := e.promos.Create(context.Background(), p)
	require.NoError(t, err)
	return created
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Balance
}

func packTarget(id string) models.PurchaseTarget {
	return models.PurchaseTarget{Kind: models.PurchaseKindPack, PackID: id}
}

func int64Ptr(v int64) *int64 { return &v }
