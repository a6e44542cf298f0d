package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/database/databasetest"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/notify"
	"github.com/digkill/promptor/internal/repository"
)

type recordingMailer struct {
	sent []notify.Email
	err  error
}

func (m *recordingMailer) Send(_ context.Context, e notify.Email) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

type fakeStore struct {
	keys []string
	err  error
}

func (s *fakeStore) PutReceipt(_ context.Context, purchaseID string, _ time.Time, pdf []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, purchaseID)
	return "https://cdn.example.test/receipts/" + purchaseID + ".pdf", nil
}

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func taskFor(t *testing.T, kind string, payload any) models.OutboxTask {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.OutboxTask{ID: "task", Kind: kind, Payload: data}
}

func newReceiptHandler(t *testing.T) (*ReceiptHandler, *recordingMailer) {
	t.Helper()
	db := databasetest.New(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pricing := config.DefaultPricing()
	conv, err := currency.FromPricing(pricing)
	require.NoError(t, err)

	users := repository.NewUserRepository(db)
	packs := repository.NewPackRepository(db)
	purchases := repository.NewPurchaseRepository(db)

	require.NoError(t, users.Create(ctx, &models.User{
		ID: "u1", Email: "buyer@example.test", Plan: models.PlanFree, Tier: models.TierFree, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, users.Create(ctx, &models.User{
		ID: "u2", Plan: models.PlanFree, Tier: models.TierFree, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, packs.Create(ctx, &models.CreditPack{
		ID: "starter", Name: "Starter pack", Credits: 100, Price: 5000, Currency: "XOF", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	for _, p := range []models.CreditPurchase{
		{ID: "p1", UserID: "u1", Kind: models.PurchaseKindPack, PackID: "starter", OriginalAmount: 5000, DiscountAmount: 1000,
			FinalAmount: 4000, Currency: "XOF", ChargeAmount: 610, ChargeCurrency: "EUR", Credits: 100, BonusCredits: 10,
			Status: models.PurchaseSucceeded, Provider: "stripe", ExternalRef: "pi_1", PromotionIDs: []string{}},
		{ID: "p2", UserID: "u2", Kind: models.PurchaseKindPlan, Plan: models.PlanPro, OriginalAmount: 9000, FinalAmount: 9000,
			Currency: "XOF", ChargeAmount: 9000, ChargeCurrency: "XOF", Credits: 600, Status: models.PurchaseSucceeded,
			Provider: "stripe", PromotionIDs: []string{}},
	} {
		p.CreatedAt, p.UpdatedAt = now, now
		require.NoError(t, purchases.Create(ctx, &p))
	}

	mailer := &recordingMailer{}
	return &ReceiptHandler{
		Purchases: purchases,
		Users:     users,
		Packs:     packs,
		Pricing:   pricing,
		Converter: conv,
		Mailer:    mailer,
		Log:       discardLogger(),
	}, mailer
}

func TestReceiptHandlerAttachesPDF(t *testing.T) {
	h, mailer := newReceiptHandler(t)

	err := h.Handle(context.Background(), taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "p1"}))
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, "buyer@example.test", msg.To)
	assert.Contains(t, msg.Subject, "p1")
	assert.Contains(t, msg.Text, "Starter pack")
	assert.Contains(t, msg.Text, "110 credits")
	assert.Contains(t, msg.Text, "4 000 FCFA")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, "%PDF-", string(msg.Attachments[0].Data[:5]))
}

func TestReceiptHandlerUploadsWhenStoreConfigured(t *testing.T) {
	h, mailer := newReceiptHandler(t)
	store := &fakeStore{}
	h.Store = store

	err := h.Handle(context.Background(), taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "p1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, store.keys)
	require.Len(t, mailer.sent, 1)
	assert.Empty(t, mailer.sent[0].Attachments)
	assert.Contains(t, mailer.sent[0].Text, "https://cdn.example.test/receipts/p1.pdf")

	store.err = errors.New("bucket unavailable")
	err = h.Handle(context.Background(), taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "p1"}))
	require.Error(t, err)
	assert.False(t, isPermanent(err))
}

func TestReceiptHandlerEdgeCases(t *testing.T) {
	h, mailer := newReceiptHandler(t)
	ctx := context.Background()

	// No email on file: nothing to send.
	require.NoError(t, h.Handle(ctx, taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "p2"})))
	assert.Empty(t, mailer.sent)

	err := h.Handle(ctx, taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "missing"}))
	require.Error(t, err)
	assert.True(t, isPermanent(err))

	err = h.Handle(ctx, models.OutboxTask{Kind: models.TaskPurchaseReceipt, Payload: []byte("{")})
	assert.True(t, isPermanent(err))

	mailer.err = errors.New("smtp down")
	err = h.Handle(ctx, taskFor(t, models.TaskPurchaseReceipt, models.PurchaseTaskPayload{PurchaseID: "p1"}))
	require.Error(t, err)
	assert.False(t, isPermanent(err))
}

func TestReceiptDataForPlan(t *testing.T) {
	h, _ := newReceiptHandler(t)
	ctx := context.Background()
	p, err := h.Purchases.GetByID(ctx, "p2")
	require.NoError(t, err)
	u, err := h.Users.Get(ctx, "u2")
	require.NoError(t, err)

	d, err := h.receiptData(ctx, p, u)
	require.NoError(t, err)
	assert.Equal(t, "Pro plan", d.Item)
	assert.Equal(t, "9 000 FCFA", d.Total)
	assert.Empty(t, d.Discount)
	assert.Empty(t, d.Charged)
}

func TestAdminNotifyHandler(t *testing.T) {
	n := &recordingNotifier{}
	h := AdminNotifyHandler(n)

	require.NoError(t, h(context.Background(), taskFor(t, models.TaskAdminNotify, models.AdminNoticePayload{Text: "refund review"})))
	require.NoError(t, h(context.Background(), taskFor(t, models.TaskAdminNotify, models.AdminNoticePayload{Text: "  "})))
	assert.Equal(t, []string{"refund review"}, n.texts)

	err := h(context.Background(), models.OutboxTask{Payload: []byte("nope")})
	assert.True(t, isPermanent(err))
}
