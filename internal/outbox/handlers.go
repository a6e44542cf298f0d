package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/notify"
	"github.com/digkill/promptor/internal/receipt"
	"github.com/digkill/promptor/internal/repository"
)

// ReceiptStore keeps rendered receipts and returns a link to them.
type ReceiptStore interface {
	PutReceipt(ctx context.Context, purchaseID string, issuedAt time.Time, pdf []byte) (string, error)
}

type ReceiptHandler struct {
	Purchases *repository.PurchaseRepository
	Users     *repository.UserRepository
	Packs     *repository.PackRepository
	Pricing   config.Pricing
	Converter *currency.Converter
	Mailer    notify.Mailer
	// Store is optional; without it the PDF is attached to the email.
	Store ReceiptStore
	Log   *slog.Logger
}

// Handle renders the receipt of a succeeded purchase and emails it to the buyer.
func (h *ReceiptHandler) Handle(ctx context.Context, task models.OutboxTask) error {
	var payload models.PurchaseTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return Permanent(fmt.Errorf("decode receipt payload: %w", err))
	}
	p, err := h.Purchases.GetByID(ctx, payload.PurchaseID)
	if err != nil {
		return err
	}
	if p == nil {
		return Permanent(fmt.Errorf("purchase %s not found", payload.PurchaseID))
	}
	user, err := h.Users.Get(ctx, p.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return Permanent(fmt.Errorf("user %s not found", p.UserID))
	}
	if strings.TrimSpace(user.Email) == "" {
		h.Log.Info("receipt skipped, no email on file", "purchase_id", p.ID, "user_id", user.ID)
		return nil
	}

	data, err := h.receiptData(ctx, p, user)
	if err != nil {
		return err
	}
	pdf, err := receipt.Render(data)
	if err != nil {
		return Permanent(err)
	}

	email := notify.Email{
		To:      user.Email,
		Subject: "Your Promptor receipt " + p.ID,
	}
	lines := []string{
		fmt.Sprintf("Thank you for your purchase of %s.", data.Item),
		fmt.Sprintf("%d credits have been added to your balance.", p.GrantedCredits()),
		"Total: " + data.Total,
	}
	if h.Store != nil {
		link, err := h.Store.PutReceipt(ctx, p.ID, p.UpdatedAt, pdf)
		if err != nil {
			return err
		}
		lines = append(lines, "Download your receipt: "+link)
	} else {
		email.Attachments = []notify.Attachment{{
			Name:        "receipt-" + p.ID + ".pdf",
			ContentType: "application/pdf",
			Data:        pdf,
		}}
	}
	email.Text = strings.Join(lines, "\n")

	if err := h.Mailer.Send(ctx, email); err != nil {
		return err
	}
	h.Log.Info("receipt sent", "purchase_id", p.ID, "user_id", user.ID)
	return nil
}

func (h *ReceiptHandler) receiptData(ctx context.Context, p *models.CreditPurchase, user *models.User) (receipt.Data, error) {
	item := string(p.Plan) + " plan"
	switch p.Kind {
	case models.PurchaseKindPack:
		pack, err := h.Packs.GetByID(ctx, p.PackID)
		if err != nil {
			return receipt.Data{}, err
		}
		item = p.PackID
		if pack != nil {
			item = pack.Name
		}
	case models.PurchaseKindPlan:
		if spec, ok := h.Pricing.Plan(string(p.Plan)); ok && spec.Name != "" {
			item = spec.Name + " plan"
		}
	}

	format := func(amount int64, code string) (string, error) {
		s, err := h.Converter.Format(amount, code)
		if err != nil {
			return "", Permanent(err)
		}
		return s, nil
	}
	d := receipt.Data{
		PurchaseID:    p.ID,
		IssuedAt:      p.UpdatedAt,
		CustomerEmail: user.Email,
		Item:          item,
		Credits:       p.Credits,
		BonusCredits:  p.BonusCredits,
		ExternalRef:   p.ExternalRef,
	}
	if p.Provider != "" && p.Provider != "none" {
		d.Provider = p.Provider
	}
	var err error
	if d.Original, err = format(p.OriginalAmount, p.Currency); err != nil {
		return d, err
	}
	if p.DiscountAmount > 0 {
		if d.Discount, err = format(p.DiscountAmount, p.Currency); err != nil {
			return d, err
		}
	}
	if d.Total, err = format(p.FinalAmount, p.Currency); err != nil {
		return d, err
	}
	if p.ChargeCurrency != "" && !strings.EqualFold(p.ChargeCurrency, p.Currency) {
		if d.Charged, err = format(p.ChargeAmount, p.ChargeCurrency); err != nil {
			return d, err
		}
	}
	return d, nil
}

// AdminNotifyHandler forwards admin.notify tasks to the configured notifier.
func AdminNotifyHandler(n notify.AdminNotifier) Handler {
	return func(ctx context.Context, task models.OutboxTask) error {
		var payload models.AdminNoticePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode admin notice: %w", err))
		}
		if strings.TrimSpace(payload.Text) == "" {
			return nil
		}
		return n.Notify(ctx, payload.Text)
	}
}
