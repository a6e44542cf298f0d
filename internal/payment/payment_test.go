package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/digkill/promptor/internal/models"
)

const testWebhookSecret = "whsec_test_123"

func signedEvent(t *testing.T, secret string, event map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func sessionEvent(eventType, paymentStatus string) map[string]any {
	return map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": paymentStatus,
				"payment_intent": "pi_123",
				"metadata":       map[string]string{MetaPurchaseID: "pur_1", MetaUserID: "u1"},
			},
		},
	}
}

func TestStripeParseWebhook(t *testing.T) {
	g := NewStripeGateway("sk_test", testWebhookSecret)

	cases := []struct {
		name      string
		event     map[string]any
		kind      NotificationKind
		succeeded bool
		reason    string
	}{
		{"completed and paid", sessionEvent("checkout.session.completed", "paid"), NotifyPayment, true, ""},
		{"completed awaiting async payment", sessionEvent("checkout.session.completed", "unpaid"), NotifyIgnore, false, ""},
		{"async success", sessionEvent("checkout.session.async_payment_succeeded", "paid"), NotifyPayment, true, ""},
		{"async failure", sessionEvent("checkout.session.async_payment_failed", "unpaid"), NotifyPayment, false, "payment_failed"},
		{"expired", sessionEvent("checkout.session.expired", "unpaid"), NotifyPayment, false, "checkout_expired"},
		{"unrelated event", map[string]any{"id": "evt_2", "object": "event", "type": "invoice.created", "data": map[string]any{"object": map[string]any{}}}, NotifyIgnore, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, header := signedEvent(t, testWebhookSecret, tc.event)
			n, err := g.ParseWebhook(payload, header)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, n.Kind)
			assert.Equal(t, tc.succeeded, n.Succeeded)
			assert.Equal(t, tc.reason, n.FailureReason)
			if tc.kind == NotifyPayment {
				assert.Equal(t, "pur_1", n.PurchaseID)
				assert.Equal(t, "pi_123", n.ExternalRef)
			}
		})
	}
}

func TestStripeSubscriptionDeleted(t *testing.T) {
	g := NewStripeGateway("sk_test", testWebhookSecret)
	payload, header := signedEvent(t, testWebhookSecret, map[string]any{
		"id": "evt_3", "object": "event", "type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{
			"id": "sub_1", "object": "subscription", "metadata": map[string]string{MetaUserID: "u9"},
		}},
	})
	n, err := g.ParseWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, NotifySubscriptionCanceled, n.Kind)
	assert.Equal(t, "u9", n.UserID)
}

func TestStripeRejectsBadSignature(t *testing.T) {
	g := NewStripeGateway("sk_test", testWebhookSecret)
	payload, header := signedEvent(t, "whsec_wrong", sessionEvent("checkout.session.completed", "paid"))
	_, err := g.ParseWebhook(payload, header)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = g.ParseWebhook(payload, "")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeCreateCheckout(t *testing.T) {
	g := NewStripeGateway("sk_test", testWebhookSecret)
	var got *stripe.CheckoutSessionParams
	g.createCheckoutSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	}

	req := CheckoutRequest{
		PurchaseID:  "pur_1",
		UserID:      "u1",
		Email:       "u1@example.test",
		Kind:        models.PurchaseKindPack,
		Description: "Starter pack",
		Amount:      4000,
		Currency:    "XOF",
		SuccessURL:  "https://app.test/ok",
		CancelURL:   "https://app.test/cancel",
		Metadata:    map[string]string{MetaPurchaseID: "pur_1"},
	}
	session, err := g.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "payment", *got.Mode)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "xof", *got.LineItems[0].PriceData.Currency)
	assert.Equal(t, int64(4000), *got.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "pur_1", got.Metadata[MetaPurchaseID])
	// the key lives on the gateway's own client
	assert.Empty(t, stripe.Key)

	req.Kind = models.PurchaseKindPlan
	req.PriceRef = "price_pro"
	req.CouponRef = "WELCOME"
	_, err = g.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "subscription", *got.Mode)
	assert.Equal(t, "price_pro", *got.LineItems[0].Price)
	require.Len(t, got.Discounts, 1)
	assert.Equal(t, "WELCOME", *got.Discounts[0].Coupon)

	g.createCheckoutSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("connection reset")
	}
	_, err = g.CreateCheckout(context.Background(), req)
	require.Error(t, err)
}

func TestStripeChargeCurrency(t *testing.T) {
	g := NewStripeGateway("", "")
	assert.Equal(t, "EUR", g.ChargeCurrency("eur", "XOF"))
	assert.Equal(t, "XOF", g.ChargeCurrency("IDR", "XOF"))
	assert.Equal(t, "XOF", g.ChargeCurrency("", "XOF"))
}

func midtransBody(g *MidtransGateway, status, fraud string) []byte {
	body := map[string]string{
		"order_id":           "pur_1",
		"transaction_id":     "tx_1",
		"status_code":        "200",
		"gross_amount":       "150000.00",
		"transaction_status": status,
		"fraud_status":       fraud,
		"custom_field1":      "u1",
	}
	body["signature_key"] = g.Signature(body["order_id"], body["status_code"], body["gross_amount"])
	data, _ := json.Marshal(body)
	return data
}

func TestMidtransParseNotification(t *testing.T) {
	g := NewMidtransGateway("SB-Mid-server-key", false, "idr", nil)

	cases := []struct {
		status, fraud string
		kind          NotificationKind
		succeeded     bool
	}{
		{"settlement", "", NotifyPayment, true},
		{"capture", "accept", NotifyPayment, true},
		{"capture", "challenge", NotifyIgnore, false},
		{"pending", "", NotifyIgnore, false},
		{"expire", "", NotifyPayment, false},
		{"deny", "", NotifyPayment, false},
	}
	for _, tc := range cases {
		t.Run(tc.status+"/"+tc.fraud, func(t *testing.T) {
			n, err := g.ParseNotification(midtransBody(g, tc.status, tc.fraud))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, n.Kind)
			assert.Equal(t, tc.succeeded, n.Succeeded)
			assert.Equal(t, "pur_1", n.PurchaseID)
		})
	}

	other := NewMidtransGateway("another-key", false, "IDR", nil)
	_, err := g.ParseNotification(midtransBody(other, "settlement", ""))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMidtransCreateCheckout(t *testing.T) {
	g := NewMidtransGateway("key", false, "IDR", []string{"GOPAY", "qris"})
	var got *snap.Request
	g.createTransaction = func(req *snap.Request) (*snap.Response, *midtrans.Error) {
		got = req
		return &snap.Response{Token: "tok_1", RedirectURL: "https://app.sandbox.midtrans.test/snap/tok_1"}, nil
	}
	assert.Equal(t, "IDR", g.ChargeCurrency("EUR", "XOF"))

	session, err := g.CreateCheckout(context.Background(), CheckoutRequest{
		PurchaseID: "pur_1", UserID: "u1", Kind: models.PurchaseKindPack, Description: "Pack",
		Amount: 150000, Currency: "IDR", SuccessURL: "https://app.test/ok",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_1", session.ID)
	assert.Equal(t, "pur_1", got.TransactionDetails.OrderID)
	assert.Equal(t, int64(150000), got.TransactionDetails.GrossAmt)
	assert.Equal(t, []snap.SnapPaymentType{"gopay", "qris"}, got.EnabledPayments)

	g.createTransaction = func(*snap.Request) (*snap.Response, *midtrans.Error) {
		return nil, &midtrans.Error{Message: "unauthorized", StatusCode: 401}
	}
	_, err = g.CreateCheckout(context.Background(), CheckoutRequest{PurchaseID: "pur_2", Amount: 1, Currency: "IDR"})
	require.Error(t, err)

	_, err = g.CreateCheckout(context.Background(), CheckoutRequest{PurchaseID: "pur_3", Amount: 1, Currency: "EUR"})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("Stripe", NewStripeGateway("", ""), NewMidtransGateway("k", false, "IDR", nil))
	g, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, StripeName, g.Name())
	g, err = r.Get("MIDTRANS")
	require.NoError(t, err)
	assert.Equal(t, MidtransName, g.Name())
	_, err = r.Get("paypal")
	require.ErrorIs(t, err, ErrUnknownGateway)
	assert.Equal(t, []string{"midtrans", "stripe"}, r.Names())
}
