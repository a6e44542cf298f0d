package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

const MidtransName = "midtrans"

type MidtransGateway struct {
	serverKey    string
	currency     string
	paymentTypes []snap.SnapPaymentType

	createTransaction func(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// NewMidtransGateway configures a Snap client. Midtrans settles in a single
// currency, so every charge is converted to it.
func NewMidtransGateway(serverKey string, production bool, currency string, paymentTypes []string) *MidtransGateway {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var client snap.Client
	client.New(serverKey, env)

	g := &MidtransGateway{
		serverKey:         serverKey,
		currency:          strings.ToUpper(currency),
		createTransaction: client.CreateTransaction,
	}
	for _, t := range paymentTypes {
		g.paymentTypes = append(g.paymentTypes, snap.SnapPaymentType(strings.ToLower(t)))
	}
	return g
}

func (g *MidtransGateway) Name() string { return MidtransName }

func (g *MidtransGateway) ChargeCurrency(string, string) string {
	return g.currency
}

func (g *MidtransGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if !strings.EqualFold(req.Currency, g.currency) {
		return nil, fmt.Errorf("midtrans charges in %s, got %s", g.currency, req.Currency)
	}
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.PurchaseID,
			GrossAmt: req.Amount,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    string(req.Kind),
			Name:  truncate(req.Description, 50),
			Price: req.Amount,
			Qty:   1,
		}},
		CustomerDetail:  &midtrans.CustomerDetails{Email: req.Email},
		EnabledPayments: g.paymentTypes,
		Callbacks:       &snap.Callbacks{Finish: req.SuccessURL},
		CustomField1:    req.UserID,
	}

	type result struct {
		resp *snap.Response
		err  *midtrans.Error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.createTransaction(snapReq)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("create midtrans transaction: %w", ctx.Err())
	case r := <-done:
		// midtrans returns a typed *Error; compare before it becomes an interface
		if r.err != nil {
			return nil, fmt.Errorf("create midtrans transaction: %s", r.err.Message)
		}
		if r.resp == nil || r.resp.RedirectURL == "" {
			return nil, fmt.Errorf("create midtrans transaction: empty redirect url")
		}
		return &CheckoutSession{ID: r.resp.Token, RedirectURL: r.resp.RedirectURL}, nil
	}
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	CustomField1      string `json:"custom_field1"`
}

// Signature computes the notification signature_key Midtrans sends.
func (g *MidtransGateway) Signature(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + g.serverKey))
	return hex.EncodeToString(sum[:])
}

// ParseNotification verifies an HTTP notification and translates its status.
func (g *MidtransGateway) ParseNotification(payload []byte) (*Notification, error) {
	var body midtransNotification
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode midtrans notification: %w", err)
	}
	expected := g.Signature(body.OrderID, body.StatusCode, body.GrossAmount)
	if body.SignatureKey == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(body.SignatureKey))) != 1 {
		return nil, ErrInvalidSignature
	}

	n := &Notification{
		EventID:     body.TransactionID + ":" + body.TransactionStatus,
		PurchaseID:  body.OrderID,
		UserID:      body.CustomField1,
		ExternalRef: body.TransactionID,
	}
	switch strings.ToLower(body.TransactionStatus) {
	case "settlement":
		n.Kind, n.Succeeded = NotifyPayment, true
	case "capture":
		switch strings.ToLower(body.FraudStatus) {
		case "", "accept":
			n.Kind, n.Succeeded = NotifyPayment, true
		case "deny":
			n.Kind, n.FailureReason = NotifyPayment, "fraud_denied"
		}
	case "deny", "cancel", "expire", "failure":
		n.Kind, n.FailureReason = NotifyPayment, "payment_"+strings.ToLower(body.TransactionStatus)
	}
	return n, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
