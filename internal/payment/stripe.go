package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/digkill/promptor/internal/models"
)

const StripeName = "stripe"

// stripeCurrencies are the catalog currencies Stripe settles with the same
// minor unit precision as the catalog.
var stripeCurrencies = map[string]bool{"XOF": true, "EUR": true, "USD": true}

type StripeGateway struct {
	webhookSecret string

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewStripeGateway binds a dedicated API client to secretKey; the package-level
// stripe.Key is never touched.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	sc := client.New(strings.TrimSpace(secretKey), nil)
	return &StripeGateway{
		webhookSecret:         strings.TrimSpace(webhookSecret),
		createCheckoutSession: sc.CheckoutSessions.New,
	}
}

func (g *StripeGateway) Name() string { return StripeName }

func (g *StripeGateway) ChargeCurrency(preferred, list string) string {
	if preferred = strings.ToUpper(preferred); stripeCurrencies[preferred] {
		return preferred
	}
	return strings.ToUpper(list)
}

// CreateCheckout opens a hosted Checkout session. Plans are billed in
// subscription mode, packs as a one-off payment priced inline.
func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.PurchaseID),
		Metadata:          req.Metadata,
	}
	params.Context = ctx
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if req.PriceRef != "" {
		item.Price = stripe.String(req.PriceRef)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(req.Currency)),
			UnitAmount: stripe.Int64(req.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(req.Description),
			},
		}
	}
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{item}

	if req.Kind == models.PurchaseKindPlan {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
		if item.PriceData != nil {
			item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			}
		}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: req.Metadata}
	}
	// an inline price already carries the discount
	if req.CouponRef != "" && req.PriceRef != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(req.CouponRef)}}
	}

	session, err := g.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("create stripe checkout session: empty redirect url")
	}
	return &CheckoutSession{ID: session.ID, RedirectURL: session.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header and translates the event.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Notification, error) {
	if g.webhookSecret == "" || strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := &Notification{EventID: event.ID}
	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		n.PurchaseID = firstNonEmpty(session.Metadata[MetaPurchaseID], session.ClientReferenceID)
		n.UserID = session.Metadata[MetaUserID]
		n.ExternalRef = session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			n.ExternalRef = session.PaymentIntent.ID
		}

		switch event.Type {
		case "checkout.session.completed":
			// delayed methods settle later through async_payment_succeeded
			if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
				return n, nil
			}
			n.Kind, n.Succeeded = NotifyPayment, true
		case "checkout.session.async_payment_succeeded":
			n.Kind, n.Succeeded = NotifyPayment, true
		case "checkout.session.async_payment_failed":
			n.Kind, n.FailureReason = NotifyPayment, "payment_failed"
		default:
			n.Kind, n.FailureReason = NotifyPayment, "checkout_expired"
		}
		if n.PurchaseID == "" {
			return nil, fmt.Errorf("stripe event %s carries no purchase id", event.ID)
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		n.Kind = NotifySubscriptionCanceled
		n.UserID = sub.Metadata[MetaUserID]
		n.ExternalRef = sub.ID
		if n.UserID == "" {
			return nil, fmt.Errorf("stripe event %s carries no user id", event.ID)
		}
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
