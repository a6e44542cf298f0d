// Package payment adapts external payment gateways: hosted checkout creation
// and verification of their asynchronous notifications.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/digkill/promptor/internal/models"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownGateway   = errors.New("unknown payment gateway")
)

// Metadata keys attached to every checkout and read back from notifications.
const (
	MetaPurchaseID = "purchase_id"
	MetaUserID     = "user_id"
)

// CheckoutRequest describes one hosted payment. Amount is in minor units of Currency.
type CheckoutRequest struct {
	PurchaseID  string
	UserID      string
	Email       string
	Kind        models.PurchaseKind
	Description string
	Amount      int64
	Currency    string
	// PriceRef is a gateway-side price id, used for plans when no inline discount applies.
	PriceRef string
	// CouponRef is a gateway-side coupon mirroring the promo code.
	CouponRef  string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

// Gateway creates hosted checkouts.
type Gateway interface {
	Name() string
	// ChargeCurrency picks the currency the gateway collects in, given the
	// buyer's preference (possibly empty) and the price's list currency.
	ChargeCurrency(preferred, list string) string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// NotificationKind classifies a verified gateway notification.
type NotificationKind int

const (
	// NotifyIgnore is a notification that needs no action, e.g. a pending payment.
	NotifyIgnore NotificationKind = iota
	NotifyPayment
	NotifySubscriptionCanceled
)

// Notification is a verified, gateway-independent payment outcome.
type Notification struct {
	Kind          NotificationKind
	EventID       string
	PurchaseID    string
	UserID        string
	Succeeded     bool
	FailureReason string
	ExternalRef   string
}

// Registry holds the configured gateways.
type Registry struct {
	gateways map[string]Gateway
	fallback string
}

func NewRegistry(fallback string, gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[string]Gateway{}, fallback: strings.ToLower(fallback)}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the named gateway, or the default one when name is empty.
func (r *Registry) Get(name string) (Gateway, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.fallback
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownGateway)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
