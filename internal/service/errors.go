package service

import "errors"

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrReferenceConflict   = errors.New("reference already used by another user")
	ErrDuplicateRequest    = errors.New("request id already used")

	ErrPackNotFound       = errors.New("credit pack not found")
	ErrPackInactive       = errors.New("credit pack is not available")
	ErrPackReferenced     = errors.New("credit pack is referenced by purchases")
	ErrPlanNotPurchasable = errors.New("plan cannot be purchased")

	ErrPromoNotFound     = errors.New("promo code not found")
	ErrPromoCodeExists   = errors.New("promo code already exists")
	ErrPromotionNotFound = errors.New("promotion not found")

	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrPurchaseNotRefundable = errors.New("only succeeded purchases can be refunded")
	ErrGatewayUnavailable    = errors.New("payment gateway temporarily unavailable")
	ErrUnknownGateway        = errors.New("unknown payment gateway")
)

// ValidationError reports an invalid admin or client input in business terms.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PromoRejection is the reason a promo code cannot be used. It doubles as an
// error so checkout can return it directly.
type PromoRejection string

const (
	RejectCodeNotFound           PromoRejection = "code_not_found"
	RejectCodeExpired            PromoRejection = "code_expired"
	RejectNotApplicable          PromoRejection = "not_applicable"
	RejectNotFirstTime           PromoRejection = "not_first_time"
	RejectRedemptionLimitReached PromoRejection = "redemption_limit_reached"
	RejectUserLimitReached       PromoRejection = "user_limit_reached"
)

var rejectionMessages = map[PromoRejection]string{
	RejectCodeNotFound:           "This promo code does not exist.",
	RejectCodeExpired:            "This promo code has expired.",
	RejectNotApplicable:          "This promo code does not apply to this purchase.",
	RejectNotFirstTime:           "This promo code is reserved for first purchases.",
	RejectRedemptionLimitReached: "This promo code has been fully redeemed.",
	RejectUserLimitReached:       "You have already used this promo code.",
}

func (r PromoRejection) Error() string {
	return "promo code rejected: " + string(r)
}

// Message is the text shown to the buyer.
func (r PromoRejection) Message() string {
	if m, ok := rejectionMessages[r]; ok {
		return m
	}
	return "This promo code cannot be used."
}
