package models

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanStarter    Plan = "STARTER"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

func ParsePlan(s string) (Plan, bool) {
	switch p := Plan(strings.ToUpper(strings.TrimSpace(s))); p {
	case PlanFree, PlanStarter, PlanPro, PlanEnterprise:
		return p, true
	}
	return "", false
}

type Tier string

const (
	TierFree     Tier = "FREE"
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierFree, TierBronze, TierSilver, TierGold, TierPlatinum}

// Rank orders tiers; unknown values rank below FREE.
func (t Tier) Rank() int {
	for i, v := range Tiers {
		if v == t {
			return i
		}
	}
	return -1
}

func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Rank() >= 0
}

func MaxTier(tiers ...Tier) Tier {
	best := TierFree
	for _, t := range tiers {
		if t.Rank() > best.Rank() {
			best = t
		}
	}
	return best
}

type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixedAmount DiscountType = "fixed_amount"
	DiscountCreditBonus DiscountType = "credit_bonus"
	DiscountFreeCredits DiscountType = "free_credits"
)

func (d DiscountType) Valid() bool {
	switch d {
	case DiscountPercentage, DiscountFixedAmount, DiscountCreditBonus, DiscountFreeCredits:
		return true
	}
	return false
}

type TransactionReason string

const (
	ReasonPurchase   TransactionReason = "purchase"
	ReasonGeneration TransactionReason = "generation"
	ReasonSuggestion TransactionReason = "suggestion"
	ReasonGift       TransactionReason = "gift"
	ReasonRefund     TransactionReason = "refund"
	// ReasonReversal returns a usage charge whose provider call failed.
	ReasonReversal   TransactionReason = "reversal"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseSucceeded PurchaseStatus = "succeeded"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

type PurchaseKind string

const (
	PurchaseKindPack PurchaseKind = "pack"
	PurchaseKindPlan PurchaseKind = "plan"
)

// PurchaseTarget identifies what is being bought: a credit pack or a subscription plan.
type PurchaseTarget struct {
	Kind   PurchaseKind `json:"kind"`
	PackID string       `json:"pack_id,omitempty"`
	Plan   Plan         `json:"plan,omitempty"`
}

type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Plan          Plan       `json:"plan"`
	Tier          Tier       `json:"tier"`
	LifetimeSpend int64      `json:"lifetime_spend"`
	TierExpiresAt *time.Time `json:"tier_expires_at,omitempty"`
	CreditBalance int64      `json:"credit_balance"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type CreditPack struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Credits      int64     `json:"credits"`
	BonusCredits int64     `json:"bonus_credits"`
	Price        int64     `json:"price"`
	Currency     string    `json:"currency"`
	TierUnlock   Tier      `json:"tier_unlock,omitempty"`
	IsActive     bool      `json:"is_active"`
	IsFeatured   bool      `json:"is_featured"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TotalCredits is what a buyer receives for the pack before any promotion bonus.
func (p CreditPack) TotalCredits() int64 {
	return p.Credits + p.BonusCredits
}

type CreditTransaction struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Delta        int64             `json:"delta"`
	BalanceAfter int64             `json:"balance_after"`
	Reason       TransactionReason `json:"reason"`
	ReferenceID  string            `json:"reference_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// CreditPurchase amounts are in the base currency; ChargeAmount is what the gateway collects.
type CreditPurchase struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Kind           PurchaseKind   `json:"kind"`
	PackID         string         `json:"pack_id,omitempty"`
	Plan           Plan           `json:"plan,omitempty"`
	OriginalAmount int64          `json:"original_amount"`
	DiscountAmount int64          `json:"discount_amount"`
	FinalAmount    int64          `json:"final_amount"`
	Currency       string         `json:"currency"`
	ChargeAmount   int64          `json:"charge_amount"`
	ChargeCurrency string         `json:"charge_currency"`
	Credits        int64          `json:"credits"`
	BonusCredits   int64          `json:"bonus_credits"`
	TierUnlock     Tier           `json:"tier_unlock,omitempty"`
	Status         PurchaseStatus `json:"status"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	PromoCodeID    string         `json:"promo_code_id,omitempty"`
	PromotionIDs   []string       `json:"promotion_ids,omitempty"`
	Provider       string         `json:"provider"`
	ExternalRef    string         `json:"external_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (p CreditPurchase) Target() PurchaseTarget {
	return PurchaseTarget{Kind: p.Kind, PackID: p.PackID, Plan: p.Plan}
}

// GrantedCredits is the amount credited to the ledger when the purchase succeeds.
func (p CreditPurchase) GrantedCredits() int64 {
	return p.Credits + p.BonusCredits
}

type PromoCode struct {
	ID                    string       `json:"id"`
	Code                  string       `json:"code"`
	DiscountType          DiscountType `json:"discount_type"`
	DiscountValue         int64        `json:"discount_value"`
	ApplicablePacks       []string     `json:"applicable_packs"`
	ApplicablePlans       []Plan       `json:"applicable_plans"`
	MaxRedemptions        *int64       `json:"max_redemptions,omitempty"`
	MaxRedemptionsPerUser int64        `json:"max_redemptions_per_user"`
	Redemptions           int64        `json:"redemptions"`
	FirstTimeOnly         bool         `json:"first_time_only"`
	GatewayCouponRef      string       `json:"gateway_coupon_ref,omitempty"`
	ExpiresAt             *time.Time   `json:"expires_at,omitempty"`
	IsActive              bool         `json:"is_active"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Unrestricted reports whether the code applies to every pack and plan.
func (c PromoCode) Unrestricted() bool {
	return len(c.ApplicablePacks) == 0 && len(c.ApplicablePlans) == 0
}

type Promotion struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	DiscountType          DiscountType `json:"discount_type"`
	DiscountValue         int64        `json:"discount_value"`
	AllPacks              bool         `json:"all_packs"`
	PackIDs               []string     `json:"pack_ids"`
	AllPlans              bool         `json:"all_plans"`
	Plans                 []Plan       `json:"plans"`
	StartsAt              time.Time    `json:"starts_at"`
	EndsAt                time.Time    `json:"ends_at"`
	MaxRedemptions        *int64       `json:"max_redemptions,omitempty"`
	MaxRedemptionsPerUser *int64       `json:"max_redemptions_per_user,omitempty"`
	Redemptions           int64        `json:"redemptions"`
	Stackable             bool         `json:"stackable"`
	Priority              int          `json:"priority"`
	IsActive              bool         `json:"is_active"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

type RedemptionSource string

const (
	RedemptionPromoCode RedemptionSource = "promo_code"
	RedemptionPromotion RedemptionSource = "promotion"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxDead    OutboxStatus = "dead"
)

type OutboxTask struct {
	ID            string
	Kind          string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	TaskPurchaseReceipt = "purchase.receipt"
	TaskAdminNotify     = "admin.notify"
)

// PurchaseTaskPayload is carried by purchase.receipt tasks.
type PurchaseTaskPayload struct {
	PurchaseID string `json:"purchase_id"`
}

// AdminNoticePayload is carried by admin.notify tasks.
type AdminNoticePayload struct {
	Text string `json:"text"`
}
