package service

import "github.com/digkill/promptor/internal/models"

// percentOf returns amount*pct/100 rounded half-up. Amounts are never negative.
func percentOf(amount, pct int64) int64 {
	return (amount*pct + 50) / 100
}

// applyDiscount reduces amount by one discount and reports any bonus credits it
// carries. The result never drops below zero.
func applyDiscount(amount int64, kind models.DiscountType, value int64) (final, bonus int64) {
	switch kind {
	case models.DiscountPercentage:
		final = amount - percentOf(amount, value)
	case models.DiscountFixedAmount:
		final = amount - min(value, amount)
	case models.DiscountCreditBonus:
		final, bonus = amount, value
	case models.DiscountFreeCredits:
		final, bonus = 0, value
	default:
		final = amount
	}
	return max(final, 0), bonus
}

func validateDiscount(kind models.DiscountType, value int64) error {
	if !kind.Valid() {
		return invalid("discount_type", "must be percentage, fixed_amount, credit_bonus or free_credits")
	}
	if value < 0 {
		return invalid("discount_value", "must not be negative")
	}
	if kind == models.DiscountPercentage && value > 100 {
		return invalid("discount_value", "percentage must be between 0 and 100")
	}
	return nil
}

func containsTarget(packs []string, plans []models.Plan, target models.PurchaseTarget) bool {
	switch target.Kind {
	case models.PurchaseKindPack:
		for _, id := range packs {
			if id == target.PackID {
				return true
			}
		}
	case models.PurchaseKindPlan:
		for _, p := range plans {
			if p == target.Plan {
				return true
			}
		}
	}
	return false
}
