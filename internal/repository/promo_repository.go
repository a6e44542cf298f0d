package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
)

type PromoRepository struct {
	q database.Querier
}

func NewPromoRepository(db *database.DB) *PromoRepository {
	return &PromoRepository{q: db}
}

func (r *PromoRepository) WithTx(tx *sql.Tx) *PromoRepository {
	return &PromoRepository{q: tx}
}

const promoColumns = `id, code, discount_type, discount_value, applicable_packs, applicable_plans, max_redemptions,
max_redemptions_per_user, redemptions, first_time_only, gateway_coupon_ref, expires_at, is_active, created_at, updated_at`

func scanPromo(row rowScanner) (*models.PromoCode, error) {
	var p models.PromoCode
	var packs, plans string
	var maxRedemptions, expires sql.NullInt64
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Code, &p.DiscountType, &p.DiscountValue, &packs, &plans, &maxRedemptions,
		&p.MaxRedemptionsPerUser, &p.Redemptions, &p.FirstTimeOnly, &p.GatewayCouponRef, &expires, &p.IsActive,
		&created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.ApplicablePacks, err = decodeList[string](packs); err != nil {
		return nil, fmt.Errorf("applicable_packs: %w", err)
	}
	if p.ApplicablePlans, err = decodeList[models.Plan](plans); err != nil {
		return nil, fmt.Errorf("applicable_plans: %w", err)
	}
	p.MaxRedemptions = intPtr(maxRedemptions)
	p.ExpiresAt = timePtr(expires)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// GetByCode looks a code up by its normalized (upper-case) form.
func (r *PromoRepository) GetByCode(ctx context.Context, normalized string) (*models.PromoCode, error) {
	return r.get(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code_normalized = ?`, normalized)
}

func (r *PromoRepository) GetByID(ctx context.Context, id string) (*models.PromoCode, error) {
	return r.get(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE id = ?`, id)
}

func (r *PromoRepository) get(ctx context.Context, query string, arg string) (*models.PromoCode, error) {
	p, err := scanPromo(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return p, nil
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+promoColumns+` FROM promo_codes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	promos := []models.PromoCode{}
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, *p)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, p *models.PromoCode, normalized string) error {
	const query = `
INSERT INTO promo_codes (id, code, code_normalized, discount_type, discount_value, applicable_packs, applicable_plans,
max_redemptions, max_redemptions_per_user, redemptions, first_time_only, gateway_coupon_ref, expires_at, is_active,
created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	packs, plans, err := promoLists(p)
	if err != nil {
		return fmt.Errorf("create promo: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, p.ID, p.Code, normalized, p.DiscountType, p.DiscountValue,
		packs, plans, nullInt(p.MaxRedemptions), p.MaxRedemptionsPerUser,
		p.Redemptions, p.FirstTimeOnly, p.GatewayCouponRef, nullMillis(p.ExpiresAt), p.IsActive,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt)); err != nil {
		return fmt.Errorf("create promo: %w", err)
	}
	return nil
}

// Update rewrites the editable fields. The redemption counter is left alone.
func (r *PromoRepository) Update(ctx context.Context, p *models.PromoCode, normalized string) error {
	const query = `
UPDATE promo_codes
SET code = ?, code_normalized = ?, discount_type = ?, discount_value = ?, applicable_packs = ?, applicable_plans = ?,
max_redemptions = ?, max_redemptions_per_user = ?, first_time_only = ?, gateway_coupon_ref = ?, expires_at = ?,
is_active = ?, updated_at = ?
WHERE id = ?`
	packs, plans, err := promoLists(p)
	if err != nil {
		return fmt.Errorf("update promo: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, p.Code, normalized, p.DiscountType, p.DiscountValue,
		packs, plans, nullInt(p.MaxRedemptions), p.MaxRedemptionsPerUser,
		p.FirstTimeOnly, p.GatewayCouponRef, nullMillis(p.ExpiresAt), p.IsActive, toMillis(p.UpdatedAt), p.ID); err != nil {
		return fmt.Errorf("update promo: %w", err)
	}
	return nil
}

func promoLists(p *models.PromoCode) (packs, plans string, err error) {
	if packs, err = encodeList(p.ApplicablePacks); err != nil {
		return "", "", err
	}
	if plans, err = encodeList(p.ApplicablePlans); err != nil {
		return "", "", err
	}
	return packs, plans, nil
}

func (r *PromoRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM promo_codes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}

// IncrementUsage bumps the redemption counter unless the global cap is reached.
// It reports false when the cap blocked the increment.
func (r *PromoRepository) IncrementUsage(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `
UPDATE promo_codes SET redemptions = redemptions + 1, updated_at = ?
WHERE id = ? AND (max_redemptions IS NULL OR redemptions < max_redemptions)`
	res, err := r.q.ExecContext(ctx, query, toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("increment promo usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promo usage rows affected: %w", err)
	}
	return affected > 0, nil
}
