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

type PurchaseRepository struct {
	q       database.Querier
	dialect database.Dialect
}

func NewPurchaseRepository(db *database.DB) *PurchaseRepository {
	return &PurchaseRepository{q: db, dialect: db.Dialect}
}

func (r *PurchaseRepository) WithTx(tx *sql.Tx) *PurchaseRepository {
	return &PurchaseRepository{q: tx, dialect: r.dialect}
}

const purchaseColumns = `id, user_id, kind, pack_id, plan, original_amount, discount_amount, final_amount, currency,
charge_amount, charge_currency, credits, bonus_credits, tier_unlock, status, failure_reason, promo_code_id,
promotion_ids, provider, external_ref, created_at, updated_at`

func scanPurchase(row rowScanner) (*models.CreditPurchase, error) {
	var p models.CreditPurchase
	var packID, plan, unlock, promoID sql.NullString
	var promotionIDs string
	var created, updated int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Kind, &packID, &plan, &p.OriginalAmount, &p.DiscountAmount, &p.FinalAmount,
		&p.Currency, &p.ChargeAmount, &p.ChargeCurrency, &p.Credits, &p.BonusCredits, &unlock, &p.Status,
		&p.FailureReason, &promoID, &promotionIDs, &p.Provider, &p.ExternalRef, &created, &updated); err != nil {
		return nil, err
	}
	p.PackID = packID.String
	p.Plan = models.Plan(plan.String)
	p.TierUnlock = models.Tier(unlock.String)
	p.PromoCodeID = promoID.String
	var err error
	if p.PromotionIDs, err = decodeList[string](promotionIDs); err != nil {
		return nil, fmt.Errorf("promotion_ids: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (r *PurchaseRepository) Create(ctx context.Context, p *models.CreditPurchase) error {
	const query = `
INSERT INTO credit_purchases (id, user_id, kind, pack_id, plan, original_amount, discount_amount, final_amount, currency,
charge_amount, charge_currency, credits, bonus_credits, tier_unlock, status, failure_reason, promo_code_id,
promotion_ids, provider, external_ref, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	promotionIDs, err := encodeList(p.PromotionIDs)
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, p.ID, p.UserID, p.Kind, nullString(p.PackID), nullString(string(p.Plan)),
		p.OriginalAmount, p.DiscountAmount, p.FinalAmount, p.Currency, p.ChargeAmount, p.ChargeCurrency, p.Credits,
		p.BonusCredits, nullString(string(p.TierUnlock)), p.Status, p.FailureReason, nullString(p.PromoCodeID),
		promotionIDs, p.Provider, p.ExternalRef, toMillis(p.CreatedAt), toMillis(p.UpdatedAt)); err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) GetByID(ctx context.Context, id string) (*models.CreditPurchase, error) {
	return r.get(ctx, `SELECT `+purchaseColumns+` FROM credit_purchases WHERE id = ?`, id)
}

// GetForUpdate locks the purchase row; confirmation relies on it to serialise
// concurrent webhook deliveries.
func (r *PurchaseRepository) GetForUpdate(ctx context.Context, id string) (*models.CreditPurchase, error) {
	return r.get(ctx, `SELECT `+purchaseColumns+` FROM credit_purchases WHERE id = ?`+r.dialect.ForUpdate(), id)
}

func (r *PurchaseRepository) get(ctx context.Context, query, id string) (*models.CreditPurchase, error) {
	p, err := scanPurchase(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

func (r *PurchaseRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.CreditPurchase, error) {
	const query = `SELECT ` + purchaseColumns + ` FROM credit_purchases WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	return r.list(ctx, query, userID, limit, offset)
}

func (r *PurchaseRepository) List(ctx context.Context, status models.PurchaseStatus, limit, offset int) ([]models.CreditPurchase, error) {
	if status == "" {
		const query = `SELECT ` + purchaseColumns + ` FROM credit_purchases ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
		return r.list(ctx, query, limit, offset)
	}
	const query = `SELECT ` + purchaseColumns + ` FROM credit_purchases WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	return r.list(ctx, query, status, limit, offset)
}

func (r *PurchaseRepository) list(ctx context.Context, query string, args ...any) ([]models.CreditPurchase, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	purchases := []models.CreditPurchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase list: %w", err)
		}
		purchases = append(purchases, *p)
	}
	return purchases, rows.Err()
}

// HasSucceeded reports whether the user ever completed a purchase.
func (r *PurchaseRepository) HasSucceeded(ctx context.Context, userID string) (bool, error) {
	row := r.q.QueryRowContext(ctx, `SELECT 1 FROM credit_purchases WHERE user_id = ? AND status IN (?, ?) LIMIT 1`,
		userID, models.PurchaseSucceeded, models.PurchaseRefunded)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check prior purchases: %w", err)
	}
	return true, nil
}

func (r *PurchaseRepository) SetExternalRef(ctx context.Context, id, provider, ref string, now time.Time) error {
	const query = `UPDATE credit_purchases SET provider = ?, external_ref = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, provider, ref, toMillis(now), id); err != nil {
		return fmt.Errorf("set purchase external ref: %w", err)
	}
	return nil
}

// Transition moves a purchase from one status to another. It reports false when
// the purchase was no longer in the expected status.
func (r *PurchaseRepository) Transition(ctx context.Context, id string, from, to models.PurchaseStatus, failureReason, externalRef string, now time.Time) (bool, error) {
	const query = `
UPDATE credit_purchases
SET status = ?, failure_reason = ?, external_ref = CASE WHEN ? = '' THEN external_ref ELSE ? END, updated_at = ?
WHERE id = ? AND status = ?`
	res, err := r.q.ExecContext(ctx, query, to, failureReason, externalRef, externalRef, toMillis(now), id, from)
	if err != nil {
		return false, fmt.Errorf("transition purchase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("purchase rows affected: %w", err)
	}
	return affected > 0, nil
}
