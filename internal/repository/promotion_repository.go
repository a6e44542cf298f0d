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

type PromotionRepository struct {
	q database.Querier
}

func NewPromotionRepository(db *database.DB) *PromotionRepository {
	return &PromotionRepository{q: db}
}

func (r *PromotionRepository) WithTx(tx *sql.Tx) *PromotionRepository {
	return &PromotionRepository{q: tx}
}

const promotionColumns = `id, name, discount_type, discount_value, all_packs, pack_ids, all_plans, plans, starts_at, ends_at,
max_redemptions, max_redemptions_per_user, redemptions, stackable, priority, is_active, created_at, updated_at`

func scanPromotion(row rowScanner) (*models.Promotion, error) {
	var p models.Promotion
	var packs, plans string
	var starts, ends, created, updated int64
	var maxRedemptions, maxPerUser sql.NullInt64
	if err := row.Scan(&p.ID, &p.Name, &p.DiscountType, &p.DiscountValue, &p.AllPacks, &packs, &p.AllPlans, &plans,
		&starts, &ends, &maxRedemptions, &maxPerUser, &p.Redemptions, &p.Stackable, &p.Priority, &p.IsActive,
		&created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.PackIDs, err = decodeList[string](packs); err != nil {
		return nil, fmt.Errorf("pack_ids: %w", err)
	}
	if p.Plans, err = decodeList[models.Plan](plans); err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	p.StartsAt = fromMillis(starts)
	p.EndsAt = fromMillis(ends)
	p.MaxRedemptions = intPtr(maxRedemptions)
	p.MaxRedemptionsPerUser = intPtr(maxPerUser)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (r *PromotionRepository) GetByID(ctx context.Context, id string) (*models.Promotion, error) {
	p, err := scanPromotion(r.q.QueryRowContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}
	return p, nil
}

// List returns promotions by priority desc then newest first, the order the
// resolver applies them in.
func (r *PromotionRepository) List(ctx context.Context, activeOnly bool) ([]models.Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY priority DESC, created_at DESC, id DESC`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	defer rows.Close()

	promotions := []models.Promotion{}
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion list: %w", err)
		}
		promotions = append(promotions, *p)
	}
	return promotions, rows.Err()
}

func (r *PromotionRepository) Create(ctx context.Context, p *models.Promotion) error {
	const query = `
INSERT INTO promotions (id, name, discount_type, discount_value, all_packs, pack_ids, all_plans, plans, starts_at, ends_at,
max_redemptions, max_redemptions_per_user, redemptions, stackable, priority, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	packs, plans, err := promotionLists(p)
	if err != nil {
		return fmt.Errorf("create promotion: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, p.ID, p.Name, p.DiscountType, p.DiscountValue, p.AllPacks,
		packs, p.AllPlans, plans, toMillis(p.StartsAt), toMillis(p.EndsAt),
		nullInt(p.MaxRedemptions), nullInt(p.MaxRedemptionsPerUser), p.Redemptions, p.Stackable, p.Priority,
		p.IsActive, toMillis(p.CreatedAt), toMillis(p.UpdatedAt)); err != nil {
		return fmt.Errorf("create promotion: %w", err)
	}
	return nil
}

func (r *PromotionRepository) Update(ctx context.Context, p *models.Promotion) error {
	const query = `
UPDATE promotions
SET name = ?, discount_type = ?, discount_value = ?, all_packs = ?, pack_ids = ?, all_plans = ?, plans = ?, starts_at = ?,
ends_at = ?, max_redemptions = ?, max_redemptions_per_user = ?, stackable = ?, priority = ?, is_active = ?, updated_at = ?
WHERE id = ?`
	packs, plans, err := promotionLists(p)
	if err != nil {
		return fmt.Errorf("update promotion: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, p.Name, p.DiscountType, p.DiscountValue, p.AllPacks, packs,
		p.AllPlans, plans, toMillis(p.StartsAt), toMillis(p.EndsAt), nullInt(p.MaxRedemptions),
		nullInt(p.MaxRedemptionsPerUser), p.Stackable, p.Priority, p.IsActive, toMillis(p.UpdatedAt), p.ID); err != nil {
		return fmt.Errorf("update promotion: %w", err)
	}
	return nil
}

func promotionLists(p *models.Promotion) (packs, plans string, err error) {
	if packs, err = encodeList(p.PackIDs); err != nil {
		return "", "", err
	}
	if plans, err = encodeList(p.Plans); err != nil {
		return "", "", err
	}
	return packs, plans, nil
}

func (r *PromotionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM promotions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete promotion: %w", err)
	}
	return nil
}

func (r *PromotionRepository) IncrementUsage(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `
UPDATE promotions SET redemptions = redemptions + 1, updated_at = ?
WHERE id = ? AND (max_redemptions IS NULL OR redemptions < max_redemptions)`
	res, err := r.q.ExecContext(ctx, query, toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("increment promotion usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promotion usage rows affected: %w", err)
	}
	return affected > 0, nil
}
