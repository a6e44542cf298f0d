package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
)

// RedemptionRepository tracks which user redeemed which promo code or promotion.
type RedemptionRepository struct {
	q database.Querier
}

func NewRedemptionRepository(db *database.DB) *RedemptionRepository {
	return &RedemptionRepository{q: db}
}

func (r *RedemptionRepository) WithTx(tx *sql.Tx) *RedemptionRepository {
	return &RedemptionRepository{q: tx}
}

func (r *RedemptionRepository) Record(ctx context.Context, source models.RedemptionSource, sourceID, userID, purchaseID string, now time.Time) error {
	const query = `
INSERT INTO redemptions (id, source_kind, source_id, user_id, purchase_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, uuid.NewString(), source, sourceID, userID, purchaseID, toMillis(now)); err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}

func (r *RedemptionRepository) CountForUser(ctx context.Context, source models.RedemptionSource, sourceID, userID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM redemptions WHERE source_kind = ? AND source_id = ? AND user_id = ?`
	var n int64
	if err := r.q.QueryRowContext(ctx, query, source, sourceID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}
