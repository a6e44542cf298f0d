package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
)

type PackRepository struct {
	q database.Querier
}

func NewPackRepository(db *database.DB) *PackRepository {
	return &PackRepository{q: db}
}

func (r *PackRepository) WithTx(tx *sql.Tx) *PackRepository {
	return &PackRepository{q: tx}
}

const packColumns = `id, name, description, credits, bonus_credits, price, currency, tier_unlock, is_active, is_featured, created_at, updated_at`

func scanPack(row rowScanner) (*models.CreditPack, error) {
	var p models.CreditPack
	var unlock sql.NullString
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Credits, &p.BonusCredits, &p.Price, &p.Currency,
		&unlock, &p.IsActive, &p.IsFeatured, &created, &updated); err != nil {
		return nil, err
	}
	p.TierUnlock = models.Tier(unlock.String)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (r *PackRepository) GetByID(ctx context.Context, id string) (*models.CreditPack, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+packColumns+` FROM credit_packs WHERE id = ?`, id)
	p, err := scanPack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pack: %w", err)
	}
	return p, nil
}

func (r *PackRepository) List(ctx context.Context, activeOnly bool) ([]models.CreditPack, error) {
	query := `SELECT ` + packColumns + ` FROM credit_packs`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY is_featured DESC, price ASC, id ASC`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	defer rows.Close()

	packs := []models.CreditPack{}
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pack list: %w", err)
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

func (r *PackRepository) Create(ctx context.Context, p *models.CreditPack) error {
	const query = `
INSERT INTO credit_packs (id, name, description, credits, bonus_credits, price, currency, tier_unlock, is_active, is_featured, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.Credits, p.BonusCredits, p.Price, p.Currency,
		nullString(string(p.TierUnlock)), p.IsActive, p.IsFeatured, toMillis(p.CreatedAt), toMillis(p.UpdatedAt)); err != nil {
		return fmt.Errorf("create pack: %w", err)
	}
	return nil
}

func (r *PackRepository) Update(ctx context.Context, p *models.CreditPack) error {
	const query = `
UPDATE credit_packs
SET name = ?, description = ?, credits = ?, bonus_credits = ?, price = ?, currency = ?, tier_unlock = ?, is_active = ?, is_featured = ?, updated_at = ?
WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, p.Name, p.Description, p.Credits, p.BonusCredits, p.Price, p.Currency,
		nullString(string(p.TierUnlock)), p.IsActive, p.IsFeatured, toMillis(p.UpdatedAt), p.ID); err != nil {
		return fmt.Errorf("update pack: %w", err)
	}
	return nil
}

func (r *PackRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM credit_packs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pack: %w", err)
	}
	return nil
}

// IsReferenced reports whether any purchase points at the pack.
func (r *PackRepository) IsReferenced(ctx context.Context, id string) (bool, error) {
	row := r.q.QueryRowContext(ctx, `SELECT 1 FROM credit_purchases WHERE pack_id = ? LIMIT 1`, id)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check pack reference: %w", err)
	}
	return true, nil
}
