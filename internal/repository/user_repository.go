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

type UserRepository struct {
	q       database.Querier
	dialect database.Dialect
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{q: db, dialect: db.Dialect}
}

// WithTx returns a copy bound to tx.
func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	return &UserRepository{q: tx, dialect: r.dialect}
}

const userColumns = `id, email, plan, tier, lifetime_spend, tier_expires_at, credit_balance, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var expires sql.NullInt64
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.Plan, &u.Tier, &u.LifetimeSpend, &expires, &u.CreditBalance, &created, &updated); err != nil {
		return nil, err
	}
	u.TierExpiresAt = timePtr(expires)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (r *UserRepository) Get(ctx context.Context, id string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetForUpdate locks the user row until the surrounding transaction ends.
func (r *UserRepository) GetForUpdate(ctx context.Context, id string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`+r.dialect.ForUpdate(), id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	const query = `
INSERT INTO users (id, email, plan, tier, lifetime_spend, tier_expires_at, credit_balance, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, user.ID, user.Email, user.Plan, user.Tier, user.LifetimeSpend,
		nullMillis(user.TierExpiresAt), user.CreditBalance, toMillis(user.CreatedAt), toMillis(user.UpdatedAt)); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateEmail(ctx context.Context, id, email string, now time.Time) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE users SET email = ?, updated_at = ? WHERE id = ?`, email, toMillis(now), id); err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

// SetBalance overwrites the cached balance. Only the ledger calls this, in the
// same transaction that appends the matching credit transaction.
func (r *UserRepository) SetBalance(ctx context.Context, id string, balance int64, now time.Time) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE users SET credit_balance = ?, updated_at = ? WHERE id = ?`, balance, toMillis(now), id); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateStanding(ctx context.Context, id string, tier models.Tier, lifetimeSpend int64, expiresAt *time.Time, now time.Time) error {
	const query = `UPDATE users SET tier = ?, lifetime_spend = ?, tier_expires_at = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, tier, lifetimeSpend, nullMillis(expiresAt), toMillis(now), id); err != nil {
		return fmt.Errorf("update standing: %w", err)
	}
	return nil
}

func (r *UserRepository) SetPlan(ctx context.Context, id string, plan models.Plan, now time.Time) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE users SET plan = ?, updated_at = ? WHERE id = ?`, plan, toMillis(now), id); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

// Balances returns every user's cached balance keyed by user id.
func (r *UserRepository) Balances(ctx context.Context) (map[string]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, credit_balance FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[id] = balance
	}
	return out, rows.Err()
}
