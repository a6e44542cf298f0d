package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
)

// TransactionRepository persists the append-only credit ledger. There is no
// update or delete.
type TransactionRepository struct {
	q database.Querier
}

func NewTransactionRepository(db *database.DB) *TransactionRepository {
	return &TransactionRepository{q: db}
}

func (r *TransactionRepository) WithTx(tx *sql.Tx) *TransactionRepository {
	return &TransactionRepository{q: tx}
}

const transactionColumns = `id, user_id, delta, balance_after, reason, reference_id, created_at`

func scanTransaction(row rowScanner) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	var ref sql.NullString
	var created int64
	if err := row.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.Reason, &ref, &created); err != nil {
		return nil, err
	}
	t.ReferenceID = ref.String
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

func (r *TransactionRepository) Insert(ctx context.Context, t *models.CreditTransaction, idempotencyKey string) error {
	const query = `
INSERT INTO credit_transactions (id, user_id, delta, balance_after, reason, reference_id, idempotency_key, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, t.ID, t.UserID, t.Delta, t.BalanceAfter, t.Reason,
		nullString(t.ReferenceID), nullString(idempotencyKey), toMillis(t.CreatedAt)); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.CreditTransaction, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE idempotency_key = ?`, key)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction by key: %w", err)
	}
	return t, nil
}

// ListByUser returns the newest transactions first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.q.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.CreditTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction list: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (r *TransactionRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// SumByReason aggregates a user's deltas per reason.
func (r *TransactionRepository) SumByReason(ctx context.Context, userID string) (map[models.TransactionReason]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT reason, COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = ? GROUP BY reason`, userID)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}
	defer rows.Close()

	out := map[models.TransactionReason]int64{}
	for rows.Next() {
		var reason models.TransactionReason
		var sum int64
		if err := rows.Scan(&reason, &sum); err != nil {
			return nil, fmt.Errorf("scan transaction sum: %w", err)
		}
		out[reason] = sum
	}
	return out, rows.Err()
}

// SumAll returns the replayed balance of every user that has transactions.
func (r *TransactionRepository) SumAll(ctx context.Context) (map[string]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT user_id, COALESCE(SUM(delta), 0) FROM credit_transactions GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("sum all transactions: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan replay sum: %w", err)
		}
		out[id] = sum
	}
	return out, rows.Err()
}
