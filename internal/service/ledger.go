package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/metrics"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
)

// Balance is a user's cached balance plus lifetime totals per category.
type Balance struct {
	Balance        int64 `json:"balance"`
	TotalPurchased int64 `json:"total_purchased"`
	TotalUsed      int64 `json:"total_used"`
	TotalGifted    int64 `json:"total_gifted"`
	TotalRefunded  int64 `json:"total_refunded"`
}

type TransactionPage struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Total        int                        `json:"total"`
	Page         int                        `json:"page"`
	Limit        int                        `json:"limit"`
}

// Mismatch is a user whose cached balance disagrees with the ledger replay.
type Mismatch struct {
	UserID   string `json:"user_id"`
	Cached   int64  `json:"cached"`
	Replayed int64  `json:"replayed"`
}

// Ledger is the only writer of credit balances. Every change appends a credit
// transaction and updates the cached balance in the same database transaction.
type Ledger struct {
	db    *database.DB
	users *repository.UserRepository
	txs   *repository.TransactionRepository
	log   *slog.Logger
	now   func() time.Time
}

func NewLedger(db *database.DB, users *repository.UserRepository, txs *repository.TransactionRepository, log *slog.Logger) *Ledger {
	return &Ledger{db: db, users: users, txs: txs, log: log, now: time.Now}
}

func idempotencyKey(reason models.TransactionReason, reference string) string {
	if reference == "" {
		return ""
	}
	return string(reason) + ":" + reference
}

// Grant adds credits. Repeating a call with the same reason and reference
// returns the original transaction and changes nothing.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason models.TransactionReason, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount, reason, reference)
}

// Debit removes credits, failing with ErrInsufficientCredits rather than going
// below zero.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason models.TransactionReason, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, userID, -amount, reason, reference)
}

// Gift grants credits from an administrator.
func (l *Ledger) Gift(ctx context.Context, userID string, amount int64, reference string) (*models.CreditTransaction, error) {
	return l.Grant(ctx, userID, amount, models.ReasonGift, reference)
}

// Reserve debits credits for work that has not run yet. Unlike Debit it fails
// with ErrDuplicateRequest when the reference was already charged, so a
// replayed request cannot run again for free.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, reason models.TransactionReason, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, invalid("reference", "is required")
	}
	var out *models.CreditTransaction
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = l.applyTx(ctx, tx, userID, -amount, reason, reference, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(reason)).Inc()
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, userID string, delta int64, reason models.TransactionReason, reference string) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = l.applyTx(ctx, tx, userID, delta, reason, reference, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(reason)).Inc()
	return out, nil
}

// ApplyTx applies a signed delta inside the caller's transaction. The user row
// is locked first so concurrent changes to one balance serialise.
func (l *Ledger) ApplyTx(ctx context.Context, tx *sql.Tx, userID string, delta int64, reason models.TransactionReason, reference string) (*models.CreditTransaction, error) {
	return l.applyTx(ctx, tx, userID, delta, reason, reference, true)
}

func (l *Ledger) applyTx(ctx context.Context, tx *sql.Tx, userID string, delta int64, reason models.TransactionReason, reference string, replay bool) (*models.CreditTransaction, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	users := l.users.WithTx(tx)
	txs := l.txs.WithTx(tx)

	user, err := users.GetForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	key := idempotencyKey(reason, reference)
	if key != "" {
		existing, err := txs.GetByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.UserID != userID {
				return nil, ErrReferenceConflict
			}
			if !replay {
				return nil, ErrDuplicateRequest
			}
			return existing, nil
		}
	}

	balance := user.CreditBalance + delta
	if balance < 0 {
		return nil, ErrInsufficientCredits
	}

	now := l.now().UTC()
	t := &models.CreditTransaction{
		ID:           ulid.Make().String(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: balance,
		Reason:       reason,
		ReferenceID:  reference,
		CreatedAt:    now,
	}
	if err := txs.Insert(ctx, t, key); err != nil {
		return nil, err
	}
	if err := users.SetBalance(ctx, userID, balance, now); err != nil {
		return nil, err
	}
	return t, nil
}

func (l *Ledger) HasEnough(ctx context.Context, userID string, amount int64) (bool, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, ErrUserNotFound
	}
	return user.CreditBalance >= amount, nil
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	sums, err := l.txs.SumByReason(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Balance:        user.CreditBalance,
		TotalPurchased: sums[models.ReasonPurchase],
		TotalUsed:      -(sums[models.ReasonGeneration] + sums[models.ReasonSuggestion] + sums[models.ReasonReversal]),
		TotalGifted:    sums[models.ReasonGift],
		TotalRefunded:  -sums[models.ReasonRefund],
	}, nil
}

// History returns one page of the user's transactions, newest first. Pages start at 1.
func (l *Ledger) History(ctx context.Context, userID string, page, limit int) (*TransactionPage, error) {
	page, limit = normalizePage(page, limit)
	items, err := l.txs.ListByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	total, err := l.txs.CountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TransactionPage{Transactions: items, Total: total, Page: page, Limit: limit}, nil
}

// Replay sums the user's transaction history.
func (l *Ledger) Replay(ctx context.Context, userID string) (int64, error) {
	sums, err := l.txs.SumByReason(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range sums {
		total += v
	}
	return total, nil
}

// Verify compares every cached balance with its replayed history.
func (l *Ledger) Verify(ctx context.Context) ([]Mismatch, error) {
	cached, err := l.users.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	replayed, err := l.txs.SumAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}

	var out []Mismatch
	for id, balance := range cached {
		if r := replayed[id]; r != balance {
			out = append(out, Mismatch{UserID: id, Cached: balance, Replayed: r})
		}
	}
	for id, r := range replayed {
		if _, ok := cached[id]; !ok {
			out = append(out, Mismatch{UserID: id, Replayed: r})
		}
	}
	if len(out) > 0 {
		l.log.Error("ledger mismatch", "users", len(out))
	}
	return out, nil
}
