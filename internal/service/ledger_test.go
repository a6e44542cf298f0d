package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/models"
)

func TestLedgerGrantAndDebit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")

	txn, err := env.ledger.Grant(ctx, "u1", 100, models.ReasonPurchase, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), txn.BalanceAfter)

	_, err = env.ledger.Debit(ctx, "u1", 30, models.ReasonGeneration, "r1")
	require.NoError(t, err)
	_, err = env.ledger.Debit(ctx, "u1", 1, models.ReasonSuggestion, "r2")
	require.NoError(t, err)
	_, err = env.ledger.Gift(ctx, "u1", 5, "welcome")
	require.NoError(t, err)

	b, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Balance{Balance: 74, TotalPurchased: 100, TotalUsed: 31, TotalGifted: 5}, *b)

	replayed, err := env.ledger.Replay(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, b.Balance, replayed)
}

func TestLedgerRejectsInvalidAmounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")

	for _, amount := range []int64{0, -5} {
		_, err := env.ledger.Grant(ctx, "u1", amount, models.ReasonGift, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = env.ledger.Debit(ctx, "u1", amount, models.ReasonGeneration, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}

	_, err := env.ledger.Grant(ctx, "ghost", 10, models.ReasonGift, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLedgerDebitNeverGoesNegative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	_, err := env.ledger.Grant(ctx, "u1", 3, models.ReasonGift, "g1")
	require.NoError(t, err)

	_, err = env.ledger.Debit(ctx, "u1", 4, models.ReasonGeneration, "r1")
	require.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(3), env.balance(t, "u1"))

	page, err := env.ledger.History(ctx, "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestLedgerReferenceIdempotence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.user(t, "u2")

	first, err := env.ledger.Grant(ctx, "u1", 50, models.ReasonPurchase, "purchase-1")
	require.NoError(t, err)
	second, err := env.ledger.Grant(ctx, "u1", 50, models.ReasonPurchase, "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(50), env.balance(t, "u1"))

	// the same reference under another reason is a different event
	_, err = env.ledger.Debit(ctx, "u1", 50, models.ReasonRefund, "purchase-1")
	require.NoError(t, err)
	assert.Zero(t, env.balance(t, "u1"))

	_, err = env.ledger.Grant(ctx, "u2", 50, models.ReasonPurchase, "purchase-1")
	require.ErrorIs(t, err, ErrReferenceConflict)
}

func TestLedgerConcurrentDebits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	_, err := env.ledger.Grant(ctx, "u1", 5, models.ReasonGift, "seed")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Debit(ctx, "u1", 2, models.ReasonGeneration, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, short int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrInsufficientCredits):
			short++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, workers-2, short)
	assert.Equal(t, int64(1), env.balance(t, "u1"))
}

func TestLedgerVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.user(t, "u2")
	_, err := env.ledger.Grant(ctx, "u1", 10, models.ReasonGift, "g1")
	require.NoError(t, err)

	mismatches, err := env.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, env.users.SetBalance(ctx, "u2", 7, env.now))
	mismatches, err = env.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Mismatch{{UserID: "u2", Cached: 7, Replayed: 0}}, mismatches)
}

func TestLedgerReserveRejectsChargedReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1")
	env.user(t, "u2")
	_, err := env.ledger.Gift(ctx, "u1", 10, "seed")
	require.NoError(t, err)

	enough, err := env.ledger.HasEnough(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, enough)

	txn, err := env.ledger.Reserve(ctx, "u1", 4, models.ReasonGeneration, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), txn.BalanceAfter)

	_, err = env.ledger.Reserve(ctx, "u1", 4, models.ReasonGeneration, "r1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = env.ledger.Reserve(ctx, "u2", 4, models.ReasonGeneration, "r1")
	assert.ErrorIs(t, err, ErrReferenceConflict)
	_, err = env.ledger.Reserve(ctx, "u1", 7, models.ReasonGeneration, "r2")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	var verr *ValidationError
	_, err = env.ledger.Reserve(ctx, "u1", 1, models.ReasonGeneration, "")
	assert.ErrorAs(t, err, &verr)

	assert.Equal(t, int64(6), env.balance(t, "u1"))
}
