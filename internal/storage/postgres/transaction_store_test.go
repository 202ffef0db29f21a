package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

func newTestTransaction(id, userID string) *domain.ExchangeTransaction {
	return &domain.ExchangeTransaction{
		TransactionID: id,
		UserID:        userID,
		AmountUSD:     decimal.RequireFromString("100.00"),
		ExchangeRate:  decimal.RequireFromString("50000"),
		FeePercentage: decimal.RequireFromString("22"),
		FeeAmount:     decimal.RequireFromString("22"),
		NetAmountUSD:  decimal.RequireFromString("78"),
		AmountCrypto:  decimal.RequireFromString("0.00156"),
		Currency:      domain.BTC,
		WalletAddress: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		Status:        domain.StatusPending,
		CreatedAt:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTransactionStore_InsertAndGetByID(t *testing.T) {
	pool := newTestPool(t)

	store := NewTransactionStore(pool)
	ctx := context.Background()

	tx := newTestTransaction("TX-pg-1", "user-1")
	require.NoError(t, store.Insert(ctx, tx))

	got, err := store.GetByID(ctx, "TX-pg-1")
	require.NoError(t, err)

	assert.Equal(t, tx.TransactionID, got.TransactionID)
	assert.Equal(t, tx.UserID, got.UserID)
	assert.True(t, tx.AmountUSD.Equal(got.AmountUSD))
	assert.True(t, tx.AmountCrypto.Equal(got.AmountCrypto))
	assert.True(t, tx.FeeAmount.Equal(got.FeeAmount))
	assert.Equal(t, domain.BTC, got.Currency)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, tx.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.VerifiedAt)
	assert.Nil(t, got.CompletedAt)

	assert.ErrorIs(t, store.Insert(ctx, tx), storage.ErrDuplicateKey)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionStore_VerifyAndComplete(t *testing.T) {
	pool := newTestPool(t)

	store := NewTransactionStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Insert(ctx, newTestTransaction("TX-pg-2", "user-2")))

	require.NoError(t, store.MarkVerified(ctx, "TX-pg-2", "#AB12CD3", domain.MethodDualChannel, now))
	assert.ErrorIs(t, store.MarkVerified(ctx, "TX-pg-2", "#AB12CD3", domain.MethodDualChannel, now), storage.ErrStatusConflict)

	// Verifier holds the claim until it releases it
	assert.ErrorIs(t, store.ClaimSettlement(ctx, "TX-pg-2"), storage.ErrSettlementClaimed)
	require.NoError(t, store.ReleaseSettlement(ctx, "TX-pg-2"))
	require.NoError(t, store.ClaimSettlement(ctx, "TX-pg-2"))

	require.NoError(t, store.MarkCompleted(ctx, "TX-pg-2", "txhash-abc", now))

	got, err := store.GetByID(ctx, "TX-pg-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "txhash-abc", got.SettlementRef)
	assert.Equal(t, "#AB12CD3", got.ReceiptIdentifier)
	assert.Equal(t, domain.MethodDualChannel, got.VerificationMethod)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.VerifiedAt)

	// Terminal row
	assert.ErrorIs(t, store.MarkCompleted(ctx, "TX-pg-2", "txhash-def", now), storage.ErrStatusConflict)
	assert.ErrorIs(t, store.AdminConfirm(ctx, "TX-pg-2", now), storage.ErrStatusConflict)
	assert.ErrorIs(t, store.ClaimSettlement(ctx, "TX-pg-2"), storage.ErrStatusConflict)
	assert.ErrorIs(t, store.MarkCompleted(ctx, "missing", "x", now), storage.ErrNotFound)

	stats, err := store.GetUserStats(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, stats.TotalExchanged.Equal(decimal.NewFromInt(100)), "total %s", stats.TotalExchanged)
	require.Len(t, stats.ByCurrency, 1)
	assert.Equal(t, int64(1), stats.ByCurrency[0].TransactionCount)
	assert.True(t, stats.ByCurrency[0].TotalAmountCrypto.Equal(decimal.RequireFromString("0.00156")))
}

func TestTransactionStore_MarkFailed(t *testing.T) {
	pool := newTestPool(t)

	store := NewTransactionStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Insert(ctx, newTestTransaction("TX-pg-3", "user-3")))

	assert.ErrorIs(t, store.MarkFailed(ctx, "TX-pg-3", domain.StatusVerified, domain.StepSettlement, "x", now), storage.ErrStatusConflict)
	require.NoError(t, store.MarkFailed(ctx, "TX-pg-3", domain.StatusPending, domain.StepCrossVerification, "payment details mismatch", now))

	got, err := store.GetByID(ctx, "TX-pg-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.StepCrossVerification, got.FailureStep)
	assert.Equal(t, "payment details mismatch", got.ErrorDetail)

	stats, err := store.GetUserStats(ctx, "user-3")
	require.NoError(t, err)
	assert.True(t, stats.TotalExchanged.IsZero())
	assert.Empty(t, stats.ByCurrency)
}

func TestTransactionStore_ConcurrentConfirmCreditsOnce(t *testing.T) {
	pool := newTestPool(t)

	store := NewTransactionStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Insert(ctx, newTestTransaction("TX-pg-4", "user-4")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = store.AdminConfirm(ctx, "TX-pg-4", now)
			} else if err = store.MarkVerified(ctx, "TX-pg-4", "#AB12CD3", domain.MethodDualChannel, now); err == nil {
				err = store.MarkCompleted(ctx, "TX-pg-4", "ref", now)
			}
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	stats, err := store.GetUserStats(ctx, "user-4")
	require.NoError(t, err)
	assert.True(t, stats.TotalExchanged.Equal(decimal.NewFromInt(100)), "total %s", stats.TotalExchanged)
}

func TestTransactionStore_ListAndSummary(t *testing.T) {
	pool := newTestPool(t)

	store := NewTransactionStore(pool)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"TX-l-1", "TX-l-2", "TX-l-3"} {
		tx := newTestTransaction(id, "user-5")
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Insert(ctx, tx))
	}
	eth := newTestTransaction("TX-l-eth", "user-6")
	eth.Currency = domain.ETH
	eth.AmountCrypto = decimal.RequireFromString("0.03")
	require.NoError(t, store.Insert(ctx, eth))

	require.NoError(t, store.AdminConfirm(ctx, "TX-l-2", base))
	require.NoError(t, store.AdminConfirm(ctx, "TX-l-eth", base))

	list, err := store.ListByUser(ctx, "user-5", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "TX-l-3", list[0].TransactionID)

	limited, err := store.ListByUser(ctx, "user-5", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	pending, err := store.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "TX-l-1", pending[0].TransactionID)

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.CountByStatus[domain.StatusCompleted])
	assert.Equal(t, int64(2), summary.CountByStatus[domain.StatusPending])
	assert.True(t, summary.CompletedUSD.Equal(decimal.NewFromInt(200)))
	assert.True(t, summary.CompletedByCrypto[domain.ETH].Equal(decimal.RequireFromString("0.03")))
}
