package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	"github.com/honeynil/ScanOrchestrator/internal/repository/memory"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ repository.CreditRepository        = (*memory.CreditRepository)(nil)
	_ repository.UserRepository          = (*memory.UserRepository)(nil)
	_ repository.ScanRepository          = (*memory.ScanRepository)(nil)
	_ repository.CollectionRepository    = (*memory.CollectionRepository)(nil)
	_ repository.VulnerabilityRepository = (*memory.VulnerabilityRepository)(nil)
)

func entry(id string, typ models.TransactionType, amount string, at time.Time) *models.CreditTransaction {
	return &models.CreditTransaction{
		ID:        id,
		UserID:    "user-1",
		Type:      typ,
		Amount:    decimal.RequireFromString(amount),
		Status:    models.StatusCompleted,
		CreatedAt: at,
	}
}

func TestCreditRepository_ConcurrentDebits(t *testing.T) {
	credits := memory.New().Credits()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := credits.Apply(ctx, entry("seed", models.TypeTopup, "10", now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := credits.Apply(ctx, entry(fmt.Sprintf("d-%d", i), models.TypeScanDebit, "3", now))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	acc, err := credits.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1", acc.Balance.String())

	txs, err := credits.ListTransactions(ctx, "user-1", 0)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Delta())
	}
	assert.True(t, sum.Equal(acc.Balance))
}

func TestCreditRepository_RefundOnce(t *testing.T) {
	credits := memory.New().Credits()
	ctx := context.Background()
	now := time.Now().UTC()

	refund := entry("r-1", models.TypeScanRefund, "1.67", now)
	refund.ReferenceID = "scan-1"
	_, err := credits.Apply(ctx, refund)
	require.NoError(t, err)

	again := entry("r-2", models.TypeScanRefund, "1.67", now)
	again.ReferenceID = "scan-1"
	_, err = credits.Apply(ctx, again)
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyRefunded)

	txs, _ := credits.ListTransactions(ctx, "user-1", 0)
	assert.Len(t, txs, 1)
}

func TestCreditRepository_MonthlyGrantGuard(t *testing.T) {
	credits := memory.New().Credits()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := credits.Apply(ctx, entry("g-1", models.TypeProMonthly, "500", first))
	require.NoError(t, err)
	_, err = credits.Apply(ctx, entry("g-2", models.TypeProMonthly, "500", first.Add(29*24*time.Hour)))
	assert.ErrorIs(t, err, pkgerrors.ErrGrantNotDue)
	balance, err := credits.Apply(ctx, entry("g-3", models.TypeProMonthly, "500", first.Add(31*24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "1000", balance.String())
}

func TestScanRepository_TerminalIsFinal(t *testing.T) {
	store := memory.New()
	scans := store.Scans()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, scans.Create(ctx, &models.ScanJob{ID: "s-1", UserID: "user-1", Status: models.ScanPending, CreatedAt: now}))
	require.NoError(t, scans.UpdateStatus(ctx, "s-1", repository.StatusUpdate{Status: models.ScanFailed, ProgressText: "boom", UpdatedAt: now}))

	err := scans.UpdateStatus(ctx, "s-1", repository.StatusUpdate{Status: models.ScanScanning, ProgressPercent: 50, UpdatedAt: now})
	assert.ErrorIs(t, err, pkgerrors.ErrJobTerminal)

	job, err := scans.GetByID(ctx, "s-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScanFailed, job.Status)
	assert.Nil(t, job.FinishedAt)

	_, err = scans.GetByID(ctx, "s-1", "user-2")
	assert.ErrorIs(t, err, pkgerrors.ErrScanNotFound)
}

func TestCollectionRepository_FinishedAtSetOnce(t *testing.T) {
	collections := memory.New().Collections()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	require.NoError(t, collections.Create(ctx, &models.ScanCollection{ID: "c-1", UserID: "user-1", Status: models.ScanPending}))
	require.NoError(t, collections.UpdateSummary(ctx, "c-1", models.ScanCompleted, 100, &first))
	require.NoError(t, collections.UpdateSummary(ctx, "c-1", models.ScanCompleted, 100, &later))

	c, err := collections.GetByID(ctx, "c-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, *c.FinishedAt)
}
