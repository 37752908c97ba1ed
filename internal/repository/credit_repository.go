package repository

import (
	"context"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/shopspring/decimal"
)

// CreditRepository is the only writer of balances. Apply inserts the ledger
// entry and moves the cached balance in one atomic unit.
type CreditRepository interface {
	EnsureAccount(ctx context.Context, userID string) (*models.CreditAccount, error)
	Apply(ctx context.Context, tx *models.CreditTransaction) (newBalance decimal.Decimal, err error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	GetTransaction(ctx context.Context, id, userID string) (*models.CreditTransaction, error)
}
