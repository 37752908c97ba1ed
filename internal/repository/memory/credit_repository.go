package memory

import (
	"context"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
)

type CreditRepository struct {
	s *Store
}

func (r *CreditRepository) account(userID string, now time.Time) *models.CreditAccount {
	acc, ok := r.s.accounts[userID]
	if !ok {
		acc = &models.CreditAccount{UserID: userID, Balance: decimal.Zero, LastUpdated: now}
		r.s.accounts[userID] = acc
	}
	return acc
}

func (r *CreditRepository) EnsureAccount(_ context.Context, userID string) (*models.CreditAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := *r.account(userID, time.Now().UTC())
	return &out, nil
}

func (r *CreditRepository) Apply(_ context.Context, tx *models.CreditTransaction) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, pkgerrors.ErrNilTransaction
	}
	if !tx.Type.Valid() {
		return decimal.Zero, pkgerrors.ErrInvalidTransactionType
	}
	if !tx.Amount.IsPositive() {
		return decimal.Zero, pkgerrors.ErrInvalidAmount
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	acc := r.account(tx.UserID, tx.CreatedAt)
	switch tx.Type {
	case models.TypeScanDebit:
		if acc.Balance.LessThan(tx.Amount) {
			return decimal.Zero, pkgerrors.ErrInsufficientFunds
		}
	case models.TypeProMonthly:
		if last := acc.LastMonthlyTopupAt; last != nil && last.After(tx.CreatedAt.Add(-models.ProGrantWindow)) {
			return decimal.Zero, pkgerrors.ErrGrantNotDue
		}
	case models.TypeScanRefund:
		if tx.ReferenceID != "" {
			if _, done := r.s.refunds[tx.ReferenceID]; done {
				return decimal.Zero, pkgerrors.ErrAlreadyRefunded
			}
			r.s.refunds[tx.ReferenceID] = struct{}{}
		}
	}

	acc.Balance = acc.Balance.Add(tx.Delta())
	acc.LastUpdated = tx.CreatedAt
	if tx.Type == models.TypeProMonthly {
		at := tx.CreatedAt
		acc.LastMonthlyTopupAt = &at
	}
	r.s.txs = append(r.s.txs, *tx)
	return acc.Balance, nil
}

func (r *CreditRepository) ListTransactions(_ context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []models.CreditTransaction{}
	for _, tx := range r.s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return newestFirst(out, func(t models.CreditTransaction) int64 { return t.CreatedAt.UnixNano() }, limit), nil
}

func (r *CreditRepository) GetTransaction(_ context.Context, id, userID string) (*models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, tx := range r.s.txs {
		if tx.ID == id && tx.UserID == userID {
			out := tx
			return &out, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}
