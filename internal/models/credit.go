package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditAccount is the cached running balance of one user.
type CreditAccount struct {
	UserID             string          `json:"user_id"`
	Balance            decimal.Decimal `json:"balance"`
	LastUpdated        time.Time       `json:"last_updated"`
	LastMonthlyTopupAt *time.Time      `json:"last_monthly_topup_at,omitempty"`
}

type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"transaction_type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Status      StatusType      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Delta is the signed change the transaction applies to the balance.
func (t *CreditTransaction) Delta() decimal.Decimal {
	if t.Type == TypeScanDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type TransactionType string

const (
	TypeTopup      TransactionType = "topup"
	TypeScanDebit  TransactionType = "scan_debit"
	TypeScanRefund TransactionType = "scan_refund"
	TypeProMonthly TransactionType = "pro_monthly"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeTopup, TypeScanDebit, TypeScanRefund, TypeProMonthly:
		return true
	}
	return false
}

type StatusType string

const (
	StatusCompleted StatusType = "completed"
)

type TopupResult struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	Message       string          `json:"message"`
}

// ProGrantWindow is the minimum spacing between two monthly pro grants.
const ProGrantWindow = 30 * 24 * time.Hour

type ProStatus struct {
	UserID             string          `json:"user_id"`
	IsPro              bool            `json:"is_pro"`
	Balance            decimal.Decimal `json:"balance"`
	LastMonthlyTopupAt *time.Time      `json:"last_monthly_topup_at,omitempty"`
	NextGrantAt        *time.Time      `json:"next_grant_at,omitempty"`
}
