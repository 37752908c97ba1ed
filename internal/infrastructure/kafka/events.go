package kafka

import "time"

// ScanEvent is published on every terminal scan transition.
type ScanEvent struct {
	ScanID          string    `json:"scan_id"`
	CollectionID    string    `json:"collection_id,omitempty"`
	UserID          string    `json:"user_id"`
	Scanner         string    `json:"scanner"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	ProgressText    string    `json:"progress_text"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// LedgerEvent mirrors one committed credit transaction.
type LedgerEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"transaction_type"`
	Amount        string    `json:"amount"`
	Balance       string    `json:"balance"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
