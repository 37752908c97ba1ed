package errors

import (
	"errors"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrInsufficientFunds       = errors.New("insufficient credits")
	ErrNilTransaction          = errors.New("transaction is nil")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrAlreadyRefunded         = errors.New("scan already refunded")
	ErrGrantNotDue             = errors.New("monthly grant not due")
	ErrAlreadyPro              = errors.New("user is already subscribed to pro")
	ErrNotPro                  = errors.New("user is not subscribed to pro")
	ErrInvalidInput            = errors.New("invalid input")
	ErrRequestAlreadyProcessed = errors.New("request already processed")

	ErrScanNotFound       = errors.New("scan not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrJobTerminal        = errors.New("scan already finished")

	ErrScannerNotFound       = errors.New("scanner not found")
	ErrScannerUnreachable    = errors.New("scanner unreachable")
	ErrScannerBadResponse    = errors.New("scanner returned bad response")
	ErrMalformedScannerEvent = errors.New("malformed scanner event")
)

// IsNotFound reports whether err belongs to the not-found family.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScanNotFound) ||
		errors.Is(err, ErrCollectionNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrRepositoryNotFound)
}
