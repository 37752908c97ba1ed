package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ensureAccountQuery = `INSERT INTO user_credits (user_id, balance, last_updated) VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`
	selectAccountQuery = `SELECT user_id, balance, last_updated, last_monthly_topup_at FROM user_credits WHERE user_id = $1`
	debitQuery         = `UPDATE user_credits SET balance = balance - $1, last_updated = $3 WHERE user_id = $2 AND balance >= $1 RETURNING balance`
	creditQuery        = `UPDATE user_credits SET balance = balance + $1, last_updated = $3 WHERE user_id = $2 RETURNING balance`
	grantQuery         = `UPDATE user_credits SET balance = balance + $1, last_updated = $3, last_monthly_topup_at = $3 WHERE user_id = $2 AND (last_monthly_topup_at IS NULL OR last_monthly_topup_at <= $4) RETURNING balance`
	insertTxQuery      = `INSERT INTO credit_transactions (id, user_id, transaction_type, amount, description, reference_id, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	listTxQuery        = `SELECT id, user_id, transaction_type, amount, description, COALESCE(reference_id, ''), status, created_at FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	getTxQuery         = `SELECT id, user_id, transaction_type, amount, description, COALESCE(reference_id, ''), status, created_at FROM credit_transactions WHERE id = $1 AND user_id = $2`
)

type PostgresCreditRepository struct {
	db *sql.DB
}

func NewPostgresCreditRepository(db *sql.DB) *PostgresCreditRepository {
	return &PostgresCreditRepository{db: db}
}

func (r *PostgresCreditRepository) EnsureAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	var err error
	tracer := otel.Tracer("credit-repository")
	ctx, span := tracer.Start(ctx, "EnsureAccount")
	span.SetAttributes(attribute.String("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("EnsureAccount", start, err)
	}()

	if _, err = r.db.ExecContext(ctx, ensureAccountQuery, userID, time.Now().UTC()); err != nil {
		slog.Error("failed to ensure credit account", "method", "EnsureAccount", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var acc models.CreditAccount
	var lastTopup sql.NullTime
	err = r.db.QueryRowContext(ctx, selectAccountQuery, userID).Scan(&acc.UserID, &acc.Balance, &acc.LastUpdated, &lastTopup)
	if err != nil {
		slog.Error("failed to read credit account", "method", "EnsureAccount", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to read credit account: %w", err)
	}
	if lastTopup.Valid {
		acc.LastMonthlyTopupAt = &lastTopup.Time
	}
	return &acc, nil
}

// Apply moves the balance by the transaction delta and records the entry in
// one database transaction. Debits are conditional on balance >= amount and
// monthly grants on the 30-day guard, both evaluated by the UPDATE itself.
func (r *PostgresCreditRepository) Apply(ctx context.Context, tx *models.CreditTransaction) (decimal.Decimal, error) {
	var err error
	tracer := otel.Tracer("credit-repository")
	ctx, span := tracer.Start(ctx, "ApplyTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("ApplyTransaction", start, err)
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to apply transaction", "method", "Apply", "error", err)
		return decimal.Zero, err
	}
	if !tx.Type.Valid() {
		err = pkgerrors.ErrInvalidTransactionType
		slog.Error("invalid transaction type", "method", "Apply", "type", tx.Type, "error", err)
		return decimal.Zero, err
	}
	if !tx.Amount.IsPositive() {
		err = pkgerrors.ErrInvalidAmount
		slog.Error("amount must be positive", "method", "Apply", "amount", tx.Amount, "error", err)
		return decimal.Zero, err
	}

	span.SetAttributes(
		attribute.String("user_id", tx.UserID),
		attribute.String("type", string(tx.Type)),
		attribute.String("amount", tx.Amount.String()),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Apply", "error", err)
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err = dbTx.ExecContext(ctx, ensureAccountQuery, tx.UserID, tx.CreatedAt); err != nil {
		err = rollback(dbTx, "Apply", fmt.Errorf("failed to ensure credit account: %w", err))
		return decimal.Zero, err
	}

	var newBalance decimal.Decimal
	switch tx.Type {
	case models.TypeScanDebit:
		err = dbTx.QueryRowContext(ctx, debitQuery, tx.Amount, tx.UserID, tx.CreatedAt).Scan(&newBalance)
		if stderrors.Is(err, sql.ErrNoRows) {
			err = pkgerrors.ErrInsufficientFunds
		}
	case models.TypeProMonthly:
		cutoff := tx.CreatedAt.Add(-models.ProGrantWindow)
		err = dbTx.QueryRowContext(ctx, grantQuery, tx.Amount, tx.UserID, tx.CreatedAt, cutoff).Scan(&newBalance)
		if stderrors.Is(err, sql.ErrNoRows) {
			err = pkgerrors.ErrGrantNotDue
		}
	default:
		err = dbTx.QueryRowContext(ctx, creditQuery, tx.Amount, tx.UserID, tx.CreatedAt).Scan(&newBalance)
	}
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrInsufficientFunds) && !stderrors.Is(err, pkgerrors.ErrGrantNotDue) {
			err = fmt.Errorf("failed to update balance: %w", err)
			slog.Error("failed to update balance", "method", "Apply", "user_id", tx.UserID, "type", tx.Type, "error", err)
		}
		err = rollback(dbTx, "Apply", err)
		return decimal.Zero, err
	}

	_, err = dbTx.ExecContext(ctx, insertTxQuery,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Description, nullString(tx.ReferenceID), tx.Status, tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
			err = pkgerrors.ErrAlreadyRefunded
		} else {
			err = fmt.Errorf("failed to create transaction: %w", err)
			slog.Error("failed to create transaction", "method", "Apply", "user_id", tx.UserID, "type", tx.Type, "error", err)
		}
		err = rollback(dbTx, "Apply", err)
		return decimal.Zero, err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Apply", "error", err)
		return decimal.Zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transaction applied", "method", "Apply", "id", tx.ID, "user_id", tx.UserID, "type", tx.Type, "amount", tx.Amount, "balance", newBalance)
	return newBalance, nil
}

func (r *PostgresCreditRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	var err error
	tracer := otel.Tracer("credit-repository")
	ctx, span := tracer.Start(ctx, "ListTransactions")
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int("limit", limit))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("ListTransactions", start, err)
	}()

	rows, err := r.db.QueryContext(ctx, listTxQuery, userID, limit)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListTransactions", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.CreditTransaction{}
	for rows.Next() {
		var tx models.CreditTransaction
		if err = rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Description, &tx.ReferenceID, &tx.Status, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresCreditRepository) GetTransaction(ctx context.Context, id, userID string) (*models.CreditTransaction, error) {
	var err error
	tracer := otel.Tracer("credit-repository")
	ctx, span := tracer.Start(ctx, "GetTransaction")
	span.SetAttributes(attribute.String("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("GetTransaction", start, err)
	}()

	var tx models.CreditTransaction
	err = r.db.QueryRowContext(ctx, getTxQuery, id, userID).
		Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Description, &tx.ReferenceID, &tx.Status, &tx.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetTransaction", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return &tx, nil
}
