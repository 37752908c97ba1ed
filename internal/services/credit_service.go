package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultHistoryLimit   = 50
	MaxHistoryLimit       = 100
	MaxDescriptionLength  = 255
	DefaultTopupNote      = "Credit topup"
	proMonthlyDescription = "Pro monthly credit pack"
)

var MaxTopupAmount = decimal.NewFromInt(10000)

type CreditService interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, description, referenceID string) (string, error)
	Refund(ctx context.Context, userID string, amount decimal.Decimal, description, referenceID string) (string, error)
	Topup(ctx context.Context, userID string, amount decimal.Decimal, description string) (*models.TopupResult, error)
	ApplyMonthlyProGrant(ctx context.Context, userID string) (bool, error)
	Subscribe(ctx context.Context, userID string) (*models.ProStatus, error)
	Unsubscribe(ctx context.Context, userID string) (*models.ProStatus, error)
	ProStatus(ctx context.Context, userID string) (*models.ProStatus, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	GetTransaction(ctx context.Context, id, userID string) (*models.CreditTransaction, error)
}

type creditService struct {
	credits       repository.CreditRepository
	users         repository.UserRepository
	producer      kafka.KafkaProducer
	ledgerTopic   string
	monthlyCredit decimal.Decimal
	now           func() time.Time
}

func NewCreditService(
	credits repository.CreditRepository,
	users repository.UserRepository,
	producer kafka.KafkaProducer,
	ledgerTopic string,
	monthlyCredit decimal.Decimal,
) *creditService {
	return &creditService{
		credits:       credits,
		users:         users,
		producer:      producer,
		ledgerTopic:   ledgerTopic,
		monthlyCredit: monthlyCredit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// apply is the single path through which balances change.
func (s *creditService) apply(ctx context.Context, userID string, typ models.TransactionType, amount decimal.Decimal, description, referenceID string) (*models.CreditTransaction, decimal.Decimal, error) {
	tx := &models.CreditTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
		Status:      models.StatusCompleted,
		CreatedAt:   s.now(),
	}
	balance, err := s.credits.Apply(ctx, tx)
	status := "success"
	switch {
	case err == nil:
	case stderrors.Is(err, pkgerrors.ErrInsufficientFunds):
		status = "insufficient"
	case stderrors.Is(err, pkgerrors.ErrGrantNotDue), stderrors.Is(err, pkgerrors.ErrAlreadyRefunded):
		status = "skipped"
	default:
		status = "error"
	}
	observability.LedgerOperations.WithLabelValues(string(typ), status).Inc()
	if err != nil {
		return nil, decimal.Zero, err
	}

	kafka.Publish(ctx, s.producer, s.ledgerTopic, userID, kafka.LedgerEvent{
		TransactionID: tx.ID,
		UserID:        userID,
		Type:          string(typ),
		Amount:        amount.StringFixed(2),
		Balance:       balance.StringFixed(2),
		ReferenceID:   referenceID,
		CreatedAt:     tx.CreatedAt,
	})
	return tx, balance, nil
}

func (s *creditService) isPro(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsPro, nil
}

// GetBalance creates the account lazily and applies a due pro grant before
// reading, so concurrent reads race only on the guarded grant UPDATE.
func (s *creditService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "GetBalance")
	span.SetAttributes(attribute.String("user_id", userID))
	defer span.End()

	pro, err := s.isPro(ctx, userID)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to read pro status", "user_id", userID, "error", err)
		return decimal.Zero, err
	}
	if pro {
		if _, err := s.ApplyMonthlyProGrant(ctx, userID); err != nil {
			slog.Error("monthly grant failed", "user_id", userID, "error", err)
		}
	}

	acc, err := s.credits.EnsureAccount(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read balance")
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (s *creditService) Debit(ctx context.Context, userID string, amount decimal.Decimal, description, referenceID string) (string, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "Debit")
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("amount", amount.String()))
	defer span.End()

	tx, balance, err := s.apply(ctx, userID, models.TypeScanDebit, amount, description, referenceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit failed")
		if stderrors.Is(err, pkgerrors.ErrInsufficientFunds) {
			slog.Warn("insufficient credits", "user_id", userID, "amount", amount, "reference_id", referenceID)
		} else {
			slog.Error("debit failed", "user_id", userID, "amount", amount, "error", err)
		}
		return "", err
	}
	slog.Info("credits debited", "user_id", userID, "amount", amount, "balance", balance, "reference_id", referenceID)
	return tx.ID, nil
}

func (s *creditService) Refund(ctx context.Context, userID string, amount decimal.Decimal, description, referenceID string) (string, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "Refund")
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("amount", amount.String()))
	defer span.End()

	tx, balance, err := s.apply(ctx, userID, models.TypeScanRefund, amount, description, referenceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return "", err
	}
	slog.Info("credits refunded", "user_id", userID, "amount", amount, "balance", balance, "reference_id", referenceID)
	return tx.ID, nil
}

func (s *creditService) Topup(ctx context.Context, userID string, amount decimal.Decimal, description string) (*models.TopupResult, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "Topup")
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("amount", amount.String()))
	defer span.End()

	if !amount.IsPositive() || amount.GreaterThan(MaxTopupAmount) {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("%w: amount must be greater than 0 and at most %s", pkgerrors.ErrInvalidAmount, MaxTopupAmount)
	}
	if !amount.Equal(amount.Truncate(2)) {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("%w: amount must have at most 2 decimal places", pkgerrors.ErrInvalidAmount)
	}
	if len(description) > MaxDescriptionLength {
		span.SetStatus(codes.Error, "description too long")
		return nil, fmt.Errorf("%w: description must be at most %d characters", pkgerrors.ErrInvalidInput, MaxDescriptionLength)
	}
	if description == "" {
		description = DefaultTopupNote
	}

	tx, balance, err := s.apply(ctx, userID, models.TypeTopup, amount, description, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "topup failed")
		slog.Error("topup failed", "user_id", userID, "amount", amount, "error", err)
		return nil, err
	}
	slog.Info("credits topped up", "user_id", userID, "amount", amount, "balance", balance)
	return &models.TopupResult{
		TransactionID: tx.ID,
		Amount:        amount,
		NewBalance:    balance,
		Message:       fmt.Sprintf("Successfully added %s credits", amount.String()),
	}, nil
}

// ApplyMonthlyProGrant reports whether a grant was applied. The 30-day
// guard lives in the store, so calling it concurrently grants at most once.
func (s *creditService) ApplyMonthlyProGrant(ctx context.Context, userID string) (bool, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "ApplyMonthlyProGrant")
	span.SetAttributes(attribute.String("user_id", userID))
	defer span.End()

	_, balance, err := s.apply(ctx, userID, models.TypeProMonthly, s.monthlyCredit, proMonthlyDescription, "")
	if stderrors.Is(err, pkgerrors.ErrGrantNotDue) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant failed")
		return false, err
	}
	slog.Info("monthly pro grant applied", "user_id", userID, "amount", s.monthlyCredit, "balance", balance)
	return true, nil
}

func (s *creditService) Subscribe(ctx context.Context, userID string) (*models.ProStatus, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "Subscribe")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		user = &models.User{ID: userID}
		err = s.users.Upsert(ctx, user)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if user.IsPro {
		return nil, pkgerrors.ErrAlreadyPro
	}
	if err := s.users.SetPro(ctx, userID, true); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := s.ApplyMonthlyProGrant(ctx, userID); err != nil {
		slog.Error("initial pro grant failed", "user_id", userID, "error", err)
	}
	slog.Info("user subscribed to pro", "user_id", userID)
	return s.ProStatus(ctx, userID)
}

func (s *creditService) Unsubscribe(ctx context.Context, userID string) (*models.ProStatus, error) {
	tracer := otel.Tracer("credit-service")
	ctx, span := tracer.Start(ctx, "Unsubscribe")
	defer span.End()

	pro, err := s.isPro(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !pro {
		return nil, pkgerrors.ErrNotPro
	}
	if err := s.users.SetPro(ctx, userID, false); err != nil {
		span.RecordError(err)
		return nil, err
	}
	slog.Info("user unsubscribed from pro", "user_id", userID)
	return s.ProStatus(ctx, userID)
}

func (s *creditService) ProStatus(ctx context.Context, userID string) (*models.ProStatus, error) {
	pro, err := s.isPro(ctx, userID)
	if err != nil {
		return nil, err
	}
	acc, err := s.credits.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := &models.ProStatus{
		UserID:             userID,
		IsPro:              pro,
		Balance:            acc.Balance,
		LastMonthlyTopupAt: acc.LastMonthlyTopupAt,
	}
	if pro && acc.LastMonthlyTopupAt != nil {
		next := acc.LastMonthlyTopupAt.Add(models.ProGrantWindow)
		status.NextGrantAt = &next
	}
	return status, nil
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func (s *creditService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return s.credits.ListTransactions(ctx, userID, ClampLimit(limit))
}

func (s *creditService) GetTransaction(ctx context.Context, id, userID string) (*models.CreditTransaction, error) {
	return s.credits.GetTransaction(ctx, id, userID)
}
