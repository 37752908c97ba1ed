package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	"github.com/honeynil/ScanOrchestrator/internal/scanner"
	"github.com/honeynil/ScanOrchestrator/internal/source"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	textInitializing = "Initializing..."
	textConnecting   = "Connecting to scanner..."
	textScanning     = "Scanning..."
	textComplete     = "Scan complete."
	textNoCredits    = "Insufficient credits"

	configRequiredCredits = "required_credits"
)

type JobRequest struct {
	UserID         string
	CollectionID   string
	RepositoryName string
	ScannerName    string
	Configurations map[string]any
	// Lines is the line count the job is priced on.
	Lines int64
}

type ScanService interface {
	CreateJob(ctx context.Context, req JobRequest) (*models.ScanJob, error)
	UpdateStatus(ctx context.Context, jobID string, status models.ScanStatus, progress int, text string) error
	GetJob(ctx context.Context, jobID, userID string) (*models.ScanJob, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]models.ScanJob, error)
	ListVulnerabilities(ctx context.Context, scanID, userID string) ([]models.Vulnerability, error)
	Launch(ctx context.Context, job *models.ScanJob)
	Abort(ctx context.Context, job *models.ScanJob, cause error)
	Wait(ctx context.Context) error
}

type scanService struct {
	scans     repository.ScanRepository
	vulns     repository.VulnerabilityRepository
	credits   CreditService
	adapter   *scanner.Adapter
	producer  kafka.KafkaProducer
	scanTopic string
	now       func() time.Time
	workers   sync.WaitGroup
}

func NewScanService(
	scans repository.ScanRepository,
	vulns repository.VulnerabilityRepository,
	credits CreditService,
	adapter *scanner.Adapter,
	producer kafka.KafkaProducer,
	scanTopic string,
) *scanService {
	return &scanService{
		scans:     scans,
		vulns:     vulns,
		credits:   credits,
		adapter:   adapter,
		producer:  producer,
		scanTopic: scanTopic,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob prices and debits the job before persisting it as pending. Jobs
// that cannot run (unknown scanner, insufficient credit) are still stored as
// failed and returned together with the cause.
func (s *scanService) CreateJob(ctx context.Context, req JobRequest) (*models.ScanJob, error) {
	tracer := otel.Tracer("scan-service")
	ctx, span := tracer.Start(ctx, "CreateJob")
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("scanner", req.ScannerName),
		attribute.String("repository", req.RepositoryName))
	defer span.End()

	if req.UserID == "" || req.RepositoryName == "" || req.ScannerName == "" {
		span.SetStatus(codes.Error, "invalid job request")
		return nil, pkgerrors.ErrInvalidInput
	}

	now := s.now()
	job := &models.ScanJob{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		CollectionID:   req.CollectionID,
		RepositoryName: req.RepositoryName,
		ScannerName:    req.ScannerName,
		Configurations: make(map[string]any, len(req.Configurations)+1),
		Status:         models.ScanPending,
		ProgressText:   textInitializing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for k, v := range req.Configurations {
		job.Configurations[k] = v
	}
	delete(job.Configurations, models.ConfigChargedCredits)

	entry, err := s.adapter.Registry().Lookup(req.ScannerName)
	if err != nil {
		span.SetStatus(codes.Error, "unknown scanner")
		slog.Warn("scan requested for unknown scanner", "user_id", req.UserID, "scanner", req.ScannerName)
		return s.rejected(ctx, job, err.Error(), err)
	}

	cost := scanner.Cost(req.Lines, entry.Rate)
	if cost.IsPositive() {
		_, err := s.credits.Debit(ctx, req.UserID, cost,
			fmt.Sprintf("Scan %s of %s", req.ScannerName, req.RepositoryName), job.ID)
		if stderrors.Is(err, pkgerrors.ErrInsufficientFunds) {
			span.SetStatus(codes.Error, "insufficient credits")
			job.Configurations[configRequiredCredits] = cost.StringFixed(2)
			return s.rejected(ctx, job, textNoCredits, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "debit failed")
			return nil, err
		}
		job.Configurations[models.ConfigChargedCredits] = cost.StringFixed(2)
	}

	if err := s.scans.Create(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan")
		slog.Error("failed to create scan", "scan_id", job.ID, "user_id", req.UserID, "error", err)
		s.refund(ctx, job)
		return nil, err
	}

	slog.Info("scan created",
		"scan_id", job.ID,
		"user_id", req.UserID,
		"scanner", req.ScannerName,
		"lines", req.Lines,
		"cost", cost)
	return job, nil
}

// rejected persists a job that never runs and returns it alongside cause.
func (s *scanService) rejected(ctx context.Context, job *models.ScanJob, text string, cause error) (*models.ScanJob, error) {
	job.Status = models.ScanFailed
	job.ProgressText = text
	if err := s.scans.Create(ctx, job); err != nil {
		slog.Error("failed to record rejected scan", "scan_id", job.ID, "user_id", job.UserID, "error", err)
		return nil, err
	}
	observability.ScanJobs.WithLabelValues(job.ScannerName, string(models.ScanFailed)).Inc()
	return job, cause
}

func (s *scanService) UpdateStatus(ctx context.Context, jobID string, status models.ScanStatus, progress int, text string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", pkgerrors.ErrInvalidInput, status)
	}
	now := s.now()
	upd := repository.StatusUpdate{
		Status:          status,
		ProgressPercent: progress,
		ProgressText:    text,
		UpdatedAt:       now,
	}
	if status == models.ScanCompleted {
		upd.FinishedAt = &now
	}
	return s.scans.UpdateStatus(ctx, jobID, upd)
}

func (s *scanService) GetJob(ctx context.Context, jobID, userID string) (*models.ScanJob, error) {
	return s.scans.GetByID(ctx, jobID, userID)
}

func (s *scanService) ListJobs(ctx context.Context, userID string, limit int) ([]models.ScanJob, error) {
	return s.scans.ListByUser(ctx, userID, ClampLimit(limit))
}

func (s *scanService) ListVulnerabilities(ctx context.Context, scanID, userID string) ([]models.Vulnerability, error) {
	if _, err := s.scans.GetByID(ctx, scanID, userID); err != nil {
		return nil, err
	}
	return s.vulns.ListByScanIDs(ctx, []string{scanID})
}

// Launch starts the worker for a pending job. The worker outlives the
// request that created it.
func (s *scanService) Launch(ctx context.Context, job *models.ScanJob) {
	if job == nil || job.Status != models.ScanPending {
		return
	}
	ctx = context.WithoutCancel(ctx)
	snapshot := *job
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.run(ctx, snapshot)
	}()
}

// Abort fails a pending job that will never be launched and refunds its
// charge.
func (s *scanService) Abort(ctx context.Context, job *models.ScanJob, cause error) {
	if job == nil || job.Status != models.ScanPending {
		return
	}
	s.finish(ctx, job, 0, cause)
}

// Wait blocks until every launched worker has returned or ctx is done.
func (s *scanService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scanService) run(ctx context.Context, job models.ScanJob) {
	tracer := otel.Tracer("scan-service")
	ctx, span := tracer.Start(ctx, "RunScan")
	span.SetAttributes(attribute.String("scan_id", job.ID), attribute.String("scanner", job.ScannerName))
	defer span.End()

	progress := 0
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("unexpected error: %v", r)
		}
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, "scan failed")
		}
		s.finish(ctx, &job, progress, runErr)
	}()

	if err := s.UpdateStatus(ctx, job.ID, models.ScanConnecting, 0, textConnecting); err != nil {
		runErr = err
		return
	}

	runErr = s.adapter.RunScanner(ctx, job.ScannerName, source.FolderName(job.RepositoryName), job.Mock(),
		func(ctx context.Context, ev scanner.Event) error {
			if len(ev.Vulnerabilities) > 0 {
				now := s.now()
				for i := range ev.Vulnerabilities {
					ev.Vulnerabilities[i].ID = uuid.NewString()
					ev.Vulnerabilities[i].ScanID = job.ID
					ev.Vulnerabilities[i].CreatedAt = now
				}
				if err := s.vulns.CreateBatch(ctx, ev.Vulnerabilities); err != nil {
					return err
				}
			}
			text := ev.Message
			if text == "" {
				text = textScanning
			}
			progress = ev.Progress
			return s.UpdateStatus(ctx, job.ID, models.ScanScanning, ev.Progress, text)
		})
}

// finish writes the terminal state. A failed job that was charged is
// refunded once; refund errors are logged and never retried here.
func (s *scanService) finish(ctx context.Context, job *models.ScanJob, progress int, runErr error) {
	status, text := models.ScanCompleted, textComplete
	if runErr != nil {
		status, text = models.ScanFailed, runErr.Error()
	} else {
		progress = 100
	}

	if err := s.UpdateStatus(ctx, job.ID, status, progress, text); err != nil {
		if stderrors.Is(err, pkgerrors.ErrJobTerminal) {
			slog.Warn("scan already terminal", "scan_id", job.ID)
		} else {
			slog.Error("failed to write terminal scan status", "scan_id", job.ID, "status", status, "error", err)
		}
	}

	if runErr != nil {
		attrs := append([]any{"scan_id", job.ID, "user_id", job.UserID, "scanner", job.ScannerName, "error", runErr},
			observability.TraceAttrs(ctx)...)
		slog.Error("scan failed", attrs...)
		s.refund(ctx, job)
	} else {
		slog.Info("scan completed", "scan_id", job.ID, "user_id", job.UserID, "scanner", job.ScannerName)
	}

	observability.ScanJobs.WithLabelValues(job.ScannerName, string(status)).Inc()
	kafka.Publish(ctx, s.producer, s.scanTopic, job.ID, kafka.ScanEvent{
		ScanID:          job.ID,
		CollectionID:    job.CollectionID,
		UserID:          job.UserID,
		Scanner:         job.ScannerName,
		Status:          string(status),
		ProgressPercent: progress,
		ProgressText:    text,
		OccurredAt:      s.now(),
	})
}

func (s *scanService) refund(ctx context.Context, job *models.ScanJob) {
	amount := job.ChargedCredits()
	if !amount.IsPositive() {
		return
	}
	_, err := s.credits.Refund(ctx, job.UserID, amount, fmt.Sprintf("Refund for failed scan %s", job.ID), job.ID)
	switch {
	case err == nil:
	case stderrors.Is(err, pkgerrors.ErrAlreadyRefunded):
		slog.Warn("scan already refunded", "scan_id", job.ID, "user_id", job.UserID)
	default:
		slog.Error("refund failed", "scan_id", job.ID, "user_id", job.UserID, "amount", amount, "error", err)
	}
}
