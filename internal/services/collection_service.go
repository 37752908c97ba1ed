package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/redis"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	"github.com/honeynil/ScanOrchestrator/internal/scanner"
	"github.com/honeynil/ScanOrchestrator/internal/source"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const requestKeyTTL = 24 * time.Hour

type StartRequest struct {
	UserID         string
	RepositoryName string
	Scanners       []string
	Configurations map[string]any
	// RequestID deduplicates client retries when set.
	RequestID string
}

type CollectionService interface {
	StartScan(ctx context.Context, req StartRequest) (*models.ScanJob, error)
	StartCollection(ctx context.Context, req StartRequest) (*models.ScanCollection, error)
	GetCollectionStatus(ctx context.Context, collectionID, userID string) (*models.CollectionStatus, error)
	GetCollectionResults(ctx context.Context, collectionID, userID string) ([]models.Vulnerability, error)
	ListCollections(ctx context.Context, userID string, limit int) ([]models.ScanCollection, error)
	RefreshSummary(ctx context.Context, collectionID, userID string) error
}

type collectionService struct {
	collections repository.CollectionRepository
	scans       repository.ScanRepository
	vulns       repository.VulnerabilityRepository
	jobs        ScanService
	sources     source.Provider
	redisClient redis.RedisClient
	now         func() time.Time
}

// NewCollectionService builds the orchestrator. redisClient may be nil, in
// which case request ids are not deduplicated.
func NewCollectionService(
	collections repository.CollectionRepository,
	scans repository.ScanRepository,
	vulns repository.VulnerabilityRepository,
	jobs ScanService,
	sources source.Provider,
	redisClient redis.RedisClient,
) *collectionService {
	return &collectionService{
		collections: collections,
		scans:       scans,
		vulns:       vulns,
		jobs:        jobs,
		sources:     sources,
		redisClient: redisClient,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Aggregate derives the collection state from its children: any failed
// child fails the collection, all completed completes it, anything else is
// scanning. Progress is the truncated mean.
func Aggregate(jobs []models.ScanJob) (models.ScanStatus, int) {
	if len(jobs) == 0 {
		return models.ScanPending, 0
	}
	failed, completed, sum := false, 0, 0
	for _, j := range jobs {
		switch j.Status {
		case models.ScanFailed:
			failed = true
		case models.ScanCompleted:
			completed++
		}
		sum += j.ProgressPercent
	}
	progress := sum / len(jobs)
	switch {
	case failed:
		return models.ScanFailed, progress
	case completed == len(jobs):
		return models.ScanCompleted, progress
	}
	return models.ScanScanning, progress
}

func (s *collectionService) claimRequest(ctx context.Context, requestID, userID string) error {
	if requestID == "" || s.redisClient == nil {
		return nil
	}
	ok, err := s.redisClient.SetNX(ctx, redis.RequestKey(requestID), userID, requestKeyTTL)
	if err != nil {
		slog.Error("failed to set request key", "request_id", requestID, "error", err)
		return err
	}
	if !ok {
		slog.Warn("request already processed", "request_id", requestID, "user_id", userID)
		return pkgerrors.ErrRequestAlreadyProcessed
	}
	return nil
}

// releaseRequest frees a claimed request id after a start that did not go
// through, so the client can retry with the same id.
func (s *collectionService) releaseRequest(ctx context.Context, requestID string) {
	if requestID == "" || s.redisClient == nil {
		return
	}
	if err := s.redisClient.Del(ctx, redis.RequestKey(requestID)); err != nil {
		slog.Error("failed to release request key", "request_id", requestID, "error", err)
	}
}

// prepare validates the request and prices the repository once for every
// scanner that will run against it.
func (s *collectionService) prepare(ctx context.Context, req StartRequest) (int64, error) {
	if req.UserID == "" || strings.TrimSpace(req.RepositoryName) == "" || len(req.Scanners) == 0 {
		return 0, pkgerrors.ErrInvalidInput
	}
	checkout, err := s.sources.Resolve(ctx, req.RepositoryName)
	if err != nil {
		return 0, err
	}
	if err := s.claimRequest(ctx, req.RequestID, req.UserID); err != nil {
		return 0, err
	}
	lines, err := scanner.CountLines(checkout.Path)
	if err != nil {
		slog.Error("failed to count repository lines", "repository", req.RepositoryName, "error", err)
		s.releaseRequest(ctx, req.RequestID)
		return 0, err
	}
	return lines, nil
}

// StartScan creates and launches a single job outside any collection. A job
// rejected for credit or an unknown scanner is returned with its cause.
func (s *collectionService) StartScan(ctx context.Context, req StartRequest) (*models.ScanJob, error) {
	tracer := otel.Tracer("collection-service")
	ctx, span := tracer.Start(ctx, "StartScan")
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.String("repository", req.RepositoryName))
	defer span.End()

	if len(req.Scanners) != 1 {
		span.SetStatus(codes.Error, "exactly one scanner required")
		return nil, pkgerrors.ErrInvalidInput
	}
	lines, err := s.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prepare scan")
		return nil, err
	}

	job, err := s.jobs.CreateJob(ctx, JobRequest{
		UserID:         req.UserID,
		RepositoryName: req.RepositoryName,
		ScannerName:    req.Scanners[0],
		Configurations: req.Configurations,
		Lines:          lines,
	})
	if err != nil {
		span.RecordError(err)
		s.releaseRequest(ctx, req.RequestID)
		return job, err
	}
	s.jobs.Launch(ctx, job)
	return job, nil
}

// StartCollection fans out one job per distinct scanner. A scanner that
// cannot be paid for is recorded as failed and the rest still start. The
// call returns as soon as every worker is launched.
func (s *collectionService) StartCollection(ctx context.Context, req StartRequest) (*models.ScanCollection, error) {
	tracer := otel.Tracer("collection-service")
	ctx, span := tracer.Start(ctx, "StartCollection")
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("repository", req.RepositoryName),
		attribute.StringSlice("scanners", req.Scanners))
	defer span.End()

	req.Scanners = dedupe(req.Scanners)
	lines, err := s.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prepare collection")
		return nil, err
	}

	coll := &models.ScanCollection{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		RepositoryName: req.RepositoryName,
		Scanners:       req.Scanners,
		CreatedAt:      s.now(),
	}

	var created []models.ScanJob
	for _, name := range req.Scanners {
		job, err := s.jobs.CreateJob(ctx, JobRequest{
			UserID:         req.UserID,
			CollectionID:   coll.ID,
			RepositoryName: req.RepositoryName,
			ScannerName:    name,
			Configurations: req.Configurations,
			Lines:          lines,
		})
		if job == nil {
			// Nothing was recorded for this scanner; the debit, if any, was undone.
			slog.Error("failed to create collection scan",
				"collection_id", coll.ID,
				"scanner", name,
				"error", err)
			continue
		}
		if err != nil {
			slog.Warn("collection scan rejected",
				"collection_id", coll.ID,
				"scan_id", job.ID,
				"scanner", name,
				"error", err)
		}
		created = append(created, *job)
		coll.ScanIDs = append(coll.ScanIDs, job.ID)
	}

	coll.Status, coll.ProgressPercent = Aggregate(created)
	if coll.Status.Terminal() {
		finished := s.now()
		coll.FinishedAt = &finished
	}
	if err := s.collections.Create(ctx, coll); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create collection")
		slog.Error("failed to create collection", "collection_id", coll.ID, "error", err)
		for i := range created {
			s.jobs.Abort(ctx, &created[i], fmt.Errorf("collection not saved: %w", err))
		}
		s.releaseRequest(ctx, req.RequestID)
		return nil, err
	}

	for i := range created {
		s.jobs.Launch(ctx, &created[i])
	}

	slog.Info("collection started",
		"collection_id", coll.ID,
		"user_id", req.UserID,
		"repository", req.RepositoryName,
		"scans", len(coll.ScanIDs))
	return coll, nil
}

func (s *collectionService) children(ctx context.Context, collectionID, userID string) (*models.ScanCollection, []models.ScanJob, error) {
	coll, err := s.collections.GetByID(ctx, collectionID, userID)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := s.scans.ListByIDs(ctx, coll.ScanIDs)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]models.ScanJob, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ordered := make([]models.ScanJob, 0, len(jobs))
	for _, id := range coll.ScanIDs {
		if j, ok := byID[id]; ok {
			ordered = append(ordered, j)
		}
	}
	return coll, ordered, nil
}

// GetCollectionStatus recomputes the aggregate from the child jobs on every
// call. The stored summary is only a cache and is refreshed best-effort.
func (s *collectionService) GetCollectionStatus(ctx context.Context, collectionID, userID string) (*models.CollectionStatus, error) {
	tracer := otel.Tracer("collection-service")
	ctx, span := tracer.Start(ctx, "GetCollectionStatus")
	span.SetAttributes(attribute.String("collection_id", collectionID))
	defer span.End()

	coll, jobs, err := s.children(ctx, collectionID, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	status := &models.CollectionStatus{Scans: make([]models.ScanMiniStatus, 0, len(jobs))}
	status.Status, status.ProgressPercent = Aggregate(jobs)
	for _, j := range jobs {
		status.Scans = append(status.Scans, models.ScanMiniStatus{
			ScanID:          j.ID,
			ScannerName:     j.ScannerName,
			Status:          j.Status,
			ProgressPercent: j.ProgressPercent,
			ProgressText:    j.ProgressText,
		})
	}

	if coll.Status != status.Status || coll.ProgressPercent != status.ProgressPercent {
		var finished *time.Time
		if status.Status.Terminal() {
			now := s.now()
			finished = &now
		}
		if err := s.collections.UpdateSummary(ctx, coll.ID, status.Status, status.ProgressPercent, finished); err != nil {
			slog.Warn("failed to cache collection summary", "collection_id", coll.ID, "error", err)
		}
	}
	return status, nil
}

func (s *collectionService) GetCollectionResults(ctx context.Context, collectionID, userID string) ([]models.Vulnerability, error) {
	coll, err := s.collections.GetByID(ctx, collectionID, userID)
	if err != nil {
		return nil, err
	}
	return s.vulns.ListByScanIDs(ctx, coll.ScanIDs)
}

func (s *collectionService) ListCollections(ctx context.Context, userID string, limit int) ([]models.ScanCollection, error) {
	return s.collections.ListByUser(ctx, userID, ClampLimit(limit))
}

// RefreshSummary is driven by scan events from the broker.
func (s *collectionService) RefreshSummary(ctx context.Context, collectionID, userID string) error {
	_, err := s.GetCollectionStatus(ctx, collectionID, userID)
	if stderrors.Is(err, pkgerrors.ErrCollectionNotFound) {
		slog.Warn("scan event for unknown collection", "collection_id", collectionID)
		return nil
	}
	return err
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
