package repository

import (
	"context"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/models"
)

type StatusUpdate struct {
	Status          models.ScanStatus
	ProgressPercent int
	ProgressText    string
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

type ScanRepository interface {
	Create(ctx context.Context, job *models.ScanJob) error
	// UpdateStatus fails with ErrJobTerminal once the job is completed or failed.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error
	GetByID(ctx context.Context, id, userID string) (*models.ScanJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.ScanJob, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.ScanJob, error)
}

type CollectionRepository interface {
	Create(ctx context.Context, c *models.ScanCollection) error
	GetByID(ctx context.Context, id, userID string) (*models.ScanCollection, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.ScanCollection, error)
	// UpdateSummary refreshes the cached aggregate. finished_at is only set once.
	UpdateSummary(ctx context.Context, id string, status models.ScanStatus, progress int, finishedAt *time.Time) error
}

type VulnerabilityRepository interface {
	CreateBatch(ctx context.Context, vulns []models.Vulnerability) error
	ListByScanIDs(ctx context.Context, scanIDs []string) ([]models.Vulnerability, error)
}
