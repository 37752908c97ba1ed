package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	scanColumns     = `id, user_id, COALESCE(collection_id, ''), repository_name, scanner_name, configurations, status, progress_percent, progress_text, created_at, updated_at, finished_at`
	insertScanQuery = `INSERT INTO scans (id, user_id, collection_id, repository_name, scanner_name, configurations, status, progress_percent, progress_text, created_at, updated_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	updateScanQuery = `UPDATE scans SET status = $2, progress_percent = $3, progress_text = $4, updated_at = $5, finished_at = COALESCE($6, finished_at) WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	scanStatusQuery = `SELECT status FROM scans WHERE id = $1`
	getScanQuery    = `SELECT ` + scanColumns + ` FROM scans WHERE id = $1 AND user_id = $2`
	listScansQuery  = `SELECT ` + scanColumns + ` FROM scans WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	scansByIDsQuery = `SELECT ` + scanColumns + ` FROM scans WHERE id = ANY($1)`
)

type PostgresScanRepository struct {
	db *sql.DB
}

func NewPostgresScanRepository(db *sql.DB) *PostgresScanRepository {
	return &PostgresScanRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ScanJob, error) {
	var job models.ScanJob
	var cfg []byte
	var finished sql.NullTime
	if err := row.Scan(&job.ID, &job.UserID, &job.CollectionID, &job.RepositoryName, &job.ScannerName, &cfg,
		&job.Status, &job.ProgressPercent, &job.ProgressText, &job.CreatedAt, &job.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	job.Configurations = map[string]any{}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Configurations); err != nil {
			return nil, fmt.Errorf("failed to decode configurations: %w", err)
		}
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	return &job, nil
}

func (r *PostgresScanRepository) Create(ctx context.Context, job *models.ScanJob) error {
	var err error
	tracer := otel.Tracer("scan-repository")
	ctx, span := tracer.Start(ctx, "CreateScan")
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("CreateScan", start, err)
	}()

	if job == nil {
		err = pkgerrors.ErrInvalidInput
		return err
	}
	span.SetAttributes(attribute.String("scan_id", job.ID), attribute.String("scanner", job.ScannerName))

	if job.Configurations == nil {
		job.Configurations = map[string]any{}
	}
	cfg, err := json.Marshal(job.Configurations)
	if err != nil {
		return fmt.Errorf("failed to encode configurations: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertScanQuery,
		job.ID, job.UserID, nullString(job.CollectionID), job.RepositoryName, job.ScannerName, string(cfg),
		job.Status, job.ProgressPercent, job.ProgressText, job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	if err != nil {
		slog.Error("failed to create scan", "method", "Create", "scan_id", job.ID, "error", err)
		return fmt.Errorf("failed to create scan: %w", err)
	}

	slog.Info("scan created", "method", "Create", "scan_id", job.ID, "user_id", job.UserID, "scanner", job.ScannerName, "status", job.Status)
	return nil
}

func (r *PostgresScanRepository) UpdateStatus(ctx context.Context, id string, upd repository.StatusUpdate) error {
	var err error
	tracer := otel.Tracer("scan-repository")
	ctx, span := tracer.Start(ctx, "UpdateScanStatus")
	span.SetAttributes(attribute.String("scan_id", id), attribute.String("status", string(upd.Status)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("UpdateScanStatus", start, err)
	}()

	res, err := r.db.ExecContext(ctx, updateScanQuery, id, upd.Status, upd.ProgressPercent, upd.ProgressText, upd.UpdatedAt, upd.FinishedAt)
	if err != nil {
		slog.Error("failed to update scan status", "method", "UpdateStatus", "scan_id", id, "error", err)
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, scanStatusQuery, id).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrScanNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read scan status: %w", err)
	}
	err = pkgerrors.ErrJobTerminal
	return err
}

func (r *PostgresScanRepository) GetByID(ctx context.Context, id, userID string) (*models.ScanJob, error) {
	var err error
	tracer := otel.Tracer("scan-repository")
	ctx, span := tracer.Start(ctx, "GetScanByID")
	span.SetAttributes(attribute.String("scan_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("GetScanByID", start, err)
	}()

	job, err := scanJob(r.db.QueryRowContext(ctx, getScanQuery, id, userID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrScanNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get scan", "method", "GetByID", "scan_id", id, "error", err)
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return job, nil
}

func (r *PostgresScanRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.ScanJob, error) {
	return r.list(ctx, "ListScansByUser", listScansQuery, userID, limit)
}

func (r *PostgresScanRepository) ListByIDs(ctx context.Context, ids []string) ([]models.ScanJob, error) {
	if len(ids) == 0 {
		return []models.ScanJob{}, nil
	}
	return r.list(ctx, "ListScansByIDs", scansByIDsQuery, pq.Array(ids))
}

func (r *PostgresScanRepository) list(ctx context.Context, method, query string, args ...any) ([]models.ScanJob, error) {
	var err error
	tracer := otel.Tracer("scan-repository")
	ctx, span := tracer.Start(ctx, method)
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository(method, start, err)
	}()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list scans", "method", method, "error", err)
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	jobs := []models.ScanJob{}
	for rows.Next() {
		var job *models.ScanJob
		if job, err = scanJob(rows); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scans: %w", err)
	}
	return jobs, nil
}
