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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	collectionColumns     = `id, user_id, repository_name, scanners, scan_ids, status, progress_percent, created_at, finished_at`
	insertCollectionQuery = `INSERT INTO scan_collections (id, user_id, repository_name, scanners, scan_ids, status, progress_percent, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	getCollectionQuery    = `SELECT ` + collectionColumns + ` FROM scan_collections WHERE id = $1 AND user_id = $2`
	listCollectionsQuery  = `SELECT ` + collectionColumns + ` FROM scan_collections WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	updateCollectionQuery = `UPDATE scan_collections SET status = $2, progress_percent = $3, finished_at = COALESCE(finished_at, $4) WHERE id = $1`
)

type PostgresCollectionRepository struct {
	db *sql.DB
}

func NewPostgresCollectionRepository(db *sql.DB) *PostgresCollectionRepository {
	return &PostgresCollectionRepository{db: db}
}

func scanCollection(row rowScanner) (*models.ScanCollection, error) {
	var c models.ScanCollection
	var finished sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.RepositoryName, pq.Array(&c.Scanners), pq.Array(&c.ScanIDs),
		&c.Status, &c.ProgressPercent, &c.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		c.FinishedAt = &finished.Time
	}
	return &c, nil
}

func (r *PostgresCollectionRepository) Create(ctx context.Context, c *models.ScanCollection) error {
	var err error
	tracer := otel.Tracer("collection-repository")
	ctx, span := tracer.Start(ctx, "CreateCollection")
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("CreateCollection", start, err)
	}()

	if c == nil {
		err = pkgerrors.ErrInvalidInput
		return err
	}
	span.SetAttributes(attribute.String("collection_id", c.ID), attribute.Int("scans", len(c.ScanIDs)))

	_, err = r.db.ExecContext(ctx, insertCollectionQuery,
		c.ID, c.UserID, c.RepositoryName, pq.Array(c.Scanners), pq.Array(c.ScanIDs), c.Status, c.ProgressPercent, c.CreatedAt)
	if err != nil {
		slog.Error("failed to create collection", "method", "Create", "collection_id", c.ID, "error", err)
		return fmt.Errorf("failed to create collection: %w", err)
	}
	slog.Info("collection created", "method", "Create", "collection_id", c.ID, "user_id", c.UserID, "scans", len(c.ScanIDs))
	return nil
}

func (r *PostgresCollectionRepository) GetByID(ctx context.Context, id, userID string) (*models.ScanCollection, error) {
	var err error
	tracer := otel.Tracer("collection-repository")
	ctx, span := tracer.Start(ctx, "GetCollectionByID")
	span.SetAttributes(attribute.String("collection_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("GetCollectionByID", start, err)
	}()

	c, err := scanCollection(r.db.QueryRowContext(ctx, getCollectionQuery, id, userID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrCollectionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get collection", "method", "GetByID", "collection_id", id, "error", err)
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return c, nil
}

func (r *PostgresCollectionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.ScanCollection, error) {
	var err error
	tracer := otel.Tracer("collection-repository")
	ctx, span := tracer.Start(ctx, "ListCollections")
	span.SetAttributes(attribute.String("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("ListCollections", start, err)
	}()

	rows, err := r.db.QueryContext(ctx, listCollectionsQuery, userID, limit)
	if err != nil {
		slog.Error("failed to list collections", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	out := []models.ScanCollection{}
	for rows.Next() {
		var c *models.ScanCollection
		if c, err = scanCollection(rows); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, *c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collections: %w", err)
	}
	return out, nil
}

func (r *PostgresCollectionRepository) UpdateSummary(ctx context.Context, id string, status models.ScanStatus, progress int, finishedAt *time.Time) error {
	var err error
	tracer := otel.Tracer("collection-repository")
	ctx, span := tracer.Start(ctx, "UpdateCollectionSummary")
	span.SetAttributes(attribute.String("collection_id", id), attribute.String("status", string(status)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("UpdateCollectionSummary", start, err)
	}()

	if _, err = r.db.ExecContext(ctx, updateCollectionQuery, id, status, progress, finishedAt); err != nil {
		slog.Error("failed to update collection summary", "method", "UpdateSummary", "collection_id", id, "error", err)
		return fmt.Errorf("failed to update collection summary: %w", err)
	}
	return nil
}
