package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	insertVulnQuery = `INSERT INTO vulnerabilities (id, scan_id, file_path, line_number, description, vulnerability_type, severity, confidence_level, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	listVulnsQuery  = `SELECT id, scan_id, file_path, line_number, description, vulnerability_type, severity, confidence_level, metadata, created_at FROM vulnerabilities WHERE scan_id = ANY($1) ORDER BY created_at, id`
)

type PostgresVulnerabilityRepository struct {
	db *sql.DB
}

func NewPostgresVulnerabilityRepository(db *sql.DB) *PostgresVulnerabilityRepository {
	return &PostgresVulnerabilityRepository{db: db}
}

func (r *PostgresVulnerabilityRepository) CreateBatch(ctx context.Context, vulns []models.Vulnerability) error {
	if len(vulns) == 0 {
		return nil
	}

	var err error
	tracer := otel.Tracer("vulnerability-repository")
	ctx, span := tracer.Start(ctx, "CreateVulnerabilities")
	span.SetAttributes(attribute.String("scan_id", vulns[0].ScanID), attribute.Int("count", len(vulns)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("CreateVulnerabilities", start, err)
	}()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, v := range vulns {
		var meta []byte
		if meta, err = json.Marshal(v.Metadata); err != nil {
			err = rollback(dbTx, "CreateBatch", fmt.Errorf("failed to encode metadata: %w", err))
			return err
		}
		if v.Metadata == nil {
			meta = []byte("{}")
		}
		_, err = dbTx.ExecContext(ctx, insertVulnQuery, v.ID, v.ScanID, v.FilePath, v.LineNumber, v.Description,
			v.VulnerabilityType, v.Severity, v.ConfidenceLevel, string(meta), v.CreatedAt)
		if err != nil {
			slog.Error("failed to insert vulnerability", "method", "CreateBatch", "scan_id", v.ScanID, "error", err)
			err = rollback(dbTx, "CreateBatch", fmt.Errorf("failed to insert vulnerability: %w", err))
			return err
		}
	}

	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresVulnerabilityRepository) ListByScanIDs(ctx context.Context, scanIDs []string) ([]models.Vulnerability, error) {
	out := []models.Vulnerability{}
	if len(scanIDs) == 0 {
		return out, nil
	}

	var err error
	tracer := otel.Tracer("vulnerability-repository")
	ctx, span := tracer.Start(ctx, "ListVulnerabilities")
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveRepository("ListVulnerabilities", start, err)
	}()

	rows, err := r.db.QueryContext(ctx, listVulnsQuery, pq.Array(scanIDs))
	if err != nil {
		slog.Error("failed to list vulnerabilities", "method", "ListByScanIDs", "error", err)
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.Vulnerability
		var meta []byte
		if err = rows.Scan(&v.ID, &v.ScanID, &v.FilePath, &v.LineNumber, &v.Description,
			&v.VulnerabilityType, &v.Severity, &v.ConfidenceLevel, &meta, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability: %w", err)
		}
		if len(meta) > 0 {
			if err = json.Unmarshal(meta, &v.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, v)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vulnerabilities: %w", err)
	}
	return out, nil
}
