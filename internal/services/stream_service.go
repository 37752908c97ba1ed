package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

const (
	EventStatus        = "status"
	EventVulnerability = "vulnerability"
	EventProgress      = "progress"
	EventError         = "error"
)

// StreamEvent is one frame of a server-sent event stream.
type StreamEvent struct {
	ID   string
	Name string
	Data json.RawMessage
}

// Emitter delivers one event to the client. An error ends the stream.
type Emitter func(StreamEvent) error

type JobReader interface {
	GetJob(ctx context.Context, jobID, userID string) (*models.ScanJob, error)
	ListVulnerabilities(ctx context.Context, scanID, userID string) ([]models.Vulnerability, error)
}

type CollectionReader interface {
	GetCollectionStatus(ctx context.Context, collectionID, userID string) (*models.CollectionStatus, error)
	GetCollectionResults(ctx context.Context, collectionID, userID string) ([]models.Vulnerability, error)
}

type StreamService interface {
	StreamScan(ctx context.Context, scanID, userID string, emit Emitter) error
	StreamCollection(ctx context.Context, collectionID, userID string, emit Emitter) error
}

type streamService struct {
	jobs        JobReader
	collections CollectionReader
	interval    time.Duration
	maxDuration time.Duration
}

func NewStreamService(jobs JobReader, collections CollectionReader, interval, maxDuration time.Duration) *streamService {
	return &streamService{
		jobs:        jobs,
		collections: collections,
		interval:    interval,
		maxDuration: maxDuration,
	}
}

type scanSnapshot struct {
	Event string          `json:"event"`
	Scan  scanSnapshotRow `json:"scan"`
}

type scanSnapshotRow struct {
	ID              string            `json:"id"`
	ScannerName     string            `json:"scanner_name"`
	Status          models.ScanStatus `json:"status"`
	ProgressPercent int               `json:"progress_percent"`
	ProgressText    string            `json:"progress_text"`
}

type collectionSnapshot struct {
	Event      string `json:"event"`
	Collection struct {
		Status          models.ScanStatus `json:"status"`
		ProgressPercent int               `json:"progress_percent"`
	} `json:"collection"`
	Scans           []models.ScanMiniStatus `json:"scans"`
	Vulnerabilities []models.Vulnerability  `json:"vulnerabilities"`
}

// poll carries the loop state shared by both stream kinds: one read and one
// wait per iteration, a wall-clock ceiling, and change detection on the
// serialized snapshot.
type poll struct {
	interval time.Duration
	deadline *time.Timer
	last     []byte
	seq      int
}

func (s *streamService) newPoll() *poll {
	return &poll{interval: s.interval, deadline: time.NewTimer(s.maxDuration)}
}

// changed reports whether snapshot differs from the last emitted one.
func (p *poll) changed(snapshot []byte) bool {
	if p.last != nil && string(p.last) == string(snapshot) {
		return false
	}
	p.last = snapshot
	return true
}

func (p *poll) nextID() string {
	p.seq++
	return strconv.Itoa(p.seq)
}

// wait returns false when the stream must end, after emitting a timeout
// event if the ceiling was reached.
func (p *poll) wait(ctx context.Context, emit Emitter) (bool, error) {
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, nil
	case <-p.deadline.C:
		return false, emit(errorEvent(p.nextID(), "stream timeout"))
	case <-t.C:
		return true, nil
	}
}

func errorEvent(id, message string) StreamEvent {
	data, _ := json.Marshal(map[string]string{"event": EventError, "error": message})
	return StreamEvent{ID: id, Name: EventError, Data: data}
}

// StreamScan emits a status event for every distinct snapshot of the job and
// one vulnerability event per finding, keyed by the progress it arrived
// with. Ownership is checked by the first read; an unknown or foreign scan
// fails before anything is emitted.
func (s *streamService) StreamScan(ctx context.Context, scanID, userID string, emit Emitter) error {
	observability.ActiveStreams.WithLabelValues("scan").Inc()
	defer observability.ActiveStreams.WithLabelValues("scan").Dec()

	p := s.newPoll()
	defer p.deadline.Stop()
	seen := make(map[string]bool)
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Findings are stored before the progress update that reports them,
		// so reading them first keys each one by a progress it arrived with.
		vulns, vulnErr := s.jobs.ListVulnerabilities(ctx, scanID, userID)
		job, err := s.jobs.GetJob(ctx, scanID, userID)
		if err != nil {
			if first {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("scan stream read failed", "scan_id", scanID, "error", err)
			return emit(errorEvent(p.nextID(), streamErrorText(err)))
		}
		first = false
		if vulnErr != nil {
			slog.Warn("failed to read scan vulnerabilities", "scan_id", scanID, "error", vulnErr)
		}
		for _, v := range vulns {
			if seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := emit(StreamEvent{ID: strconv.Itoa(job.ProgressPercent), Name: EventVulnerability, Data: data}); err != nil {
				return err
			}
		}

		snapshot, err := json.Marshal(scanSnapshot{
			Event: EventStatus,
			Scan: scanSnapshotRow{
				ID:              job.ID,
				ScannerName:     job.ScannerName,
				Status:          job.Status,
				ProgressPercent: job.ProgressPercent,
				ProgressText:    job.ProgressText,
			},
		})
		if err != nil {
			return err
		}
		if p.changed(snapshot) {
			if err := emit(StreamEvent{ID: p.nextID(), Name: EventStatus, Data: snapshot}); err != nil {
				return err
			}
		}
		if job.Status.Terminal() {
			return nil
		}

		more, err := p.wait(ctx, emit)
		if !more {
			return err
		}
	}
}

// StreamCollection emits a progress event whenever the aggregate, the
// per-scan breakdown or the finding list changes.
func (s *streamService) StreamCollection(ctx context.Context, collectionID, userID string, emit Emitter) error {
	observability.ActiveStreams.WithLabelValues("collection").Inc()
	defer observability.ActiveStreams.WithLabelValues("collection").Dec()

	p := s.newPoll()
	defer p.deadline.Stop()
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		status, err := s.collections.GetCollectionStatus(ctx, collectionID, userID)
		if err == nil {
			var vulns []models.Vulnerability
			vulns, err = s.collections.GetCollectionResults(ctx, collectionID, userID)
			if err == nil {
				err = s.emitCollection(p, status, vulns, emit)
				if err != nil {
					return err
				}
			}
		}
		if err != nil {
			if first {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("collection stream read failed", "collection_id", collectionID, "error", err)
			return emit(errorEvent(p.nextID(), streamErrorText(err)))
		}
		first = false

		if status.Status.Terminal() {
			return nil
		}
		more, err := p.wait(ctx, emit)
		if !more {
			return err
		}
	}
}

func (s *streamService) emitCollection(p *poll, status *models.CollectionStatus, vulns []models.Vulnerability, emit Emitter) error {
	snap := collectionSnapshot{Event: EventProgress, Scans: status.Scans, Vulnerabilities: vulns}
	snap.Collection.Status = status.Status
	snap.Collection.ProgressPercent = status.ProgressPercent
	if snap.Vulnerabilities == nil {
		snap.Vulnerabilities = []models.Vulnerability{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if !p.changed(data) {
		return nil
	}
	return emit(StreamEvent{ID: p.nextID(), Name: EventProgress, Data: data})
}

func streamErrorText(err error) string {
	if pkgerrors.IsNotFound(err) {
		return "not found"
	}
	return "internal error"
}
