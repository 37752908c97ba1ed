package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

// Event is one progress report from a scanner. A single-document response
// is delivered as exactly one Event with Final set.
type Event struct {
	Progress        int
	Message         string
	Status          string
	Vulnerabilities []models.Vulnerability
	Final           bool
}

// Handler receives events in the order the scanner produced them. A
// non-nil error stops the run and is returned from Runner.Run.
type Handler func(ctx context.Context, ev Event) error

type Request struct {
	Scanner Entry
	// Folder is the repository folder name relative to the scanner's
	// shared storage; it is what the scanner receives as "path".
	Folder string
}

// Runner produces the event sequence for one scan.
type Runner interface {
	Run(ctx context.Context, req Request, handle Handler) error
}

type wireEvent struct {
	Progress        *float64          `json:"progress"`
	Message         string            `json:"message"`
	Status          string            `json:"status"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// decodeEvent parses one JSON object. Individual vulnerability records that
// fail normalization are dropped with a warning; the event itself is only
// rejected when it is not JSON or carries no progress.
func decodeEvent(line []byte, norm Normalizer, scannerID string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", pkgerrors.ErrMalformedScannerEvent, err)
	}
	if w.Progress == nil {
		return Event{}, fmt.Errorf("%w: missing progress", pkgerrors.ErrMalformedScannerEvent)
	}

	ev := Event{
		Progress: clampProgress(*w.Progress),
		Message:  w.Message,
		Status:   w.Status,
	}
	for _, raw := range w.Vulnerabilities {
		v, err := norm.Normalize(raw)
		if err != nil {
			slog.Warn("skipping vulnerability record", "scanner", scannerID, "record", string(raw), "error", err)
			continue
		}
		ev.Vulnerabilities = append(ev.Vulnerabilities, v)
	}
	return ev, nil
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}
