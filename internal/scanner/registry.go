package scanner

import (
	"fmt"
	"sort"

	"github.com/honeynil/ScanOrchestrator/internal/config"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
)

// Dialect selects how a scanner's vulnerability records are normalized.
type Dialect string

const (
	// DialectCanonical accepts only the canonical field set. Records with
	// unknown fields are rejected.
	DialectCanonical Dialect = "canonical"
	// DialectLegacy accepts field aliases and folds unknown fields into
	// the metadata bag.
	DialectLegacy Dialect = "legacy"
)

type Entry struct {
	ID      string
	BaseURL string
	Dialect Dialect
	Rate    decimal.Decimal
}

// Registry is the static scanner id -> endpoint table built at startup.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry(scanners []config.ScannerConfig) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(scanners))}
	for _, sc := range scanners {
		d := Dialect(sc.Dialect)
		if d == "" {
			d = DialectLegacy
		}
		if d != DialectCanonical && d != DialectLegacy {
			return nil, fmt.Errorf("scanner %s: unknown dialect %q", sc.ID, sc.Dialect)
		}
		r.entries[sc.ID] = Entry{ID: sc.ID, BaseURL: sc.BaseURL, Dialect: d, Rate: sc.Rate}
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (Entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", pkgerrors.ErrScannerNotFound, id)
	}
	return e, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
