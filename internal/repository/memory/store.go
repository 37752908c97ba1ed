// Package memory is an in-process store with the same atomicity guarantees as
// the Postgres one. A single mutex guards every table, so each ledger
// operation is serialized exactly like the conditional UPDATE in Postgres.
package memory

import (
	"sort"
	"sync"

	"github.com/honeynil/ScanOrchestrator/internal/models"
)

type Store struct {
	mu          sync.Mutex
	users       map[string]models.User
	accounts    map[string]*models.CreditAccount
	txs         []models.CreditTransaction
	refunds     map[string]struct{}
	scans       map[string]*models.ScanJob
	collections map[string]*models.ScanCollection
	vulns       []models.Vulnerability
}

func New() *Store {
	return &Store{
		users:       map[string]models.User{},
		accounts:    map[string]*models.CreditAccount{},
		refunds:     map[string]struct{}{},
		scans:       map[string]*models.ScanJob{},
		collections: map[string]*models.ScanCollection{},
	}
}

func (s *Store) Credits() *CreditRepository { return &CreditRepository{s: s} }

func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

func (s *Store) Scans() *ScanRepository { return &ScanRepository{s: s} }

func (s *Store) Collections() *CollectionRepository { return &CollectionRepository{s: s} }

func (s *Store) Vulnerabilities() *VulnerabilityRepository { return &VulnerabilityRepository{s: s} }

func copyJob(j *models.ScanJob) models.ScanJob {
	out := *j
	out.Configurations = make(map[string]any, len(j.Configurations))
	for k, v := range j.Configurations {
		out.Configurations[k] = v
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func copyCollection(c *models.ScanCollection) models.ScanCollection {
	out := *c
	out.Scanners = append([]string(nil), c.Scanners...)
	out.ScanIDs = append([]string(nil), c.ScanIDs...)
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// newestFirst sorts by creation time descending and truncates to limit.
func newestFirst[T any](items []T, created func(T) int64, limit int) []T {
	sort.SliceStable(items, func(i, j int) bool { return created(items[i]) > created(items[j]) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
