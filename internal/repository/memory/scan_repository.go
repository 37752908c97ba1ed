package memory

import (
	"context"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

type ScanRepository struct {
	s *Store
}

func (r *ScanRepository) Create(_ context.Context, job *models.ScanJob) error {
	if job == nil {
		return pkgerrors.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored := copyJob(job)
	r.s.scans[job.ID] = &stored
	return nil
}

func (r *ScanRepository) UpdateStatus(_ context.Context, id string, upd repository.StatusUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.scans[id]
	if !ok {
		return pkgerrors.ErrScanNotFound
	}
	if job.Status.Terminal() {
		return pkgerrors.ErrJobTerminal
	}
	job.Status = upd.Status
	job.ProgressPercent = upd.ProgressPercent
	job.ProgressText = upd.ProgressText
	job.UpdatedAt = upd.UpdatedAt
	if upd.FinishedAt != nil {
		t := *upd.FinishedAt
		job.FinishedAt = &t
	}
	return nil
}

func (r *ScanRepository) GetByID(_ context.Context, id, userID string) (*models.ScanJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.scans[id]
	if !ok || job.UserID != userID {
		return nil, pkgerrors.ErrScanNotFound
	}
	out := copyJob(job)
	return &out, nil
}

func (r *ScanRepository) ListByUser(_ context.Context, userID string, limit int) ([]models.ScanJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []models.ScanJob{}
	for _, job := range r.s.scans {
		if job.UserID == userID {
			out = append(out, copyJob(job))
		}
	}
	return newestFirst(out, func(j models.ScanJob) int64 { return j.CreatedAt.UnixNano() }, limit), nil
}

func (r *ScanRepository) ListByIDs(_ context.Context, ids []string) ([]models.ScanJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []models.ScanJob{}
	for _, id := range ids {
		if job, ok := r.s.scans[id]; ok {
			out = append(out, copyJob(job))
		}
	}
	return out, nil
}

type CollectionRepository struct {
	s *Store
}

func (r *CollectionRepository) Create(_ context.Context, c *models.ScanCollection) error {
	if c == nil {
		return pkgerrors.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored := copyCollection(c)
	r.s.collections[c.ID] = &stored
	return nil
}

func (r *CollectionRepository) GetByID(_ context.Context, id, userID string) (*models.ScanCollection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.collections[id]
	if !ok || c.UserID != userID {
		return nil, pkgerrors.ErrCollectionNotFound
	}
	out := copyCollection(c)
	return &out, nil
}

func (r *CollectionRepository) ListByUser(_ context.Context, userID string, limit int) ([]models.ScanCollection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []models.ScanCollection{}
	for _, c := range r.s.collections {
		if c.UserID == userID {
			out = append(out, copyCollection(c))
		}
	}
	return newestFirst(out, func(c models.ScanCollection) int64 { return c.CreatedAt.UnixNano() }, limit), nil
}

func (r *CollectionRepository) UpdateSummary(_ context.Context, id string, status models.ScanStatus, progress int, finishedAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.collections[id]
	if !ok {
		return pkgerrors.ErrCollectionNotFound
	}
	c.Status = status
	c.ProgressPercent = progress
	if c.FinishedAt == nil && finishedAt != nil {
		t := *finishedAt
		c.FinishedAt = &t
	}
	return nil
}

type VulnerabilityRepository struct {
	s *Store
}

func (r *VulnerabilityRepository) CreateBatch(_ context.Context, vulns []models.Vulnerability) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.vulns = append(r.s.vulns, vulns...)
	return nil
}

func (r *VulnerabilityRepository) ListByScanIDs(_ context.Context, scanIDs []string) ([]models.Vulnerability, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	want := make(map[string]struct{}, len(scanIDs))
	for _, id := range scanIDs {
		want[id] = struct{}{}
	}
	out := []models.Vulnerability{}
	for _, v := range r.s.vulns {
		if _, ok := want[v.ScanID]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

type UserRepository struct {
	s *Store
}

func (r *UserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	return &u, nil
}

func (r *UserRepository) Upsert(_ context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return pkgerrors.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.users[user.ID]; ok {
		existing.Username = user.Username
		r.s.users[user.ID] = existing
		*user = existing
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.s.users[user.ID] = *user
	return nil
}

func (r *UserRepository) SetPro(_ context.Context, id string, isPro bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return pkgerrors.ErrUserNotFound
	}
	u.IsPro = isPro
	r.s.users[id] = u
	return nil
}
