package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedJobs returns the next scripted state on every read and repeats
// the last one once the script is exhausted.
type scriptedJobs struct {
	mu     sync.Mutex
	states []models.ScanJob
	// vulnsFrom is the read index from which vulns become visible.
	vulnsFrom int
	vulns     []models.Vulnerability
	reads     int
}

func (s *scriptedJobs) GetJob(_ context.Context, jobID, userID string) (*models.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 || userID != "u1" {
		return nil, pkgerrors.ErrScanNotFound
	}
	i := s.reads
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.reads++
	job := s.states[i]
	job.ID = jobID
	return &job, nil
}

func (s *scriptedJobs) ListVulnerabilities(context.Context, string, string) ([]models.Vulnerability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vulns == nil || s.reads <= s.vulnsFrom {
		return nil, nil
	}
	return s.vulns, nil
}

type scriptedCollections struct {
	mu     sync.Mutex
	states []models.CollectionStatus
	reads  int
}

func (s *scriptedCollections) GetCollectionStatus(_ context.Context, _, userID string) (*models.CollectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "u1" {
		return nil, pkgerrors.ErrCollectionNotFound
	}
	i := s.reads
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.reads++
	st := s.states[i]
	return &st, nil
}

func (s *scriptedCollections) GetCollectionResults(context.Context, string, string) ([]models.Vulnerability, error) {
	return nil, nil
}

func state(status models.ScanStatus, progress int) models.ScanJob {
	return models.ScanJob{ScannerName: "secret_scanner", Status: status, ProgressPercent: progress}
}

func record(events *[]StreamEvent) Emitter {
	return func(ev StreamEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func statusOf(t *testing.T, ev StreamEvent) (models.ScanStatus, int) {
	t.Helper()
	var snap scanSnapshot
	require.NoError(t, json.Unmarshal(ev.Data, &snap))
	return snap.Scan.Status, snap.Scan.ProgressPercent
}

func TestStreamScan_EmitsDistinctStates(t *testing.T) {
	jobs := &scriptedJobs{
		states: []models.ScanJob{
			state(models.ScanPending, 0),
			state(models.ScanConnecting, 0),
			state(models.ScanScanning, 40),
			state(models.ScanScanning, 40),
			state(models.ScanCompleted, 100),
		},
		vulnsFrom: 2,
		vulns:     []models.Vulnerability{{ID: "v1", FilePath: ".env"}},
	}
	svc := NewStreamService(jobs, nil, time.Millisecond, time.Minute)

	var events []StreamEvent
	require.NoError(t, svc.StreamScan(context.Background(), "s1", "u1", record(&events)))

	var statuses []StreamEvent
	var findings []StreamEvent
	for _, ev := range events {
		switch ev.Name {
		case EventStatus:
			statuses = append(statuses, ev)
		case EventVulnerability:
			findings = append(findings, ev)
		}
	}
	require.Len(t, statuses, 4)
	want := []struct {
		status   models.ScanStatus
		progress int
	}{
		{models.ScanPending, 0},
		{models.ScanConnecting, 0},
		{models.ScanScanning, 40},
		{models.ScanCompleted, 100},
	}
	for i, w := range want {
		status, progress := statusOf(t, statuses[i])
		assert.Equal(t, w.status, status)
		assert.Equal(t, w.progress, progress)
	}
	assert.Equal(t, EventStatus, events[len(events)-1].Name)
	assert.Equal(t, 5, jobs.reads)

	require.Len(t, findings, 1)
	assert.Equal(t, "40", findings[0].ID)
	var v models.Vulnerability
	require.NoError(t, json.Unmarshal(findings[0].Data, &v))
	assert.Equal(t, ".env", v.FilePath)
}

func TestStreamScan_FindingKeyedByArrivalProgress(t *testing.T) {
	// The finding lands right after the first job read, together with the
	// jump to 60%.
	jobs := &scriptedJobs{
		states: []models.ScanJob{
			state(models.ScanScanning, 20),
			state(models.ScanScanning, 60),
			state(models.ScanCompleted, 100),
		},
		vulnsFrom: 0,
		vulns:     []models.Vulnerability{{ID: "v1", FilePath: "config.yml"}},
	}
	svc := NewStreamService(jobs, nil, time.Millisecond, time.Minute)

	var events []StreamEvent
	require.NoError(t, svc.StreamScan(context.Background(), "s1", "u1", record(&events)))

	var findings []StreamEvent
	for _, ev := range events {
		if ev.Name == EventVulnerability {
			findings = append(findings, ev)
		}
	}
	require.Len(t, findings, 1)
	assert.Equal(t, "60", findings[0].ID)
}

func TestStreamScan_NotFoundBeforeEmitting(t *testing.T) {
	svc := NewStreamService(&scriptedJobs{states: []models.ScanJob{state(models.ScanPending, 0)}}, nil, time.Millisecond, time.Minute)

	var events []StreamEvent
	err := svc.StreamScan(context.Background(), "s1", "intruder", record(&events))
	assert.ErrorIs(t, err, pkgerrors.ErrScanNotFound)
	assert.Empty(t, events)
}

func TestStreamScan_StopsOnCancel(t *testing.T) {
	jobs := &scriptedJobs{states: []models.ScanJob{state(models.ScanScanning, 10)}}
	svc := NewStreamService(jobs, nil, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.StreamScan(ctx, "s1", "u1", func(StreamEvent) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestStreamScan_Timeout(t *testing.T) {
	jobs := &scriptedJobs{states: []models.ScanJob{state(models.ScanScanning, 10)}}
	svc := NewStreamService(jobs, nil, 5*time.Millisecond, 30*time.Millisecond)

	var events []StreamEvent
	require.NoError(t, svc.StreamScan(context.Background(), "s1", "u1", record(&events)))
	require.Len(t, events, 2)
	assert.Equal(t, EventStatus, events[0].Name)
	last := events[1]
	assert.Equal(t, EventError, last.Name)
	assert.JSONEq(t, `{"event":"error","error":"stream timeout"}`, string(last.Data))
}

func TestStreamCollection(t *testing.T) {
	mini := func(status models.ScanStatus, progress int) []models.ScanMiniStatus {
		return []models.ScanMiniStatus{{ScanID: "s1", ScannerName: "secret_scanner", Status: status, ProgressPercent: progress}}
	}
	colls := &scriptedCollections{states: []models.CollectionStatus{
		{Status: models.ScanScanning, ProgressPercent: 0, Scans: mini(models.ScanPending, 0)},
		{Status: models.ScanScanning, ProgressPercent: 0, Scans: mini(models.ScanPending, 0)},
		{Status: models.ScanScanning, ProgressPercent: 50, Scans: mini(models.ScanScanning, 50)},
		{Status: models.ScanCompleted, ProgressPercent: 100, Scans: mini(models.ScanCompleted, 100)},
	}}
	svc := NewStreamService(nil, colls, time.Millisecond, time.Minute)

	var events []StreamEvent
	require.NoError(t, svc.StreamCollection(context.Background(), "c1", "u1", record(&events)))
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, EventProgress, ev.Name)
	}
	assert.Equal(t, []string{"1", "2", "3"}, []string{events[0].ID, events[1].ID, events[2].ID})

	var snap struct {
		Event      string `json:"event"`
		Collection struct {
			Status          string `json:"status"`
			ProgressPercent int    `json:"progress_percent"`
		} `json:"collection"`
		Scans           []models.ScanMiniStatus `json:"scans"`
		Vulnerabilities []models.Vulnerability  `json:"vulnerabilities"`
	}
	require.NoError(t, json.Unmarshal(events[2].Data, &snap))
	assert.Equal(t, "progress", snap.Event)
	assert.Equal(t, "completed", snap.Collection.Status)
	assert.Equal(t, 100, snap.Collection.ProgressPercent)
	assert.Len(t, snap.Scans, 1)
	assert.NotNil(t, snap.Vulnerabilities)

	err := svc.StreamCollection(context.Background(), "c1", "intruder", record(&events))
	assert.ErrorIs(t, err, pkgerrors.ErrCollectionNotFound)
}
