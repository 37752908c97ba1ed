package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanConnecting ScanStatus = "connecting"
	ScanScanning   ScanStatus = "scanning"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// Terminal reports whether no further status writes may happen.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanPending, ScanConnecting, ScanScanning, ScanCompleted, ScanFailed:
		return true
	}
	return false
}

const (
	ConfigMock           = "mock"
	ConfigChargedCredits = "charged_credits"
)

type ScanJob struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	CollectionID    string         `json:"collection_id,omitempty"`
	RepositoryName  string         `json:"repository_name"`
	ScannerName     string         `json:"scanner_name"`
	Configurations  map[string]any `json:"configurations"`
	Status          ScanStatus     `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressText    string         `json:"progress_text"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Mock reports whether the job asks for the scripted scanner.
func (j *ScanJob) Mock() bool {
	switch v := j.Configurations[ConfigMock].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// ChargedCredits returns the amount debited for the job, zero when none was.
func (j *ScanJob) ChargedCredits() decimal.Decimal {
	switch v := j.Configurations[ConfigChargedCredits].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case decimal.Decimal:
		return v
	}
	return decimal.Zero
}

type ScanCollection struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	RepositoryName  string     `json:"repository_name"`
	Scanners        []string   `json:"scanners"`
	ScanIDs         []string   `json:"scan_ids"`
	Status          ScanStatus `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ScanMiniStatus is the per-child entry of a collection status read.
type ScanMiniStatus struct {
	ScanID          string     `json:"scan_id"`
	ScannerName     string     `json:"scanner_name"`
	Status          ScanStatus `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	ProgressText    string     `json:"progress_text"`
}

type CollectionStatus struct {
	Status          ScanStatus       `json:"status"`
	ProgressPercent int              `json:"progress_percent"`
	Scans           []ScanMiniStatus `json:"scans"`
}

// Vulnerability is the canonical finding record.
type Vulnerability struct {
	ID                string         `json:"id"`
	ScanID            string         `json:"scan_id"`
	FilePath          string         `json:"file_path"`
	LineNumber        int            `json:"line_number"`
	Description       string         `json:"description"`
	VulnerabilityType string         `json:"vulnerability_type"`
	Severity          string         `json:"severity"`
	ConfidenceLevel   string         `json:"confidence_level"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}
