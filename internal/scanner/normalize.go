package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

// Normalizer turns one raw vulnerability record into the canonical shape.
// ID, ScanID and CreatedAt are left for the caller.
type Normalizer interface {
	Normalize(raw json.RawMessage) (models.Vulnerability, error)
}

func NormalizerFor(d Dialect) Normalizer {
	if d == DialectCanonical {
		return canonicalNormalizer{}
	}
	return legacyNormalizer{}
}

type canonicalNormalizer struct{}

type canonicalRecord struct {
	FilePath          string         `json:"file_path"`
	LineNumber        int            `json:"line_number"`
	Description       string         `json:"description"`
	VulnerabilityType string         `json:"vulnerability_type"`
	Severity          string         `json:"severity"`
	ConfidenceLevel   string         `json:"confidence_level"`
	Metadata          map[string]any `json:"metadata"`
}

func (canonicalNormalizer) Normalize(raw json.RawMessage) (models.Vulnerability, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rec canonicalRecord
	if err := dec.Decode(&rec); err != nil {
		return models.Vulnerability{}, fmt.Errorf("%w: %v", pkgerrors.ErrMalformedScannerEvent, err)
	}
	if rec.VulnerabilityType == "" {
		return models.Vulnerability{}, fmt.Errorf("%w: vulnerability_type is required", pkgerrors.ErrMalformedScannerEvent)
	}
	return models.Vulnerability{
		FilePath:          rec.FilePath,
		LineNumber:        rec.LineNumber,
		Description:       rec.Description,
		VulnerabilityType: rec.VulnerabilityType,
		Severity:          rec.Severity,
		ConfidenceLevel:   rec.ConfidenceLevel,
		Metadata:          rec.Metadata,
	}, nil
}

type legacyNormalizer struct{}

var (
	typeAliases        = []string{"vulnerability_type", "type", "vulnerability", "category"}
	fileAliases        = []string{"file_path", "file", "path", "filename"}
	lineAliases        = []string{"line_number", "line", "start_line"}
	descriptionAliases = []string{"description", "message", "title", "details"}
	confidenceAliases  = []string{"confidence_level", "confidence"}
)

func (legacyNormalizer) Normalize(raw json.RawMessage) (models.Vulnerability, error) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		return models.Vulnerability{}, fmt.Errorf("%w: vulnerability is not an object", pkgerrors.ErrMalformedScannerEvent)
	}

	meta := map[string]any{}
	if m, ok := rec["metadata"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	delete(rec, "metadata")

	loc, _ := rec["location"].(map[string]any)
	delete(rec, "location")

	v := models.Vulnerability{
		VulnerabilityType: takeString(rec, typeAliases...),
		FilePath:          takeString(rec, fileAliases...),
		LineNumber:        takeInt(rec, lineAliases...),
		Description:       takeString(rec, descriptionAliases...),
		Severity:          takeString(rec, "severity", "level"),
		ConfidenceLevel:   takeString(rec, confidenceAliases...),
	}
	if loc != nil {
		if v.FilePath == "" {
			v.FilePath = takeString(loc, fileAliases...)
		}
		if v.LineNumber == 0 {
			v.LineNumber = takeInt(loc, lineAliases...)
		}
		if len(loc) > 0 {
			meta["location"] = loc
		}
	}
	if v.ConfidenceLevel == "" {
		if c, ok := meta["confidence"].(string); ok {
			v.ConfidenceLevel = c
		}
	}
	if v.VulnerabilityType == "" {
		return models.Vulnerability{}, fmt.Errorf("%w: vulnerability has no type", pkgerrors.ErrMalformedScannerEvent)
	}

	for k, val := range rec {
		meta[k] = val
	}
	if len(meta) > 0 {
		v.Metadata = meta
	}
	return v, nil
}

// takeString removes the first alias present in m and returns it as a string.
func takeString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		val, ok := m[k]
		if !ok {
			continue
		}
		delete(m, k)
		switch s := val.(type) {
		case string:
			return s
		case nil:
			return ""
		default:
			return fmt.Sprint(s)
		}
	}
	return ""
}

func takeInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		val, ok := m[k]
		if !ok {
			continue
		}
		delete(m, k)
		switch n := val.(type) {
		case float64:
			return int(n)
		case string:
			i, _ := strconv.Atoi(n)
			return i
		}
		return 0
	}
	return 0
}
