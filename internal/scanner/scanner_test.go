package scanner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/honeynil/ScanOrchestrator/internal/config"
	"github.com/honeynil/ScanOrchestrator/internal/scanner"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(events *[]scanner.Event) scanner.Handler {
	return func(_ context.Context, ev scanner.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestRegistry(t *testing.T) {
	reg, err := scanner.NewRegistry([]config.ScannerConfig{
		{ID: "sast_scanner", BaseURL: "http://sast:8000", Rate: decimal.RequireFromString("0.002")},
		{ID: "llm_scanner", BaseURL: "http://llm:8000", Dialect: "canonical"},
	})
	require.NoError(t, err)

	e, err := reg.Lookup("sast_scanner")
	require.NoError(t, err)
	assert.Equal(t, scanner.DialectLegacy, e.Dialect)
	assert.Equal(t, "0.002", e.Rate.String())
	assert.Equal(t, []string{"llm_scanner", "sast_scanner"}, reg.IDs())

	_, err = reg.Lookup("nope")
	assert.ErrorIs(t, err, pkgerrors.ErrScannerNotFound)

	_, err = scanner.NewRegistry([]config.ScannerConfig{{ID: "x", Dialect: "v3"}})
	assert.Error(t, err)
}

func TestLegacyNormalizer(t *testing.T) {
	norm := scanner.NormalizerFor(scanner.DialectLegacy)

	t.Run("NestedLocation", func(t *testing.T) {
		v, err := norm.Normalize(json.RawMessage(`{"type":"sast","severity":"critical","description":"SQL injection","location":{"file":"src/user.js","line":45},"metadata":{"cwe":"CWE-89","confidence":"high"},"rule":"js.sqli"}`))
		require.NoError(t, err)
		assert.Equal(t, "sast", v.VulnerabilityType)
		assert.Equal(t, "src/user.js", v.FilePath)
		assert.Equal(t, 45, v.LineNumber)
		assert.Equal(t, "high", v.ConfidenceLevel)
		assert.Equal(t, "js.sqli", v.Metadata["rule"])
		assert.Equal(t, "CWE-89", v.Metadata["cwe"])
		assert.NotContains(t, v.Metadata, "location")
	})

	t.Run("TopLevelAliases", func(t *testing.T) {
		v, err := norm.Normalize(json.RawMessage(`{"vulnerability":"secret","file_path":".env","line_number":"5","severity":"high","message":"key leaked"}`))
		require.NoError(t, err)
		assert.Equal(t, "secret", v.VulnerabilityType)
		assert.Equal(t, ".env", v.FilePath)
		assert.Equal(t, 5, v.LineNumber)
		assert.Equal(t, "key leaked", v.Description)
		assert.Nil(t, v.Metadata)
	})

	t.Run("UnusedLocationKept", func(t *testing.T) {
		v, err := norm.Normalize(json.RawMessage(`{"type":"dast","location":{"endpoint":"/api/users","method":"POST"}}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"endpoint": "/api/users", "method": "POST"}, v.Metadata["location"])
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := norm.Normalize(json.RawMessage(`"just a string"`))
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedScannerEvent)
		_, err = norm.Normalize(json.RawMessage(`{"severity":"low"}`))
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedScannerEvent)
	})
}

func TestCanonicalNormalizer(t *testing.T) {
	norm := scanner.NormalizerFor(scanner.DialectCanonical)

	t.Run("WellFormed", func(t *testing.T) {
		v, err := norm.Normalize(json.RawMessage(`{"file_path":"a.go","line_number":3,"description":"d","vulnerability_type":"sast","severity":"low","confidence_level":"medium","metadata":{"k":"v"}}`))
		require.NoError(t, err)
		assert.Equal(t, "a.go", v.FilePath)
		assert.Equal(t, "medium", v.ConfidenceLevel)
		assert.Equal(t, "v", v.Metadata["k"])
	})

	t.Run("UnknownFieldRejected", func(t *testing.T) {
		_, err := norm.Normalize(json.RawMessage(`{"vulnerability_type":"sast","type":"sast"}`))
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedScannerEvent)
	})

	t.Run("MissingType", func(t *testing.T) {
		_, err := norm.Normalize(json.RawMessage(`{"file_path":"a.go"}`))
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedScannerEvent)
	})
}

func fakeScanner(t *testing.T, contentType string, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scan", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"path":"acme_api"}`, string(raw))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRunner(t *testing.T) {
	ctx := context.Background()
	runner := scanner.NewHTTPRunner(nil)

	t.Run("SingleDocument", func(t *testing.T) {
		srv := fakeScanner(t, "application/json", http.StatusOK,
			`{"progress":100,"status":"completed","vulnerabilities":[{"type":"secret","file":".env","line":1}]}`)
		var events []scanner.Event
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: srv.URL, Dialect: scanner.DialectLegacy}, Folder: "acme_api"}, collect(&events))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.True(t, events[0].Final)
		assert.Equal(t, 100, events[0].Progress)
		require.Len(t, events[0].Vulnerabilities, 1)
		assert.Equal(t, ".env", events[0].Vulnerabilities[0].FilePath)
	})

	t.Run("SingleDocumentFailedStatus", func(t *testing.T) {
		srv := fakeScanner(t, "application/json", http.StatusOK, `{"progress":0,"status":"failed","message":"clone error"}`)
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: srv.URL}, Folder: "acme_api"}, collect(new([]scanner.Event)))
		assert.ErrorIs(t, err, pkgerrors.ErrScannerBadResponse)
	})

	t.Run("LineStreamSkipsMalformed", func(t *testing.T) {
		body := strings.Join([]string{
			`{"progress":10,"message":"start"}`,
			`not json`,
			`{"message":"no progress"}`,
			``,
			`{"progress":50,"vulnerabilities":[{"vulnerability_type":"sast","file_path":"a.go"},{"vulnerability_type":"sast","extra":1}]}`,
			`{"progress":100,"message":"done"}`,
		}, "\n")
		srv := fakeScanner(t, "application/x-ndjson", http.StatusOK, body)
		var events []scanner.Event
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: srv.URL, Dialect: scanner.DialectCanonical}, Folder: "acme_api"}, collect(&events))
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []int{10, 50, 100}, []int{events[0].Progress, events[1].Progress, events[2].Progress})
		assert.Len(t, events[1].Vulnerabilities, 1)
	})

	t.Run("NonSuccessStatus", func(t *testing.T) {
		srv := fakeScanner(t, "application/json", http.StatusInternalServerError, `boom`)
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: srv.URL}, Folder: "acme_api"}, collect(new([]scanner.Event)))
		assert.ErrorIs(t, err, pkgerrors.ErrScannerBadResponse)
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: url}, Folder: "acme_api"}, collect(new([]scanner.Event)))
		assert.ErrorIs(t, err, pkgerrors.ErrScannerUnreachable)
	})

	t.Run("HandlerErrorStops", func(t *testing.T) {
		srv := fakeScanner(t, "application/jsonl", http.StatusOK, "{\"progress\":10}\n{\"progress\":20}\n")
		calls := 0
		err := runner.Run(ctx, scanner.Request{Scanner: scanner.Entry{ID: "s", BaseURL: srv.URL}, Folder: "acme_api"},
			func(context.Context, scanner.Event) error {
				calls++
				return fmt.Errorf("store down")
			})
		assert.EqualError(t, err, "store down")
		assert.Equal(t, 1, calls)
	})
}

func TestMockRunner(t *testing.T) {
	reg, err := scanner.NewRegistry([]config.ScannerConfig{{ID: "secret_scanner", BaseURL: "http://unused"}})
	require.NoError(t, err)
	adapter := scanner.NewAdapter(reg, scanner.NewHTTPRunner(nil), scanner.NewMockRunner(0))

	var events []scanner.Event
	require.NoError(t, adapter.RunScanner(context.Background(), "secret_scanner", "acme_api", true, collect(&events)))
	require.Len(t, events, 6)
	assert.Equal(t, 20, events[0].Progress)
	assert.Equal(t, 90, events[4].Progress)
	last := events[5]
	assert.Equal(t, 95, last.Progress)
	require.Len(t, last.Vulnerabilities, 2)
	assert.Equal(t, ".env", last.Vulnerabilities[0].FilePath)
	assert.Equal(t, 5, last.Vulnerabilities[0].LineNumber)

	err = adapter.RunScanner(context.Background(), "unknown", "acme_api", true, collect(&events))
	assert.ErrorIs(t, err, pkgerrors.ErrScannerNotFound)
}

func TestCost(t *testing.T) {
	cases := []struct {
		lines int64
		rate  string
		want  string
	}{
		{1000, "0.001", "1.00"},
		{333, "0.005", "1.67"},
		{0, "0.001", "0.00"},
		{1, "0.004", "0.00"},
		{1, "0.005", "0.01"},
	}
	for _, c := range cases {
		got := scanner.Cost(c.lines, decimal.RequireFromString(c.rate))
		assert.True(t, decimal.RequireFromString(c.want).Equal(got), "lines=%d rate=%s got %s", c.lines, c.rate, got)
	}
}

func TestCountLines(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("main.go", "package main\n\nfunc main() {}\n")
	write("lib/util.py", "a = 1\nb = 2")
	write("README.md", "ignored\nignored\n")
	write("node_modules/dep/index.js", "x\ny\nz\n")
	write(".git/config", "[core]\n")
	write("build/out.js", "1\n2\n")

	n, err := scanner.CountLines(root)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = scanner.CountLines(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
