package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/ScanOrchestrator/internal/config"
	"github.com/honeynil/ScanOrchestrator/internal/handler"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	"github.com/honeynil/ScanOrchestrator/internal/repository/memory"
	"github.com/honeynil/ScanOrchestrator/internal/scanner"
	service "github.com/honeynil/ScanOrchestrator/internal/services"
	"github.com/honeynil/ScanOrchestrator/internal/source"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	ScanID  string          `json:"scan_id"`
}

type testServer struct {
	router http.Handler
	scans  service.ScanService
}

const testUserHeader = "X-Test-User"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg, err := scanner.NewRegistry([]config.ScannerConfig{
		{ID: "secret_scanner", BaseURL: "http://unused", Rate: decimal.RequireFromString("0.01")},
		{ID: "sast_scanner", BaseURL: "http://unused", Rate: decimal.RequireFromString("0.01")},
	})
	require.NoError(t, err)
	adapter := scanner.NewAdapter(reg, scanner.NewHTTPRunner(nil), scanner.NewMockRunner(0))

	root := t.TempDir()
	dir := filepath.Join(root, "acme_api")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte(strings.Repeat("print(1)\n", 100)), 0o644))

	store := memory.New()
	credits := service.NewCreditService(store.Credits(), store.Users(), kafka.NopProducer{}, "ledger", decimal.NewFromInt(500))
	scans := service.NewScanService(store.Scans(), store.Vulnerabilities(), credits, adapter, kafka.NopProducer{}, "scans")
	collections := service.NewCollectionService(store.Collections(), store.Scans(), store.Vulnerabilities(), scans, source.NewLocalStorage(root), nil)
	streams := service.NewStreamService(scans, collections, time.Millisecond, time.Minute)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get(testUserHeader); id != "" {
				req = req.WithContext(auth.WithUserID(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	handler.NewHandler(credits, scans, collections, streams).RegisterRoutes(r)
	return &testServer{router: r, scans: scans}
}

func (s *testServer) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (s *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.scans.Wait(ctx))
}

func TestCredits(t *testing.T) {
	srv := newTestServer(t)

	t.Run("unauthenticated", func(t *testing.T) {
		rec, resp := srv.do(t, "GET", "/credits/balance", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, resp.Success)
	})

	t.Run("topup then balance", func(t *testing.T) {
		rec, resp := srv.do(t, "POST", "/credits/topup", "u1", `{"amount": 25.5, "description": "card"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, resp.Success)
		assert.Equal(t, "Successfully added 25.5 credits", resp.Message)

		rec, resp = srv.do(t, "GET", "/credits/balance", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var data struct {
			Balance decimal.Decimal `json:"balance"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &data))
		assert.Equal(t, "25.5", data.Balance.String())
	})

	t.Run("invalid topup", func(t *testing.T) {
		rec, resp := srv.do(t, "POST", "/credits/topup", "u1", `{"amount": 20000}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)

		rec, _ = srv.do(t, "POST", "/credits/topup", "u1", `{"amount": "lots"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("transactions", func(t *testing.T) {
		rec, resp := srv.do(t, "GET", "/credits/transactions?limit=10", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var txs []models.CreditTransaction
		require.NoError(t, json.Unmarshal(resp.Data, &txs))
		require.Len(t, txs, 1)

		rec, _ = srv.do(t, "GET", "/credits/transactions/"+txs[0].ID, "u1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = srv.do(t, "GET", "/credits/transactions/"+txs[0].ID, "u2", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec, _ = srv.do(t, "GET", "/credits/transactions?limit=abc", "u1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("subscription", func(t *testing.T) {
		rec, _ := srv.do(t, "POST", "/users/subscribe", "pro", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = srv.do(t, "POST", "/users/subscribe", "pro", "")
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec, resp := srv.do(t, "GET", "/users/pro-status", "pro", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var status models.ProStatus
		require.NoError(t, json.Unmarshal(resp.Data, &status))
		assert.True(t, status.IsPro)
		assert.Equal(t, "500", status.Balance.String())

		rec, _ = srv.do(t, "POST", "/users/unsubscribe", "pro", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = srv.do(t, "POST", "/users/unsubscribe", "pro", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestScans(t *testing.T) {
	srv := newTestServer(t)
	body := `{"repository_name":"acme/api","scanner_name":"secret_scanner","configurations":{"mock":true}}`

	t.Run("insufficient credits", func(t *testing.T) {
		rec, resp := srv.do(t, "POST", "/scans", "u1", body)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.NotEmpty(t, resp.ScanID)

		rec, resp = srv.do(t, "GET", "/scans/"+resp.ScanID, "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var job models.ScanJob
		require.NoError(t, json.Unmarshal(resp.Data, &job))
		assert.Equal(t, models.ScanFailed, job.Status)
		assert.Equal(t, "Insufficient credits", job.ProgressText)
	})

	t.Run("unknown repository", func(t *testing.T) {
		rec, _ := srv.do(t, "POST", "/scans", "u1", `{"repository_name":"acme/none","scanner_name":"secret_scanner"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing scanner", func(t *testing.T) {
		rec, _ := srv.do(t, "POST", "/scans", "u1", `{"repository_name":"acme/api"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("completed scan and stream", func(t *testing.T) {
		rec, _ := srv.do(t, "POST", "/credits/topup", "u1", `{"amount": 10}`)
		require.Equal(t, http.StatusOK, rec.Code)

		rec, resp := srv.do(t, "POST", "/scans", "u1", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var created struct {
			ScanID string `json:"scan_id"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &created))
		srv.wait(t)

		rec, resp = srv.do(t, "GET", "/scans/"+created.ScanID+"/vulnerabilities", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var vulns []models.Vulnerability
		require.NoError(t, json.Unmarshal(resp.Data, &vulns))
		assert.Len(t, vulns, 2)

		rec, _ = srv.do(t, "GET", "/scans/"+created.ScanID+"/stream", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		stream := rec.Body.String()
		assert.Equal(t, 2, strings.Count(stream, "event: vulnerability\n"))
		assert.Equal(t, 1, strings.Count(stream, "event: status\n"))
		assert.Contains(t, stream, `"status":"completed"`)
		assert.True(t, strings.HasSuffix(stream, "\n\n"))

		rec, resp = srv.do(t, "GET", "/scans", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var jobs []models.ScanJob
		require.NoError(t, json.Unmarshal(resp.Data, &jobs))
		assert.Len(t, jobs, 2)
	})

	t.Run("stream of foreign scan", func(t *testing.T) {
		rec, resp := srv.do(t, "GET", "/scans", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var jobs []models.ScanJob
		require.NoError(t, json.Unmarshal(resp.Data, &jobs))
		require.NotEmpty(t, jobs)

		rec, resp = srv.do(t, "GET", "/scans/"+jobs[0].ID+"/stream", "u2", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.False(t, resp.Success)
	})
}

func TestCollections(t *testing.T) {
	srv := newTestServer(t)
	rec, _ := srv.do(t, "POST", "/credits/topup", "u1", `{"amount": 10}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := srv.do(t, "POST", "/scan-collections", "u1",
		`{"repository_name":"acme/api","scanners":["secret_scanner","sast_scanner"],"configurations":{"mock":true}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		CollectionID string   `json:"collection_id"`
		ScanIDs      []string `json:"scan_ids"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	require.Len(t, created.ScanIDs, 2)
	srv.wait(t)

	rec, resp = srv.do(t, "GET", "/scan-collections/"+created.CollectionID+"/status", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.CollectionStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, models.ScanCompleted, status.Status)
	assert.Equal(t, 100, status.ProgressPercent)
	assert.Len(t, status.Scans, 2)

	rec, resp = srv.do(t, "GET", "/scan-collections/"+created.CollectionID+"/results", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var vulns []models.Vulnerability
	require.NoError(t, json.Unmarshal(resp.Data, &vulns))
	assert.NotEmpty(t, vulns)

	rec, _ = srv.do(t, "GET", "/scan-collections/"+created.CollectionID+"/stream", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: progress\n"))

	rec, _ = srv.do(t, "GET", "/scan-collections/"+created.CollectionID+"/status", "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = srv.do(t, "GET", "/scan-collections", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var colls []models.ScanCollection
	require.NoError(t, json.Unmarshal(resp.Data, &colls))
	assert.Len(t, colls, 1)

	rec, _ = srv.do(t, "POST", "/scan-collections", "u1", `{"repository_name":"acme/api","scanners":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
