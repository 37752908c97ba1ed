package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	service "github.com/honeynil/ScanOrchestrator/internal/services"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
)

type Handler struct {
	credits     service.CreditService
	scans       service.ScanService
	collections service.CollectionService
	streams     service.StreamService
}

func NewHandler(
	credits service.CreditService,
	scans service.ScanService,
	collections service.CollectionService,
	streams service.StreamService,
) *Handler {
	return &Handler{
		credits:     credits,
		scans:       scans,
		collections: collections,
		streams:     streams,
	}
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	ScanID    string    `json:"scan_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// statusFor maps the error taxonomy onto HTTP codes. Anything unmapped is
// an internal failure and its text is not exposed.
func statusFor(err error) int {
	switch {
	case pkgerrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidTransactionType),
		errors.Is(err, pkgerrors.ErrScannerNotFound):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrAlreadyPro),
		errors.Is(err, pkgerrors.ErrNotPro),
		errors.Is(err, pkgerrors.ErrRequestAlreadyProcessed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithScan(w, r, err, "")
}

func (h *Handler) writeErrorWithScan(w http.ResponseWriter, r *http.Request, err error, scanID string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		attrs := append([]any{"method", r.Method, "path", r.URL.Path, "error", err}, observability.TraceAttrs(r.Context())...)
		slog.Error("request failed", attrs...)
		msg = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:     msg,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/credits/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/credits/topup", h.Topup).Methods("POST")
	r.HandleFunc("/credits/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/credits/transactions/{id}", h.GetTransaction).Methods("GET")

	r.HandleFunc("/users/subscribe", h.Subscribe).Methods("POST")
	r.HandleFunc("/users/unsubscribe", h.Unsubscribe).Methods("POST")
	r.HandleFunc("/users/pro-status", h.ProStatus).Methods("GET")

	r.HandleFunc("/scans", h.CreateScan).Methods("POST")
	r.HandleFunc("/scans", h.ListScans).Methods("GET")
	r.HandleFunc("/scans/{id}", h.GetScan).Methods("GET")
	r.HandleFunc("/scans/{id}/vulnerabilities", h.ListScanVulnerabilities).Methods("GET")
	r.HandleFunc("/scans/{id}/stream", h.StreamScan).Methods("GET")

	r.HandleFunc("/scan-collections", h.CreateCollection).Methods("POST")
	r.HandleFunc("/scan-collections", h.ListCollections).Methods("GET")
	r.HandleFunc("/scan-collections/{id}/status", h.GetCollectionStatus).Methods("GET")
	r.HandleFunc("/scan-collections/{id}/results", h.GetCollectionResults).Methods("GET")
	r.HandleFunc("/scan-collections/{id}/stream", h.StreamCollection).Methods("GET")
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "user not authenticated", Timestamp: time.Now().UTC()})
	}
	return id, ok
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, pkgerrors.ErrInvalidInput
	}
	return n, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	balance, err := h.credits.GetBalance(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": uid, "balance": balance}, "")
}

func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.credits.Topup(r.Context(), uid, req.Amount, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, res.Message)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.credits.ListTransactions(r.Context(), uid, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs, "")
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	tx, err := h.credits.GetTransaction(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx, "")
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	status, err := h.credits.Subscribe(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status, "Subscribed to pro")
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	status, err := h.credits.Unsubscribe(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status, "Unsubscribed from pro")
}

func (h *Handler) ProStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	status, err := h.credits.ProStatus(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status, "")
}

type createScanRequest struct {
	RepositoryName string         `json:"repository_name"`
	ScannerName    string         `json:"scanner_name"`
	Scanners       []string       `json:"scanners"`
	Configurations map[string]any `json:"configurations"`
	RequestID      string         `json:"request_id"`
}

func (h *Handler) CreateScan(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req createScanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ScannerName == "" {
		h.writeError(w, r, pkgerrors.ErrInvalidInput)
		return
	}

	job, err := h.collections.StartScan(r.Context(), service.StartRequest{
		UserID:         uid,
		RepositoryName: req.RepositoryName,
		Scanners:       []string{req.ScannerName},
		Configurations: req.Configurations,
		RequestID:      req.RequestID,
	})
	if err != nil {
		scanID := ""
		if job != nil {
			scanID = job.ID
		}
		h.writeErrorWithScan(w, r, err, scanID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scan_id": job.ID, "status": job.Status}, "Scan started")
}

func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobs, err := h.scans.ListJobs(r.Context(), uid, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs, "")
}

func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	job, err := h.scans.GetJob(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job, "")
}

func (h *Handler) ListScanVulnerabilities(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	vulns, err := h.scans.ListVulnerabilities(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vulns, "")
}

func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req createScanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	coll, err := h.collections.StartCollection(r.Context(), service.StartRequest{
		UserID:         uid,
		RepositoryName: req.RepositoryName,
		Scanners:       req.Scanners,
		Configurations: req.Configurations,
		RequestID:      req.RequestID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"collection_id": coll.ID,
		"scan_ids":      coll.ScanIDs,
		"status":        coll.Status,
	}, "Scan collection started")
}

func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	colls, err := h.collections.ListCollections(r.Context(), uid, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if colls == nil {
		colls = []models.ScanCollection{}
	}
	writeJSON(w, http.StatusOK, colls, "")
}

func (h *Handler) GetCollectionStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	status, err := h.collections.GetCollectionStatus(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status, "")
}

func (h *Handler) GetCollectionResults(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	vulns, err := h.collections.GetCollectionResults(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vulns, "")
}
