// Package http provides the alarm HTTP endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alarmapp "telemetry-core/internal/alarms/application"
	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/alarms/report"
	"telemetry-core/internal/auth"
)

// History reads persisted occurrences for listings and exports.
type History interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]alarms.Occurrence, error)
}

// Handler provides alarm occurrence HTTP endpoints.
type Handler struct {
	engine  *alarmapp.Engine
	history History
}

// NewHandler constructs a handler.
func NewHandler(engine *alarmapp.Engine, history History) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("alarms handler: nil engine")
	}
	return &Handler{engine: engine, history: history}, nil
}

// ServeHTTP handles /api/v1/alarms/occurrences and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alarms/occurrences":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case r.URL.Path == "/api/v1/alarms/occurrences/export.xlsx",
		r.URL.Path == "/api/v1/alarms/occurrences/export.pdf":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/alarms/occurrences/"):
		h.handleAction(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("history") != "" {
		if h.history == nil {
			http.Error(w, "history not available", http.StatusServiceUnavailable)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := h.history.ListByTenant(r.Context(), tenantID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
		return
	}
	writeJSON(w, h.engine.OpenOccurrences(tenantID))
}

type actionRequest struct {
	Comment string `json:"comment"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms/occurrences/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, action := parts[0], parts[1]

	tenantID := auth.TenantIDFromContext(r.Context())
	actor := auth.SubjectFromContext(r.Context())
	if actor == "" {
		actor = "operator"
	}
	// The occurrence must belong to the caller's tenant before any
	// transition is attempted.
	occ, err := h.engine.Occurrence(id)
	if err != nil {
		if errors.Is(err, alarms.ErrNotFound) && h.clearedInHistory(r.Context(), tenantID, id) {
			respondLifecycleError(w, alarms.ErrAlreadyCleared)
			return
		}
		respondLifecycleError(w, err)
		return
	}
	if tenantID != "" && occ.TenantID != tenantID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req actionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var result *alarms.Occurrence
	switch action {
	case "ack":
		result, err = h.engine.Acknowledge(r.Context(), id, actor, req.Comment)
	case "clear":
		result, err = h.engine.Clear(r.Context(), id, actor, req.Comment)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondLifecycleError(w, err)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.history == nil {
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}
	occs, err := h.history.ListByTenant(r.Context(), tenantID, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	if strings.HasSuffix(r.URL.Path, ".pdf") {
		data, err := report.BuildOccurrencePDF(tenantID, occs, now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="occurrences.pdf"`)
		_, _ = w.Write(data)
		return
	}
	data, err := report.BuildOccurrenceXLSX(tenantID, occs, now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="occurrences.xlsx"`)
	_, _ = w.Write(data)
}

// clearedInHistory reports whether the occurrence exists persisted in
// the cleared state, so transitions on it can answer conflict instead
// of not-found.
func (h *Handler) clearedInHistory(ctx context.Context, tenantID, id string) bool {
	if h.history == nil || tenantID == "" {
		return false
	}
	occs, err := h.history.ListByTenant(ctx, tenantID, 0)
	if err != nil {
		return false
	}
	for _, occ := range occs {
		if occ.ID == id {
			return occ.State == alarms.StateCleared
		}
	}
	return false
}

func respondLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, alarms.ErrNotActive), errors.Is(err, alarms.ErrAlreadyCleared):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
