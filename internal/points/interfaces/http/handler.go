// Package http provides the point HTTP endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	alarmapp "telemetry-core/internal/alarms/application"
	"telemetry-core/internal/auth"
	"telemetry-core/internal/points/application"
	points "telemetry-core/internal/points/domain"
	"telemetry-core/internal/points/store"
)

// PendingReporter exposes the registry's parked definitions for the
// status surface.
type PendingReporter interface {
	Pending() []string
}

// RuleReporter exposes per-rule evaluation diagnostics for the status
// surface.
type RuleReporter interface {
	Diagnostics() []alarmapp.RuleDiagnostic
}

// Handler provides point read and recalculation endpoints.
type Handler struct {
	store     *store.Store
	scheduler *application.Scheduler
	checker   *auth.TenantChecker
	pending   PendingReporter
	rules     RuleReporter
}

// NewHandler constructs a handler.
func NewHandler(st *store.Store, scheduler *application.Scheduler, checker *auth.TenantChecker, pending PendingReporter, rules RuleReporter) (*Handler, error) {
	if st == nil || scheduler == nil {
		return nil, errors.New("points handler: nil store or scheduler")
	}
	return &Handler{store: st, scheduler: scheduler, checker: checker, pending: pending, rules: rules}, nil
}

// ServeHTTP handles /api/v1/points/{id} and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/engine/status" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStatus(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/points/")
	if path == "" || path == r.URL.Path {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if id, ok := strings.CutSuffix(path, "/recalculate"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRecalculate(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.handleGet(w, r, strings.TrimSuffix(path, "/"))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.ensureTenant(r.Context(), r, id); err != nil {
		respondTenantError(w, err)
		return
	}
	if !h.scheduler.Known(id) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	current := h.store.Get(id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(current)
}

// handleRecalculate forces one evaluation of a virtual point. This is
// the manual trigger surface; it works for timer and onchange points
// too.
func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.ensureTenant(r.Context(), r, id); err != nil {
		respondTenantError(w, err)
		return
	}
	if err := h.scheduler.Recalculate(r.Context(), id); err != nil {
		if errors.Is(err, points.ErrUnknownPoint) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.store.Get(id))
}

type statusResponse struct {
	RegisteredVirtualPoints []string                  `json:"registered_virtual_points"`
	PendingVirtualPoints    []string                  `json:"pending_virtual_points,omitempty"`
	Rules                   []alarmapp.RuleDiagnostic `json:"rules,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{RegisteredVirtualPoints: h.scheduler.Definitions()}
	if h.pending != nil {
		resp.PendingVirtualPoints = h.pending.Pending()
	}
	if h.rules != nil {
		resp.Rules = h.rules.Diagnostics()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) ensureTenant(ctx context.Context, r *http.Request, id string) error {
	tenantID := auth.TenantIDFromContext(r.Context())
	if h.checker == nil || tenantID == "" {
		return nil
	}
	return h.checker.EnsureTenant(ctx, tenantID, id)
}

func respondTenantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		http.Error(w, "tenant check failed", http.StatusInternalServerError)
	}
}
