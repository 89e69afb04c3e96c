// Package api provides the read-side HTTP handlers and the JSON response helpers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/magi/internal/deliberation"
	"github.com/ashureev/magi/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Handler serves the history log, the persona catalog and health checks.
type Handler struct {
	repo      store.Repository
	retention int
	checks    map[string]func(context.Context) error
}

// NewHandler creates a new Handler. retention caps the history page size.
func NewHandler(repo store.Repository, retention int) *Handler {
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	return &Handler{repo: repo, retention: retention, checks: make(map[string]func(context.Context) error)}
}

// AddCheck registers an extra dependency probe reported by Health.
func (h *Handler) AddCheck(name string, check func(context.Context) error) {
	h.checks[name] = check
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/history", h.ListHistory)
		r.Get("/personas", h.ListPersonas)
		r.Get("/health", h.Health)
	})
}

// ListHistory returns persisted deliberations, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := h.retention
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.retention)
	}

	entries, err := h.repo.ListHistory(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list history", "error", err)
		Error(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ListPersonas returns the persona catalog.
func (h *Handler) ListPersonas(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"personas": deliberation.DefaultPersonas()})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			status = "degraded"
			checks[name] = "unreachable"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{"status": status, "checks": checks})
}
