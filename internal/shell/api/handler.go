// Package api exposes the composition status surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/controller"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
)

// =============================================================================
// Composition Interface
// =============================================================================

// Composition is the controller surface the handlers need.
type Composition interface {
	Snapshot() (*stack.Run, []stack.ServiceStatus)
	ServiceStatus(name string) (stack.ServiceStatus, bool)
	Down(ctx context.Context) error
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the status API.
type Handler struct {
	decl   *declaration.Declaration
	comp   Composition
	rt     runtime.API
	logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(decl *declaration.Declaration, comp Composition, rt runtime.API, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		decl:   decl,
		comp:   comp,
		rt:     rt,
		logger: l.With(slog.String("component", "api")),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/composition", h.handleGetComposition)
		r.Post("/composition/stop", h.handleStopComposition)
		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.handleListServices)
			r.Get("/{name}", h.handleGetService)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if err := h.rt.Ping(r.Context()); err != nil {
		checks["runtime"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["runtime"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Composition Handlers
// =============================================================================

func (h *Handler) handleGetComposition(w http.ResponseWriter, r *http.Request) {
	run, statuses := h.comp.Snapshot()
	if run == nil {
		h.writeError(w, http.StatusConflict, "composition has not been started", "not_running")
		return
	}

	resp := CompositionResponse{
		Stack:      h.decl.Name,
		RunID:      run.ID,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Services:   make([]ServiceResponse, 0, len(statuses)),
	}
	for _, s := range statuses {
		resp.Services = append(resp.Services, serviceToResponse(s))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStopComposition(w http.ResponseWriter, r *http.Request) {
	if err := h.comp.Down(r.Context()); err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			h.writeError(w, http.StatusConflict, "composition is not running", "not_running")
			return
		}
		h.logger.Error("stop failed", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "failed to stop composition", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusAccepted, StopResponse{Status: "stopped"})
}

// =============================================================================
// Service Handlers
// =============================================================================

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	_, statuses := h.comp.Snapshot()

	resp := make([]ServiceResponse, 0, len(statuses))
	for _, s := range statuses {
		resp = append(resp, serviceToResponse(s))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, declared := h.decl.ServiceByName(name); !declared {
		h.writeError(w, http.StatusNotFound, "service not declared", "not_found")
		return
	}

	status, ok := h.comp.ServiceStatus(name)
	if !ok {
		status = stack.ServiceStatus{Name: name, State: stack.StatePending}
	}
	h.writeJSON(w, http.StatusOK, serviceToResponse(status))
}

// =============================================================================
// Helpers
// =============================================================================

func serviceToResponse(s stack.ServiceStatus) ServiceResponse {
	return ServiceResponse{
		Name:        s.Name,
		State:       string(s.State),
		ContainerID: s.ContainerID,
		Attempts:    s.Attempts,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		StoppedAt:   s.StoppedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// =============================================================================
// Response Types
// =============================================================================

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness payload.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// CompositionResponse describes the active run and its services.
type CompositionResponse struct {
	Stack      string            `json:"stack"`
	RunID      string            `json:"run_id"`
	Status     string            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Services   []ServiceResponse `json:"services"`
}

// ServiceResponse describes one service's lifecycle status.
type ServiceResponse struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	ContainerID string     `json:"container_id,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
