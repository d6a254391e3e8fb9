package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"opsconsole/internal/config"
	"opsconsole/internal/license"
)

// LicenseState is what health checks read from the license controller.
type LicenseState interface {
	Snapshot() license.Snapshot
	State() license.State
}

// ClientCounter reports connected websocket clients.
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	license LicenseState
	clients ClientCounter
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(state LicenseState, clients ClientCounter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		license: state,
		clients: clients,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status           string         `json:"status"`
	Version          string         `json:"version"`
	Uptime           string         `json:"uptime"`
	License          LicenseSummary `json:"license"`
	WebSocketClients int            `json:"websocket_clients"`
	Timestamp        time.Time      `json:"timestamp"`
}

// LicenseSummary is the license part of the health report.
type LicenseSummary struct {
	State     string     `json:"state"`
	Status    string     `json:"status"`
	Valid     bool       `json:"is_valid"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// HealthCheck handles GET /api/health. The service is healthy as long as
// it serves; an unchecked license only degrades the report.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := h.license.Snapshot()
	resp := HealthResponse{
		Status:    "healthy",
		Version:   config.AppVersion,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		License:   summarize(h.license.State(), snap),
		Timestamp: time.Now().UTC(),
	}
	if snap.CheckedAt.IsZero() {
		resp.Status = "degraded"
	}
	if h.clients != nil {
		resp.WebSocketClients = h.clients.ClientCount()
	}
	render.JSON(w, r, resp)
}

// ReadinessCheck handles GET /api/health/ready. Ready once the first
// license check has resolved and until shutdown.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	state := h.license.State()
	snap := h.license.Snapshot()
	ready := !snap.CheckedAt.IsZero() && state != license.StateDisposed
	if !ready {
		h.logger.DebugContext(r.Context(), "not ready",
			slog.String("license_state", state.String()))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, map[string]interface{}{
		"ready":   ready,
		"license": summarize(state, snap),
	})
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"name":    config.AppName,
		"version": config.AppVersion,
	})
}

func summarize(state license.State, snap license.Snapshot) LicenseSummary {
	s := LicenseSummary{
		State:  state.String(),
		Status: string(snap.Status),
		Valid:  snap.Valid,
	}
	if !snap.CheckedAt.IsZero() {
		checked := snap.CheckedAt
		s.CheckedAt = &checked
	}
	return s
}
