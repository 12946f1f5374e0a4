// Package api is the HTTP surface of the bridge: the Telegram webhook
// pipeline, the health endpoint, and the operator websocket console.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/ccbridge/internal/adapter"
	"github.com/ashureev/ccbridge/internal/config"
	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/guard"
	"github.com/ashureev/ccbridge/internal/registry"
	"github.com/ashureev/ccbridge/internal/session"
	"github.com/ashureev/ccbridge/internal/telegram"
)

// HealthSource exposes the monitor's per-instance records to /health.
type HealthSource interface {
	Snapshot() map[string]domain.HealthRecord
}

// Handler carries the dispatcher's collaborators.
type Handler struct {
	cfg      *config.Config
	sender   telegram.Sender
	registry *registry.Registry
	tracker  *session.Tracker
	pool     *adapter.Pool
	healthy  HealthSource

	limiter *guard.RateLimiter
	dedup   *guard.Deduplicator
	gate    *guard.ShutdownGate

	startedAt time.Time
}

// NewHandler wires the webhook dispatcher.
func NewHandler(cfg *config.Config, sender telegram.Sender, reg *registry.Registry, tracker *session.Tracker, pool *adapter.Pool, healthy HealthSource, gate *guard.ShutdownGate) *Handler {
	return &Handler{
		cfg:       cfg,
		sender:    sender,
		registry:  reg,
		tracker:   tracker,
		pool:      pool,
		healthy:   healthy,
		limiter:   guard.NewRateLimiter(cfg.Limits.RateWindow, cfg.Limits.RateMaxRequests),
		dedup:     guard.NewDeduplicator(cfg.Limits.DedupCapacity, cfg.Limits.DedupTTL),
		gate:      gate,
		startedAt: time.Now(),
	}
}

// StartSweepers launches the background maintenance goroutines owned by the
// handler.
func (h *Handler) StartSweepers(ctx context.Context) {
	h.dedup.StartSweeper(ctx)
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(h.gateMiddleware)

	r.Post("/webhook", h.handleWebhook)
	r.Get("/health", h.handleHealth)
	r.Get("/ws/attach", h.handleAttach)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

// gateMiddleware rejects new work once shutdown has begun.
func (h *Handler) gateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.gate.ShuttingDown() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instanceCounts is the /health instances block.
type instanceCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Tmux    int `json:"tmux"`
	Docker  int `json:"docker"`
}

type healthResponse struct {
	Status          string                         `json:"status"`
	UptimeSeconds   int64                          `json:"uptime_seconds"`
	Instances       instanceCounts                 `json:"instances"`
	PendingRequests int                            `json:"pending_requests"`
	Records         map[string]domain.HealthRecord `json:"records,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := instanceCounts{}
	for _, inst := range h.registry.List() {
		counts.Total++
		switch inst.InstanceType {
		case domain.InstanceTypeTmux:
			counts.Tmux++
		case domain.InstanceTypeDocker:
			counts.Docker++
		}
		status, err := h.registry.GetStatus(inst.Name)
		if err != nil {
			continue
		}
		if status == domain.StatusRunning {
			counts.Running++
		} else {
			counts.Stopped++
		}
	}

	resp := healthResponse{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		Instances:       counts,
		PendingRequests: h.gate.Pending(),
	}
	if h.healthy != nil {
		resp.Records = h.healthy.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode response failed", "error", err)
	}
}
