package handlers

import (
	"context"
	"net/http"
	"time"

	"blueprint-backend/internal/infrastructure/breaker"
	"blueprint-backend/internal/infrastructure/queue"
	"blueprint-backend/internal/shutdown"
	"blueprint-backend/pkg/api"
)

// QueueSnapshotter reports broker and queue health.
type QueueSnapshotter interface {
	Snapshot(ctx context.Context) queue.Health
}

// ShutdownSnapshotter reports the shutdown coordinator state.
type ShutdownSnapshotter interface {
	Snapshot() shutdown.Snapshot
}

// CircuitSnapshotter reports every circuit breaker.
type CircuitSnapshotter interface {
	Snapshot() map[string]breaker.Record
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Role      string                    `json:"role"`
	Timestamp time.Time                 `json:"timestamp"`
	Shutdown  *shutdown.Snapshot        `json:"shutdown,omitempty"`
	Queues    *queue.Health             `json:"queues,omitempty"`
	Circuits  map[string]breaker.Record `json:"circuits,omitempty"`
}

// HealthHandler aggregates component snapshots. Nil sources are skipped.
type HealthHandler struct {
	role     string
	shutdown ShutdownSnapshotter
	queues   QueueSnapshotter
	circuits CircuitSnapshotter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(role string, sd ShutdownSnapshotter, queues QueueSnapshotter, circuits CircuitSnapshotter) *HealthHandler {
	return &HealthHandler{role: role, shutdown: sd, queues: queues, circuits: circuits}
}

// Health handles GET /healthz. It answers 503 once shutdown has begun or the
// broker is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "up", Role: h.role, Timestamp: time.Now().UTC()}

	if h.shutdown != nil {
		s := h.shutdown.Snapshot()
		resp.Shutdown = &s
		if s.Status != "up" {
			resp.Status = "down"
		}
	}
	if h.queues != nil {
		q := h.queues.Snapshot(r.Context())
		resp.Queues = &q
		if q.Status != "up" {
			resp.Status = "down"
		}
	}
	if h.circuits != nil {
		resp.Circuits = h.circuits.Snapshot()
	}

	status := http.StatusOK
	if resp.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	api.Success(w, status, resp)
}

// Circuits handles GET /api/v1/circuits
func (h *HealthHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	circuits := map[string]breaker.Record{}
	if h.circuits != nil {
		circuits = h.circuits.Snapshot()
	}
	api.Success(w, http.StatusOK, map[string]interface{}{"circuits": circuits})
}
