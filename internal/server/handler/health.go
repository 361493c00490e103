package handler

import (
	"net/http"
	"time"
)

// QueueStatus reports the backlog of the job queue.
type QueueStatus interface {
	Pending() int
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	queue     QueueStatus
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler. queue may be nil.
func NewHealthHandler(queue QueueStatus) *HealthHandler {
	return &HealthHandler{queue: queue, startedAt: time.Now().UTC()}
}

// HealthCheck responds with a liveness document.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.queue != nil {
		body["pending_jobs"] = h.queue.Pending()
	}
	writeJSON(w, http.StatusOK, body)
}
