package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/pipeline"
)

// JobQueue is the subset of the pipeline queue the API drives.
type JobQueue interface {
	SubmitFull() (*pipeline.Job, error)
	SubmitUpdate(isbn string) (*pipeline.Job, error)
	Get(id string) (*pipeline.Job, bool)
}

// JobHandler submits and reports background lot jobs.
type JobHandler struct {
	queue  JobQueue
	logger *slog.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(queue JobQueue, logger *slog.Logger) *JobHandler {
	return &JobHandler{queue: queue, logger: logger.With(slog.String("handler", "jobs"))}
}

type jobResponse struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	ISBN        string        `json:"isbn,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	LotCount    *int          `json:"lot_count,omitempty"`
	Lots        []lotResponse `json:"lots,omitempty"`
}

func toJobResponse(job *pipeline.Job, withLots bool) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		ISBN:        job.ISBN,
		Status:      "queued",
		SubmittedAt: job.SubmittedAt,
	}
	started, finished := job.Timing()
	if !started.IsZero() {
		resp.Status = "running"
		resp.StartedAt = &started
	}
	if !job.Finished() {
		return resp
	}

	resp.FinishedAt = &finished
	resp.Status = "succeeded"
	if err := job.Err(); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
	}
	result := job.Result()
	n := len(result)
	resp.LotCount = &n
	if withLots {
		resp.Lots = make([]lotResponse, 0, n)
		for _, lot := range result {
			resp.Lots = append(resp.Lots, toLotResponse(lot))
		}
	}
	return resp
}

// Generate queues a full-catalog lot generation.
// POST /api/jobs/generate
func (h *JobHandler) Generate(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.SubmitFull()
	if err != nil {
		h.submitFailed(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "full generation queued", slog.String("job_id", job.ID))
	writeJSON(w, http.StatusAccepted, toJobResponse(job, false))
}

type updateRequest struct {
	ISBN string `json:"isbn"`
}

// Update queues an incremental update for one ISBN.
// POST /api/jobs/update {"isbn": "..."}
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	isbn := strings.TrimSpace(req.ISBN)
	if isbn == "" {
		writeError(w, http.StatusBadRequest, "isbn is required")
		return
	}

	job, err := h.queue.SubmitUpdate(isbn)
	if err != nil {
		h.submitFailed(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "incremental update queued",
		slog.String("job_id", job.ID),
		slog.String("isbn", isbn),
	)
	writeJSON(w, http.StatusAccepted, toJobResponse(job, false))
}

// GetJob reports a job's state; finished jobs include their lots.
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, true))
}

func (h *JobHandler) submitFailed(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "job queue full")
	case errors.Is(err, domain.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "job queue closed")
	default:
		h.logger.ErrorContext(r.Context(), "submit job failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}
