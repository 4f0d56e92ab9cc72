package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"blueprint-backend/internal/infrastructure/queue"
	"blueprint-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// JobService is the part of the orchestrator the job endpoints use.
type JobService interface {
	AddJob(ctx context.Context, queue, jobName string, payload any, opts *queue.JobOptions) (*queue.Job, error)
	WaitForJobCompletion(ctx context.Context, queue string, job *queue.Job, timeout time.Duration) (json.RawMessage, error)
	GetJob(ctx context.Context, queue, id string) (*queue.Job, error)
	GetQueueHealth(ctx context.Context, queue string) (queue.Counts, error)
}

// AddJobRequest is the body of POST /api/v1/queues/{queue}/jobs.
type AddJobRequest struct {
	Name      string          `json:"name" validate:"required,max=128"`
	Data      json.RawMessage `json:"data,omitempty"`
	Attempts  int             `json:"attempts,omitempty" validate:"min=0,max=100"`
	BackoffMs int64           `json:"backoffMs,omitempty" validate:"min=0"`
	DelayMs   int64           `json:"delayMs,omitempty" validate:"min=0"`
	// Wait holds the request open until the job finishes.
	Wait      bool  `json:"wait,omitempty"`
	TimeoutMs int64 `json:"timeoutMs,omitempty" validate:"min=0"`
}

func (req AddJobRequest) options() *queue.JobOptions {
	if req.Attempts == 0 && req.BackoffMs == 0 && req.DelayMs == 0 {
		return nil
	}
	return &queue.JobOptions{
		Attempts: req.Attempts,
		Backoff:  time.Duration(req.BackoffMs) * time.Millisecond,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	}
}

// AddJobResponse carries the enqueued job and, for waited requests, its result.
type AddJobResponse struct {
	Job    *queue.Job      `json:"job"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobHandler serves the queue endpoints.
type JobHandler struct {
	jobs               JobService
	logger             *zap.Logger
	defaultWaitTimeout time.Duration
}

// NewJobHandler creates a JobHandler. defaultWaitTimeout applies to waited
// requests without timeoutMs.
func NewJobHandler(jobs JobService, defaultWaitTimeout time.Duration, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.Named("jobs_api"), defaultWaitTimeout: defaultWaitTimeout}
}

// AddJob handles POST /api/v1/queues/{queue}/jobs
func (h *JobHandler) AddJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	var req AddJobRequest
	if err := decodeAndValidate(r, &req); err != nil {
		handleServiceError(w, r, err, h.logger)
		return
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}

	job, err := h.jobs.AddJob(r.Context(), queueName, req.Name, payload, req.options())
	if err != nil {
		handleServiceError(w, r, err, h.logger)
		return
	}

	if !req.Wait {
		api.Success(w, http.StatusAccepted, AddJobResponse{Job: job})
		return
	}

	timeout := h.defaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	result, err := h.jobs.WaitForJobCompletion(r.Context(), queueName, job, boundedTimeout(r.Context(), timeout))
	if err != nil {
		handleServiceError(w, r, err, h.logger)
		return
	}
	api.Success(w, http.StatusOK, AddJobResponse{Job: job, Result: result})
}

// GetJob handles GET /api/v1/queues/{queue}/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err, h.logger)
		return
	}
	api.Success(w, http.StatusOK, job)
}

// QueueHealth handles GET /api/v1/queues/{queue}/health
func (h *JobHandler) QueueHealth(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	counts, err := h.jobs.GetQueueHealth(r.Context(), queueName)
	if err != nil {
		handleServiceError(w, r, err, h.logger)
		return
	}
	api.Success(w, http.StatusOK, map[string]interface{}{
		"queue":  queueName,
		"counts": counts,
	})
}
