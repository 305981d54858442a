package report

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/reportowl/internal/httpserver"
	"github.com/wisbric/reportowl/internal/telemetry"
	"github.com/wisbric/reportowl/pkg/queue"
	"github.com/wisbric/reportowl/pkg/registry"
)

// WorkerStatus is the worker surface the stats endpoint reports on.
type WorkerStatus interface {
	Running() bool
	Concurrency() int
}

// Handler provides the HTTP surface for job submission and introspection.
type Handler struct {
	logger   *slog.Logger
	queue    *queue.Queue
	registry *registry.Registry
	worker   WorkerStatus
}

// NewHandler creates a report job Handler. worker may be nil in api-only
// processes; the stats endpoint then reports workerRunning=false.
func NewHandler(logger *slog.Logger, q *queue.Queue, reg *registry.Registry, worker WorkerStatus) *Handler {
	return &Handler{logger: logger, queue: q, registry: reg, worker: worker}
}

// Routes returns a chi.Router with all job routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSubmit)
	r.Get("/queue/stats", h.handleStats)
	r.Post("/queue/cleanup", h.handleCleanup)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/retry", h.handleRetry)
	})
	return r
}

// Ready implements httpserver.ReadyChecker with a queue stats round-trip.
func (h *Handler) Ready(r *http.Request) error {
	_, err := h.queue.Stats(r.Context())
	return err
}

// SubmitRequest is the POST /jobs payload.
type SubmitRequest struct {
	UseCase string            `json:"useCase" validate:"required"`
	Email   string            `json:"email" validate:"required,email"`
	Filters map[string]string `json:"filters"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if !h.registry.Has(req.UseCase) {
		httpserver.RespondError(w, http.StatusBadRequest, "unknown_use_case",
			"use case "+req.UseCase+" is not configured")
		return
	}

	job, err := h.queue.Enqueue(r.Context(), req.UseCase, req.Email, req.Filters)
	if err != nil {
		h.logger.Error("enqueueing job", "use_case", req.UseCase, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue report job")
		return
	}
	telemetry.JobsEnqueuedTotal.WithLabelValues(req.UseCase).Inc()

	httpserver.Respond(w, http.StatusAccepted, map[string]string{
		"message": "report job accepted",
		"jobId":   job.ID,
	})
}

// jobResponse is the GET /jobs/{id} payload.
type jobResponse struct {
	JobID        string            `json:"jobId"`
	Status       string            `json:"status"`
	UseCase      string            `json:"useCase"`
	Recipient    string            `json:"recipient"`
	Filters      map[string]string `json:"filters,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	CreatedAt    string            `json:"createdAt"`
	ProcessedOn  *string           `json:"processedOn,omitempty"`
	FinishedOn   *string           `json:"finishedOn,omitempty"`
	FailedReason string            `json:"failedReason,omitempty"`
	Result       string            `json:"result,omitempty"`
}

// externalStatus folds queue states into the submitter-facing vocabulary.
func externalStatus(state queue.State) string {
	switch state {
	case queue.StateWaiting, queue.StateDelayed:
		return "pending"
	case queue.StateActive:
		return "processing"
	case queue.StateCompleted:
		return "completed"
	case queue.StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	job, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "no job with id "+id)
			return
		}
		h.logger.Error("loading job", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	resp := jobResponse{
		JobID:        job.ID,
		Status:       externalStatus(job.State),
		UseCase:      job.UseCase,
		Recipient:    job.Recipient,
		Filters:      job.Filters,
		Attempts:     job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		FailedReason: job.FailedReason,
		Result:       job.Result,
	}
	if job.ProcessedOn != nil {
		s := job.ProcessedOn.UTC().Format(time.RFC3339)
		resp.ProcessedOn = &s
	}
	if job.FinishedOn != nil {
		s := job.FinishedOn.UTC().Format(time.RFC3339)
		resp.FinishedOn = &s
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("reading queue stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read queue stats")
		return
	}

	running := false
	concurrency := 0
	if h.worker != nil {
		running = h.worker.Running()
		concurrency = h.worker.Concurrency()
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"stats": map[string]any{
			"waiting":   stats.Waiting,
			"active":    stats.Active,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"delayed":   stats.Delayed,
			"total":     stats.Total,
			"config": map[string]any{
				"concurrency":   concurrency,
				"maxAttempts":   h.queue.MaxAttempts(),
				"workerRunning": running,
			},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.queue.RequeueStalled(r.Context())
	if err != nil {
		h.logger.Error("requeueing stalled jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to requeue stalled jobs")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"message":  "stalled job check completed",
		"requeued": requeued,
	})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := h.queue.RetryJob(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "no job with id "+id)
			return
		}
		httpserver.RespondError(w, http.StatusConflict, "not_retryable", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{
		"message": "job requeued",
		"jobId":   id,
	})
}
