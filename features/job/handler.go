package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"jobq/internal/middleware"
)

type Handler struct {
	service  *Service
	runner   BatchRunner
	workerID string
}

// NewHandler wires the HTTP surface. runner may be nil when this process
// does not execute jobs; POST /jobs/process then answers 503.
func NewHandler(s *Service, runner BatchRunner, workerID string) *Handler {
	return &Handler{service: s, runner: runner, workerID: workerID}
}

type enqueueRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Options
	IntervalMS int64 `json:"interval_ms,omitempty"`
}

// resolveTenant makes the X-Tenant-ID header, which the enqueue rate limiter
// keys on, the job's tenant. A body tenant_id is accepted only when it agrees.
func (req *enqueueRequest) resolveTenant(r *http.Request) error {
	header := r.Header.Get(middleware.TenantHeader)
	switch {
	case header == "":
		return nil
	case req.TenantID == "":
		req.TenantID = header
		return nil
	case req.TenantID != header:
		return fmt.Errorf("tenant_id %q does not match %s header", req.TenantID, middleware.TenantHeader)
	}
	return nil
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.resolveTenant(r); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "enqueueing job", "name", req.Name, "tenant_id", req.TenantID, "correlationId", correlationID)

	id, err := h.service.Schedule(ctx, req.Name, req.Payload, req.Options)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to enqueue job", err)
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, map[string]interface{}{"data": map[string]string{"job_id": id}})
}

func (h *Handler) EnqueueRecurring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.resolveTenant(r); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.IntervalMS <= 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "interval_ms must be positive", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "enqueueing recurring job", "name", req.Name, "interval_ms", req.IntervalMS, "correlationId", correlationID)

	interval := time.Duration(req.IntervalMS) * time.Millisecond
	id, err := h.service.ScheduleRecurring(ctx, req.Name, req.Payload, interval, req.Options)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to enqueue recurring job", err)
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, map[string]interface{}{"data": map[string]string{"job_id": id}})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	j, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to get job", err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

func (h *Handler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	slog.InfoContext(ctx, "listing dead-letter jobs", "limit", limit, "offset", offset, "correlationId", correlationID)

	jobs, total, err := h.service.ListDeadLetter(ctx, limit, offset)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to list dead-letter jobs", err)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs), "total": total},
	})
}

type deadLetterRequest struct {
	Action    string `json:"action"`
	BatchSize int    `json:"batch_size"`
}

func (h *Handler) ProcessDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req deadLetterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	var opts DeadLetterOptions
	switch req.Action {
	case "retry":
		opts.ManualRetry = true
	case "delete":
	default:
		h.writeError(ctx, w, "VALIDATION_ERROR", `action must be "retry" or "delete"`, http.StatusBadRequest)
		return
	}
	opts.BatchSize = req.BatchSize

	slog.InfoContext(ctx, "processing dead-letter queue", "action", req.Action, "batch_size", req.BatchSize, "correlationId", correlationID)

	res, err := h.service.ProcessDeadLetterQueue(ctx, opts)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to process dead-letter queue", err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": res})
}

type processRequest struct {
	BatchSize    int   `json:"batch_size"`
	MaxRuntimeMS int64 `json:"max_runtime_ms"`
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if h.runner == nil {
		h.writeError(ctx, w, "UNAVAILABLE", "job execution is disabled on this instance", http.StatusServiceUnavailable)
		return
	}

	var req processRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
			return
		}
	}

	slog.InfoContext(ctx, "processing jobs on demand", "batch_size", req.BatchSize, "max_runtime_ms", req.MaxRuntimeMS, "correlationId", correlationID)

	res, err := h.runner.ProcessJobs(ctx, req.BatchSize, h.workerID, time.Duration(req.MaxRuntimeMS)*time.Millisecond)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to process jobs", err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": res})
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	correlationID := middleware.GetCorrelationID(ctx)
	switch {
	case errors.Is(err, ErrValidation):
		slog.WarnContext(ctx, msg, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
	default:
		slog.ErrorContext(ctx, msg, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", msg, http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
