// Package api serves the engine over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fxnlabs/gpucmd/internal/device"
	"github.com/fxnlabs/gpucmd/internal/metrics"
	"github.com/fxnlabs/gpucmd/internal/sched"
	"go.uber.org/zap"
)

// Engine is the part of the device engine the API exposes.
type Engine interface {
	Submit(spec sched.Spec) (uint64, error)
	Get(id uint64) (sched.Status, error)
	Wait(ctx context.Context, id uint64, timeout time.Duration) (sched.Status, error)
	Cancel(id uint64) error
	Stats() device.Stats
	Health() device.Health
	RequestReset() bool
}

// SubmitRequest is the body of POST /v1/jobs. Jobs submitted over HTTP are
// never privileged: register commands in the payload run as NOPs.
type SubmitRequest struct {
	Type      string             `json:"type,omitempty"`
	Priority  string             `json:"priority,omitempty"`
	Queue     *uint32            `json:"queue,omitempty"`
	Payload   []uint32           `json:"payload"`
	Fence     *sched.FenceTarget `json:"fence,omitempty"`
	Deps      []uint64           `json:"deps,omitempty"`
	TimeoutMs int64              `json:"timeoutMs,omitempty"`
}

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	ID uint64 `json:"id"`
}

// ResetResponse reports whether the request started a reset.
type ResetResponse struct {
	Started bool `json:"started"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Handler serves the job API.
type Handler struct {
	engine  Engine
	maxWait time.Duration
	log     *zap.Logger
}

// NewHandler creates a Handler. maxWait caps the timeout a client may ask
// GET /v1/jobs/{id} to block for.
func NewHandler(engine Engine, maxWait time.Duration, log *zap.Logger) *Handler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Handler{engine: engine, maxWait: maxWait, log: log.Named("api")}
}

// Register adds every route to mux, each wrapped by the response metrics
// middleware.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/jobs", metrics.Middleware(http.HandlerFunc(h.submit), "/v1/jobs"))
	mux.Handle("GET /v1/jobs/{id}", metrics.Middleware(http.HandlerFunc(h.get), "/v1/jobs/{id}"))
	mux.Handle("DELETE /v1/jobs/{id}", metrics.Middleware(http.HandlerFunc(h.cancel), "/v1/jobs/{id}"))
	mux.Handle("GET /v1/stats", metrics.Middleware(http.HandlerFunc(h.stats), "/v1/stats"))
	mux.Handle("POST /v1/reset", metrics.Middleware(http.HandlerFunc(h.reset), "/v1/reset"))
	mux.Handle("GET /v1/health", metrics.Middleware(http.HandlerFunc(h.health), "/v1/health"))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	spec, err := req.spec()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.engine.Submit(spec)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.log.Debug("Accepted job", zap.Uint64("id", id))
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

func (req SubmitRequest) spec() (sched.Spec, error) {
	typ, err := sched.ParseJobType(req.Type)
	if err != nil {
		return sched.Spec{}, err
	}
	prio, err := sched.ParsePriority(req.Priority)
	if err != nil {
		return sched.Spec{}, err
	}
	if req.TimeoutMs < 0 {
		return sched.Spec{}, fmt.Errorf("timeoutMs must not be negative")
	}
	return sched.Spec{
		Type:     typ,
		Priority: prio,
		Queue:    req.Queue,
		Payload:  req.Payload,
		Fence:    req.Fence,
		Deps:     req.Deps,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	}, nil
}

// get returns a job's status. With ?timeout= it blocks until the job
// finishes; a job still running when the timeout elapses is answered with
// 202 and its current status.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	timeout := time.Duration(0)
	if v := r.URL.Query().Get("timeout"); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout < 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", v))
			return
		}
		timeout = min(timeout, h.maxWait)
	}

	var st sched.Status
	if timeout > 0 {
		st, err = h.engine.Wait(r.Context(), id, timeout)
	} else {
		st, err = h.engine.Get(id)
	}
	switch {
	case errors.Is(err, sched.ErrWaitTimeout):
		writeJSON(w, http.StatusAccepted, st)
	case err != nil:
		h.writeError(w, statusFor(err), err)
	case !st.State.Terminal():
		writeJSON(w, http.StatusAccepted, st)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.Cancel(id); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	started := h.engine.RequestReset()
	h.log.Info("Reset requested over API", zap.Bool("started", started))
	writeJSON(w, http.StatusAccepted, ResetResponse{Started: started})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Health()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func jobID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid job id %q", r.PathValue("id"))
	}
	return id, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sched.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sched.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, sched.ErrEmptyPayload),
		errors.Is(err, sched.ErrInvalidPayload),
		errors.Is(err, sched.ErrInvalidPriority),
		errors.Is(err, sched.ErrInvalidQueue),
		errors.Is(err, sched.ErrUnknownDependency):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrDegraded),
		errors.Is(err, sched.ErrStopped),
		device.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	retryable := device.IsRetryable(err)
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	if code >= http.StatusInternalServerError && !retryable {
		h.log.Error("Request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
