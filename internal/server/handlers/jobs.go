package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/server/middleware"
	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/pipeline"
	"github.com/3leaps/kgextract/pkg/record"
)

// Jobs serves read-only views of batch runs and pipeline items.
type Jobs struct {
	status *jobstatus.Store
	store  artifact.Store
	logger *zap.Logger
}

// NewJobs returns job handlers reading from store.
func NewJobs(store artifact.Store, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{status: jobstatus.NewStore(store), store: store, logger: logger}
}

// CheckHealth verifies the artifact store is readable.
func (h *Jobs) CheckHealth(ctx context.Context) error {
	_, err := h.store.Exists(ctx, "status")
	return err
}

// JobListResponse is the body of GET /v1/jobs.
type JobListResponse struct {
	JobTypes []string `json:"job_types"`
}

// RunListResponse is the body of GET /v1/jobs/{jobType}/runs.
type RunListResponse struct {
	JobType string             `json:"job_type"`
	Runs    []jobstatus.JobRun `json:"runs"`
}

// ListJobTypes serves GET /v1/jobs.
func (h *Jobs) ListJobTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.status.JobTypes(r.Context())
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{JobTypes: types})
}

// Current serves GET /v1/jobs/{jobType}.
func (h *Jobs) Current(w http.ResponseWriter, r *http.Request) {
	jobType, ok := h.param(w, r, "jobType")
	if !ok {
		return
	}
	run, err := h.status.Current(r.Context(), jobType)
	if err != nil {
		h.fail(w, r, err, map[string]any{"job_type": jobType})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Runs serves GET /v1/jobs/{jobType}/runs.
func (h *Jobs) Runs(w http.ResponseWriter, r *http.Request) {
	jobType, ok := h.param(w, r, "jobType")
	if !ok {
		return
	}
	runs, err := h.status.List(r.Context(), jobType)
	if err != nil {
		h.fail(w, r, err, map[string]any{"job_type": jobType})
		return
	}
	if runs == nil {
		runs = []jobstatus.JobRun{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{JobType: jobType, Runs: runs})
}

// Run serves GET /v1/jobs/{jobType}/runs/{runID}.
func (h *Jobs) Run(w http.ResponseWriter, r *http.Request) {
	jobType, ok := h.param(w, r, "jobType")
	if !ok {
		return
	}
	runID, ok := h.param(w, r, "runID")
	if !ok {
		return
	}
	run, err := h.status.Get(r.Context(), jobType, runID)
	if err != nil {
		h.fail(w, r, err, map[string]any{"job_type": jobType, "run_id": runID})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PipelineSummary serves GET /v1/pipelines/{jobType}.
func (h *Jobs) PipelineSummary(w http.ResponseWriter, r *http.Request) {
	jobType, ok := h.param(w, r, "jobType")
	if !ok {
		return
	}
	var sum pipeline.Summary
	if err := artifact.GetJSON(r.Context(), h.store, artifact.PipelineSummaryPath(jobType), &sum); err != nil {
		h.fail(w, r, err, map[string]any{"job_type": jobType})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// PipelineItem serves GET /v1/pipelines/{jobType}/items/{key}. The key is
// the natural key string, path-escaped.
func (h *Jobs) PipelineItem(w http.ResponseWriter, r *http.Request) {
	jobType, ok := h.param(w, r, "jobType")
	if !ok {
		return
	}
	key, ok := h.param(w, r, "key")
	if !ok {
		return
	}
	var st pipeline.State
	if err := artifact.GetJSON(r.Context(), h.store, artifact.PipelineStatePath(jobType, record.Key(key)), &st); err != nil {
		h.fail(w, r, err, map[string]any{"job_type": jobType, "key": key})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Jobs) param(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := chi.URLParam(r, name)
	v, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(v) == "" || strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+name, map[string]any{name: raw})
		return "", false
	}
	return v, true
}

func (h *Jobs) fail(w http.ResponseWriter, r *http.Request, err error, details map[string]any) {
	if errors.Is(err, jobstatus.ErrNotFound) || artifact.IsNotFound(err) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), details)
		return
	}
	h.logger.Error("Status API read failed", zap.String("path", r.URL.Path), zap.Error(err))
	middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read status", details)
}
