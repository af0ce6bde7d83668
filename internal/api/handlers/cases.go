// Package handlers provides HTTP handlers for the case API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/api/middleware"
	"github.com/drfirst/go-pafill/internal/artifacts"
	"github.com/drfirst/go-pafill/internal/domain/pacase"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/pipeline"
	"github.com/drfirst/go-pafill/pkg/idempotency"
	"github.com/drfirst/go-pafill/pkg/workerpool"
)

// CaseRunner runs one case and waits for its outcome.
type CaseRunner interface {
	Submit(ctx context.Context, in pipeline.CaseInput) (*pipeline.Outcome, error)
}

// CaseQueue hands a case to the background workers.
type CaseQueue interface {
	Enqueue(ctx context.Context, req pipeline.CaseRequest) error
}

// CaseHandler handles case endpoints
type CaseHandler struct {
	runner    CaseRunner
	queue     CaseQueue
	repo      pacase.Repository
	store     artifacts.Store
	maxMemory int64
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewCaseHandler creates a handler. queue may be nil, which disables
// asynchronous submission.
func NewCaseHandler(runner CaseRunner, queue CaseQueue, repo pacase.Repository, store artifacts.Store, logger *zap.Logger) *CaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseHandler{
		runner:    runner,
		queue:     queue,
		repo:      repo,
		store:     store,
		maxMemory: 8 << 20,
		logger:    logger,
		tracer:    otel.Tracer("case-handler"),
	}
}

// Routes returns the handler routes
func (h *CaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.Events)
	r.Get("/{id}/report", h.Report)
	r.Get("/{id}/manifest", h.Manifest)
	r.Get("/{id}/artifacts/{name}", h.Artifact)
	return r
}

// CaseResponse describes a case's current state.
type CaseResponse struct {
	ID          string          `json:"id"`
	Stage       pacase.Stage    `json:"stage"`
	FailedStage pacase.Stage    `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	FormVersion string          `json:"form_version"`
	Fingerprint string          `json:"fingerprint"`
	Version     int             `json:"version"`
	Summary     *pacase.Summary `json:"summary,omitempty"`
	Reused      bool            `json:"reused,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// Submit handles POST /cases. The body is either multipart/form-data with
// case_id, form_version and the template and referral files, or a JSON
// CaseRequest with inline documents. ?async=true queues the case and
// answers 202.
func (h *CaseHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_case")
	defer span.End()

	req, err := h.decode(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.GetRequestID(ctx)
	}
	span.SetAttributes(attribute.String("case_id", req.CaseID))

	if r.URL.Query().Get("async") == "true" {
		h.enqueue(ctx, w, req)
		return
	}

	in, err := req.Input("")
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.runner.Submit(ctx, in)
	if err != nil && (!isStageFailure(err) || out == nil) {
		h.runError(w, req.CaseID, err)
		return
	}

	resp := CaseResponse{ID: out.CaseID, Stage: out.Stage, FailedStage: out.FailedStage, Fingerprint: out.Fingerprint, FormVersion: in.FormVersion, Summary: out.Summary, Reused: out.Reused}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusUnprocessableEntity
	}
	h.logger.Info("case submitted",
		zap.String("case_id", req.CaseID),
		zap.String("stage", string(out.Stage)),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, code, resp)
}

func (h *CaseHandler) enqueue(ctx context.Context, w http.ResponseWriter, req pipeline.CaseRequest) {
	if h.queue == nil {
		h.jsonError(w, "asynchronous submission is not enabled", http.StatusNotImplemented)
		return
	}
	if err := h.queue.Enqueue(ctx, req); err != nil {
		if errors.Is(err, pipeline.ErrInvalidInput) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("enqueue failed", zap.String("case_id", req.CaseID), zap.Error(err))
		h.jsonError(w, "failed to queue case", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":             req.CaseID,
		"status":         "queued",
		"correlation_id": req.CorrelationID,
	})
}

func (h *CaseHandler) decode(r *http.Request) (pipeline.CaseRequest, error) {
	var req pipeline.CaseRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request body: %w", err)
		}
		if req.TemplatePath != "" || req.ReferralPath != "" {
			return req, errors.New("documents must be sent inline")
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxMemory); err != nil {
			return req, fmt.Errorf("invalid multipart body: %w", err)
		}
		req.CaseID = r.FormValue("case_id")
		req.FormVersion = r.FormValue("form_version")
		req.CorrelationID = r.FormValue("correlation_id")
		var err error
		if req.Template, err = formFile(r, "template"); err != nil {
			return req, err
		}
		if req.Referral, err = formFile(r, "referral"); err != nil {
			return req, err
		}
	default:
		return req, fmt.Errorf("unsupported content type %q", mediaType)
	}

	if req.CaseID == "" || req.FormVersion == "" {
		return req, errors.New("case_id and form_version are required")
	}
	return req, nil
}

func formFile(r *http.Request, name string) ([]byte, error) {
	f, _, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, fmt.Errorf("%s file is required", name)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *CaseHandler) runError(w http.ResponseWriter, caseID string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pacase.ErrConcurrentUpdate), errors.Is(err, idempotency.ErrRunning):
		h.jsonError(w, "case is being processed", http.StatusConflict)
	case errors.Is(err, idempotency.ErrRejected):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.jsonError(w, "case could not be run now", http.StatusServiceUnavailable)
	default:
		h.logger.Error("case run failed", zap.String("case_id", caseID), zap.Error(err))
		h.jsonError(w, "failed to run case", http.StatusInternalServerError)
	}
}

// Get handles GET /cases/{id}
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	updated := c.UpdatedAt()
	h.writeJSON(w, http.StatusOK, CaseResponse{
		ID:          c.ID(),
		Stage:       c.Stage(),
		FailedStage: c.FailedStage(),
		Error:       c.Failure(),
		FormVersion: c.FormVersion(),
		Fingerprint: c.Fingerprint(),
		Version:     c.Version(),
		Summary:     c.Summary(),
		UpdatedAt:   &updated,
	})
}

// Events handles GET /cases/{id}/events
func (h *CaseHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.repo.Events(r.Context(), id)
	if err != nil {
		h.jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		h.jsonError(w, "case not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

var reportFormats = map[string]struct{ name, contentType string }{
	"json": {artifacts.ReportJSON, "application/json"},
	"txt":  {artifacts.ReportText, "text/plain; charset=utf-8"},
	"pdf":  {artifacts.ReportPDF, "application/pdf"},
}

// Report handles GET /cases/{id}/report?format=json|txt|pdf
func (h *CaseHandler) Report(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	f, ok := reportFormats[format]
	if !ok {
		h.jsonError(w, "format must be json, txt or pdf", http.StatusBadRequest)
		return
	}
	h.serve(w, chi.URLParam(r, "id"), f.name, f.contentType)
}

// Manifest handles GET /cases/{id}/manifest
func (h *CaseHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	h.serve(w, chi.URLParam(r, "id"), artifacts.ManifestName, "application/json")
}

// Artifact handles GET /cases/{id}/artifacts/{name}
func (h *CaseHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(name, ".pdf"):
		contentType = "application/pdf"
	case strings.HasSuffix(name, ".json"):
		contentType = "application/json"
	case strings.HasSuffix(name, ".txt"):
		contentType = "text/plain; charset=utf-8"
	}
	h.serve(w, chi.URLParam(r, "id"), name, contentType)
}

func (h *CaseHandler) serve(w http.ResponseWriter, caseID, name, contentType string) {
	b, err := h.store.Read(caseID, name)
	switch {
	case errors.Is(err, artifacts.ErrInvalidName):
		h.jsonError(w, "invalid case or artifact name", http.StatusBadRequest)
		return
	case errors.Is(err, artifacts.ErrNotFound):
		h.jsonError(w, "artifact not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("artifact read failed", zap.String("case_id", caseID), zap.String("name", name), zap.Error(err))
		h.jsonError(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if contentType == "application/pdf" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", caseID+"-"+name))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (h *CaseHandler) load(w http.ResponseWriter, r *http.Request) (*pacase.Case, bool) {
	c, err := h.repo.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, pacase.ErrNotFound) {
		h.jsonError(w, "case not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("case load failed", zap.Error(err))
		h.jsonError(w, "failed to load case", http.StatusInternalServerError)
		return nil, false
	}
	return c, true
}

func isStageFailure(err error) bool {
	_, ok := faults.FailedStage(err)
	return ok
}

func (h *CaseHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *CaseHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
