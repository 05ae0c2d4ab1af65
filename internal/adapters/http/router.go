// Package http exposes the consolidation and trace services as a JSON API.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kwilcz/traceflow/internal/application"
	"github.com/kwilcz/traceflow/internal/domain"
	"github.com/kwilcz/traceflow/internal/policy"
)

type Handler struct {
	service *application.PolicyService
}

func NewRouter(service *application.PolicyService) http.Handler {
	h := &Handler{service: service}
	r := chi.NewRouter()

	r.Get("/healthz", h.handleHealthz)

	r.Route("/api", func(api chi.Router) {
		api.Post("/policies/consolidate", h.handleConsolidate)
		api.Post("/traces/parse", h.handleParseTrace)
		api.Post("/flows/group", h.handleGroupFlows)
		api.Post("/flows/{flowID}/logs", h.handleFlowLogs)
		api.Get("/runs/consolidations", h.handleListConsolidationRuns)
		api.Get("/runs/traces", h.handleListTraceParseRuns)
	})

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type consolidateRequest struct {
	Files []domain.PolicyFile `json:"files"`
}

func (h *Handler) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	resp, err := h.service.ConsolidatePolicies(r.Context(), req.Files)
	if err != nil {
		writeJSON(w, consolidationStatus(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// consolidationStatus maps core failures to status codes: caller-fixable
// input problems are 400s, inheritance resolution failures 422s.
func consolidationStatus(err error) int {
	switch {
	case errors.Is(err, policy.ErrNoFiles), errors.Is(err, policy.ErrAllFilesInvalid), errors.Is(err, policy.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrMissingBase), errors.Is(err, policy.ErrCycleDetected), errors.Is(err, policy.ErrUnresolvedReference):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type traceRequest struct {
	Logs []domain.LogRecord `json:"logs"`
}

func (h *Handler) handleParseTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	result, err := h.service.ParseTraceLogs(r.Context(), req.Logs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGroupFlows(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	writeJSON(w, http.StatusOK, h.service.GroupFlows(r.Context(), req.Logs))
}

func (h *Handler) handleFlowLogs(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	logs, err := h.service.FlowLogs(r.Context(), req.Logs, chi.URLParam(r, "flowID"))
	if err != nil {
		if errors.Is(err, application.ErrFlowNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleListConsolidationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.ListConsolidationRuns(r.Context(), listLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []domain.ConsolidationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleListTraceParseRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.ListTraceParseRuns(r.Context(), listLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []domain.TraceParseRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
