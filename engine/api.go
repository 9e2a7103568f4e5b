package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tosin2013/openshift-coordination-engine/engine/executor"
	"github.com/tosin2013/openshift-coordination-engine/engine/middleware"
	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
	"github.com/tosin2013/openshift-coordination-engine/engine/scheduler"
	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// API is the thin synchronous front door. Handlers return after the
// admission decision; they never block on execution.
type API struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	hub       *StatusHub
}

func NewAPI(s store.Store, sched *scheduler.Scheduler) *API {
	api := &API{
		store:     s,
		scheduler: sched,
	}
	api.hub = NewStatusHub(api)
	return api
}

// routes assembles the full HTTP surface. The caller wraps it in CORS.
func (a *API) routes(token string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/v1/anomalies", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleAnomalies)))
	mux.Handle("/api/v1/anomalies/", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleAnomalies)))
	mux.Handle("/api/v1/remediate", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleRemediate)))
	mux.Handle("/api/v1/actions", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleActions)))
	mux.Handle("/api/v1/actions/", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleActions)))
	mux.Handle("/api/v1/status", middleware.AuthMiddleware(token, http.HandlerFunc(a.handleStatus)))
	mux.Handle("/api/v1/status/stream", middleware.AuthMiddleware(token, http.HandlerFunc(a.hub.handleStatusStream)))
	return mux
}

// errorEnvelope is the wire format for every error response.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message, Field: field})
}

// writeSubmitError maps admission failures onto the error taxonomy.
func (a *API) writeSubmitError(w http.ResponseWriter, endpoint string, err error) {
	var vErr *store.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "ValidationError", vErr.Message, vErr.Field)
	case errors.Is(err, scheduler.ErrRateLimited):
		observability.APIRateLimited.WithLabelValues(endpoint).Inc()
		// Jittered Retry-After to spread out storming detectors.
		retryAfter := 1 + rand.Intn(2)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		writeError(w, http.StatusTooManyRequests, "RateLimited", "admission budget exceeded for target", "target")
	default:
		log.Printf("api: submission failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal", "submission failed", "")
	}
}

// anomalyRequest is the detector-facing submission payload.
type anomalyRequest struct {
	Type       string   `json:"type"` // anomaly type, mapped to an action type
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Confidence *float64 `json:"confidence"`
	Priority   int      `json:"priority"` // optional override, 1-5
}

// anomalyMappings normalizes detector anomaly classes into action types
// with their default priorities.
var anomalyMappings = map[string]struct {
	Type     store.ActionType
	Priority int
}{
	"node_failure":        {store.TypeNodeRemediation, 1},
	"resource_exhaustion": {store.TypeResourceScaling, 2},
	"model_drift":         {store.TypeModelInference, 3},
	"alert_storm":         {store.TypeAlertCorrelation, 4},
}

func (a *API) handleSubmitAnomaly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST", "")
		return
	}

	var req anomalyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid request body", "")
		return
	}

	mapping, ok := anomalyMappings[req.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "unknown anomaly type", "type")
		return
	}
	if store.ActionSource(req.Source) == store.SourceAIDriven && req.Confidence == nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "confidence is required for ai_driven submissions", "confidence")
		return
	}

	action := &store.Action{
		Type:     mapping.Type,
		Source:   store.ActionSource(req.Source),
		Target:   req.Target,
		Priority: mapping.Priority,
	}
	if req.Priority != 0 {
		action.Priority = req.Priority
	}
	if req.Confidence != nil {
		action.Confidence = *req.Confidence
	}

	a.submit(w, r, "anomalies", action)
}

// remediateRequest is the direct action submission payload, bypassing
// anomaly normalization.
type remediateRequest struct {
	Type       string   `json:"type"`
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Priority   int      `json:"priority"`
	Confidence *float64 `json:"confidence"`
}

func (a *API) handleRemediate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST", "")
		return
	}

	var req remediateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid request body", "")
		return
	}
	if store.ActionSource(req.Source) == store.SourceAIDriven && req.Confidence == nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "confidence is required for ai_driven submissions", "confidence")
		return
	}

	action := &store.Action{
		Type:     store.ActionType(req.Type),
		Source:   store.ActionSource(req.Source),
		Target:   req.Target,
		Priority: req.Priority,
	}
	if action.Priority == 0 {
		action.Priority = 3
	}
	if req.Confidence != nil {
		action.Confidence = *req.Confidence
	}

	a.submit(w, r, "remediate", action)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, endpoint string, action *store.Action) {
	result, err := a.scheduler.Submit(r.Context(), action)
	if err != nil {
		a.writeSubmitError(w, endpoint, err)
		return
	}
	if result.Deduplicated {
		// Coalesced: no new action was created.
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request, id string) {
	action, err := a.store.GetAction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", "unknown or expired action id", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "lookup failed", "")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Status: store.ActionStatus(r.URL.Query().Get("status")),
		Source: store.ActionSource(r.URL.Query().Get("source")),
		Target: r.URL.Query().Get("target"),
	}
	actions, err := a.store.ListActions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "list failed", "")
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// handleActionResult is the executor callback endpoint.
func (a *API) handleActionResult(w http.ResponseWriter, r *http.Request, id string) {
	var res struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid request body", "")
		return
	}

	err := a.scheduler.HandleResult(r.Context(), executor.Result{
		ActionID: id,
		Success:  res.Success,
		Reason:   res.Reason,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "unknown or expired action id", "")
	case errors.Is(err, store.ErrInvalidTransition):
		// Late callback: the action already timed out or was cancelled.
		writeError(w, http.StatusConflict, "InvalidTransition", "action is already terminal", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal", "result not recorded", "")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func (a *API) handleCancelAction(w http.ResponseWriter, r *http.Request, id string) {
	err := a.scheduler.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "unknown or expired action id", "")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "InvalidTransition", "action is already terminal", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal", "cancel failed", "")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.scheduler.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "status aggregation failed", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAnomalies routes /api/v1/anomalies and /api/v1/anomalies/{id}.
func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/anomalies")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		a.handleSubmitAnomaly(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET", "")
		return
	}
	a.handleGetAction(w, r, rest)
}

// handleActions routes /api/v1/actions, /api/v1/actions/{id} and the
// {id}/result and {id}/cancel sub-resources.
func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/actions")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET", "")
			return
		}
		a.handleListActions(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetAction(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodPost:
		a.handleActionResult(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		a.handleCancelAction(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "NotFound", "no such route", "")
	}
}
