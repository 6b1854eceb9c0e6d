package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/optimize"
	"github.com/adverve/roaspilot/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var stateErr *domain.InvalidStateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, optimize.ErrActionExpired):
		writeError(w, http.StatusGone, err)
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListActions returns live pending actions by default; a status
// query switches to a raw filtered listing.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("status") == "" && q.Get("type") == "" && q.Get("target_id") == "" {
		actions, err := s.service.ListPending(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions, "count": len(actions)})
		return
	}

	filter := store.ActionFilter{
		Status:   domain.ActionStatus(q.Get("status")),
		Type:     domain.ActionType(q.Get("type")),
		TargetID: q.Get("target_id"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	actions, err := s.service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions, "count": len(actions)})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

// decodeActor reads the acting identity from the body, defaulting to
// "operator" when the body is empty.
func decodeActor(r *http.Request) string {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		return "operator"
	}
	return req.Actor
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	action, err := s.service.Approve(r.Context(), mux.Vars(r)["id"], decodeActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true" || r.URL.Query().Get("dry_run") == "1"

	action, err := s.service.Execute(r.Context(), mux.Vars(r)["id"], decodeActor(r), dryRun)
	if err != nil {
		// A failed execution still transitions the action; surface both.
		if action != nil && action.Status == domain.StatusFailed {
			writeJSON(w, http.StatusBadGateway, action)
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	action, err := s.service.Cancel(r.Context(), mux.Vars(r)["id"], decodeActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type evaluateRequest struct {
	CampaignID string `json:"campaign_id"`
	Enqueue    bool   `json:"enqueue"`
}

// handleEvaluate runs an on-demand evaluation. With enqueue set the
// surviving candidates are queued as suggestions; otherwise the caller
// just sees what the autopilot would do.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, errors.New("campaign_id is required"))
		return
	}

	eval, err := s.service.EvaluateCampaign(r.Context(), req.CampaignID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.Enqueue {
		queued := make([]domain.OptimizationAction, 0, len(eval.Candidates))
		for _, candidate := range eval.Candidates {
			action, err := s.service.Enqueue(r.Context(), candidate)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			queued = append(queued, *action)
		}
		eval.Candidates = queued
	}

	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleActionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.QueueStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
