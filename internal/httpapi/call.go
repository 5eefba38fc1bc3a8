package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxlinkhq/voxlink/internal/call"
	"github.com/voxlinkhq/voxlink/internal/platform"
)

type startCallRequest struct {
	WorkflowID    string            `json:"workflow_id"`
	WorkflowRunID string            `json:"workflow_run_id"`
	CallContext   map[string]string `json:"call_context"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		req.WorkflowID = s.cfg.DefaultWorkflowID
	}
	if req.CallContext == nil {
		req.CallContext = s.draft.Current()
	}

	err := s.runner.Start(r.Context(), call.StartRequest{
		WorkflowID:    req.WorkflowID,
		WorkflowRunID: req.WorkflowRunID,
		CallContext:   req.CallContext,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, s.runner.Status())
	case errors.Is(err, call.ErrNoWorkflow):
		respondError(w, http.StatusBadRequest, "missing_workflow", err.Error())
	case errors.Is(err, call.ErrNoAccessToken):
		respondError(w, http.StatusUnauthorized, "no_access_token", err.Error())
	case errors.Is(err, call.ErrStartInFlight), errors.Is(err, call.ErrCallActive):
		respondError(w, http.StatusConflict, "call_active", err.Error())
	default:
		var verr *platform.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusUnprocessableEntity, s.runner.Status())
			return
		}
		respondJSON(w, http.StatusBadGateway, s.runner.Status())
	}
}

func (s *Server) handleStopCall(w http.ResponseWriter, _ *http.Request) {
	s.runner.Stop()
	respondJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handleCallStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.runner.Status())
}

type contextResponse struct {
	Vars    map[string]string `json:"vars"`
	CanUndo bool              `json:"can_undo"`
	CanRedo bool              `json:"can_redo"`
}

func (s *Server) contextState() contextResponse {
	vars := s.draft.Current()
	if vars == nil {
		vars = map[string]string{}
	}
	return contextResponse{Vars: vars, CanUndo: s.draft.CanUndo(), CanRedo: s.draft.CanRedo()}
}

func (s *Server) handleGetContext(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.contextState())
}

type putContextRequest struct {
	Vars map[string]string `json:"vars"`
}

func (s *Server) handlePutContext(w http.ResponseWriter, r *http.Request) {
	var req putContextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Vars == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "vars is required")
		return
	}
	s.draft.Push(req.Vars)
	respondJSON(w, http.StatusOK, s.contextState())
}

func (s *Server) handleUndoContext(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.draft.Undo(); !ok {
		respondError(w, http.StatusConflict, "nothing_to_undo", "no earlier context draft")
		return
	}
	respondJSON(w, http.StatusOK, s.contextState())
}

func (s *Server) handleRedoContext(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.draft.Redo(); !ok {
		respondError(w, http.StatusConflict, "nothing_to_redo", "no later context draft")
		return
	}
	respondJSON(w, http.StatusOK, s.contextState())
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": entries})
}
