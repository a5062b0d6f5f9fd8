package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/react"
	"github.com/toolgate/toolgate/internal/tool"
	"github.com/toolgate/toolgate/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

type submitPayload struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
	Role  string         `json:"role,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}

	ex, err := s.manager.Submit(r.Context(), admission.SubmitInput{
		ToolName: body.Tool,
		Input:    body.Input,
		Role:     body.Role,
	})
	if err != nil {
		switch {
		case errors.Is(err, tool.ErrToolNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, admission.ErrPermissionDenied):
			// The refusal itself is a recorded execution; return it.
			writeJSON(w, http.StatusForbidden, ex)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	status := admission.Status(r.URL.Query().Get("status"))
	list := s.manager.List(status)
	if list == nil {
		list = []admission.Execution{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.manager.Cancel(r.Context(), id, "api", "cancelled via API")
	switch {
	case err == nil:
		ex, _ := s.manager.Get(id)
		writeJSON(w, http.StatusOK, ex)
	case errors.Is(err, admission.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, admission.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := workflow.RequestStatus(r.URL.Query().Get("status"))
	list := s.workflows.ListRequests(status)
	if list == nil {
		list = []workflow.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := s.workflows.GetRequest(id)
	if !ok {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	out := map[string]any{"request": req}
	if wf, ok := s.workflows.GetWorkflow(id); ok {
		out["workflow"] = wf
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionPayload struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(id string, body decisionPayload) error {
		return s.workflows.Approve(r.Context(), id, body.Actor, body.Comment)
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(id string, body decisionPayload) error {
		return s.workflows.Reject(r.Context(), id, body.Actor, body.Reason)
	})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(id string, body decisionPayload) error {
		return s.workflows.Escalate(r.Context(), id, body.Actor, body.Reason)
	})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, act func(id string, body decisionPayload) error) {
	var body decisionPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	id := chi.URLParam(r, "id")
	err := act(id, body)
	switch {
	case err == nil:
		req, _ := s.workflows.GetRequest(id)
		writeJSON(w, http.StatusOK, req)
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrReasonRequired), errors.Is(err, workflow.ErrNoEscalationPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrInvalidStepState), errors.Is(err, workflow.ErrApprovalExpired):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type runPayload struct {
	Goal string `json:"goal"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	res, err := s.reasoner.Run(r.Context(), body.Goal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, react.ErrMaxSteps), errors.Is(err, react.ErrParse):
		// Partial traces are still useful to the caller.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
