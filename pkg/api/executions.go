package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/finaceverse/orchestrator/pkg/engine"
	"github.com/finaceverse/orchestrator/pkg/repository"
)

type triggerExecutionRequest struct {
	TriggerData map[string]interface{} `json:"triggerData"`
	TriggeredBy string                  `json:"triggeredBy"`
}

func (s *Server) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	wf, err := s.workflows.GetWorkflow(r.Context(), tenantID(r), workflowID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req triggerExecutionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	}

	exec, err := s.engine.Execute(r.Context(), wf, req.TriggerData, engine.ExecuteOptions{TriggeredBy: req.TriggeredBy})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.executions.GetExecution(r.Context(), tenantID(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	out, err := s.executions.ListExecutions(r.Context(), repository.ExecutionListFilter{
		WorkflowID: q.Get("workflowId"),
		TenantID:   tenantID(r),
		Status:     q.Get("status"),
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelExecution(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
