package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type approvalDecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Approver string `json:"approver" validate:"required"`
	Comments string `json:"comments"`
}

// handleApprovalDecision records a single vote and, once the gate reaches
// a terminal state (required approvals met, or a single rejection),
// resumes the execution that suspended on it.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approvalDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	var (
		p   workflowtypes.PendingApproval
		err error
	)
	if req.Decision == "approve" {
		p, err = s.approvals.Approve(r.Context(), id, req.Approver, req.Comments)
	} else {
		p, err = s.approvals.Reject(r.Context(), id, req.Approver, req.Comments)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if p.Status == workflowtypes.ApprovalApproved || p.Status == workflowtypes.ApprovalRejected {
		if _, err := s.engine.ResumeFromApproval(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, p)
}
