package api

import (
	"net/http"
	"strconv"

	"github.com/finaceverse/orchestrator/pkg/audit"
)

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := s.auditLog.Query(r.Context(), audit.QueryFilter{
		ExecutionID: q.Get("executionId"),
		WorkflowID:  q.Get("workflowId"),
		TenantID:    tenantID(r),
		Event:       q.Get("event"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
