package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/finaceverse/orchestrator/pkg/repository"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

func tenantID(r *http.Request) string {
	if t := r.URL.Query().Get("tenantId"); t != "" {
		return t
	}
	return r.Header.Get("X-Tenant-ID")
}

type createWorkflowRequest struct {
	TenantID    string                              `json:"tenantId" validate:"required"`
	Name        string                              `json:"name" validate:"required"`
	Nodes       []workflowtypes.Node                `json:"nodes" validate:"required,min=1"`
	Edges       []workflowtypes.Edge                `json:"edges"`
	Triggers    []workflowtypes.Trigger              `json:"triggers"`
	Variables   map[string]workflowtypes.VariableDef `json:"variables"`
	Credentials []string                             `json:"credentials"`
	Settings    workflowtypes.WorkflowSettings        `json:"settings"`
	Category    string                               `json:"category"`
	Tags        []string                             `json:"tags"`
	CreatedBy   string                               `json:"createdBy"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	wf := workflowtypes.Workflow{
		ID:          newID(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Version:     1,
		Status:      workflowtypes.WorkflowDraft,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Triggers:    req.Triggers,
		Variables:   req.Variables,
		Credentials: req.Credentials,
		Settings:    req.Settings,
		Category:    req.Category,
		Tags:        req.Tags,
		CreatedBy:   req.CreatedBy,
	}

	if err := workflowtypes.Validate(&wf, s.nodeTypeResolver()); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.workflows.CreateWorkflow(r.Context(), wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.workflows.GetWorkflow(r.Context(), tenantID(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type updateWorkflowRequest struct {
	Name               string                              `json:"name" validate:"required"`
	Status             workflowtypes.WorkflowStatus         `json:"status"`
	Nodes              []workflowtypes.Node                 `json:"nodes" validate:"required,min=1"`
	Edges              []workflowtypes.Edge                 `json:"edges"`
	Triggers           []workflowtypes.Trigger              `json:"triggers"`
	Variables          map[string]workflowtypes.VariableDef `json:"variables"`
	Credentials        []string                             `json:"credentials"`
	Settings           workflowtypes.WorkflowSettings        `json:"settings"`
	Category           string                                `json:"category"`
	Tags               []string                             `json:"tags"`
	ChangeDescription  string                                `json:"changeDescription"`
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tid := tenantID(r)

	existing, err := s.workflows.GetWorkflow(r.Context(), tid, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req updateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	existing.Name = req.Name
	if req.Status != "" {
		existing.Status = req.Status
	}
	existing.Nodes = req.Nodes
	existing.Edges = req.Edges
	existing.Triggers = req.Triggers
	existing.Variables = req.Variables
	existing.Credentials = req.Credentials
	existing.Settings = req.Settings
	existing.Category = req.Category
	existing.Tags = req.Tags

	if err := workflowtypes.Validate(&existing, s.nodeTypeResolver()); err != nil {
		writeDomainError(w, err)
		return
	}

	updated, err := s.workflows.UpdateWorkflow(r.Context(), existing, req.ChangeDescription)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.workflows.DeleteWorkflow(r.Context(), tenantID(r), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	out, err := s.workflows.ListWorkflows(r.Context(), repository.WorkflowListFilter{
		TenantID: tenantID(r),
		Status:   q.Get("status"),
		Search:   q.Get("search"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := s.workflows.GetWorkflowVersions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRestoreWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_version", "version must be an integer")
		return
	}
	restored, err := s.workflows.RestoreWorkflowVersion(r.Context(), tenantID(r), id, version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

// nodeTypeResolver lets Validate reject unknown node types ahead of
// execution when the server has a node-type checker (the registry) to
// ask; without one, every type is accepted and the check defers to
// execution time.
func (s *Server) nodeTypeResolver() workflowtypes.NodeTypeResolver {
	if s.nodeTypes == nil {
		return nil
	}
	return func(typ string) bool {
		_, ok := s.nodeTypes.Get(typ)
		return ok
	}
}
