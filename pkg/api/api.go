// Package api exposes the orchestrator's HTTP surface: workflow CRUD and
// versioning, execution trigger/query/cancel, approval decisions, and
// audit-trail queries. It is a thin translation layer — every handler
// validates its request shape, calls straight into repository/engine/
// approval, and maps the result (or error) onto an HTTP response. No
// business logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/finaceverse/orchestrator/pkg/audit"
	"github.com/finaceverse/orchestrator/pkg/engine"
	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/repository"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// CORSConfig mirrors the fields the orchestrator actually tunes; it is
// translated into a go-chi/cors options struct at router construction.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// WorkflowStore is the subset of *repository.Repository this package
// needs for workflow CRUD and versioning.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w workflowtypes.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (workflowtypes.Workflow, error)
	UpdateWorkflow(ctx context.Context, w workflowtypes.Workflow, changeDescription string) (workflowtypes.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID, id string) error
	ListWorkflows(ctx context.Context, f repository.WorkflowListFilter) (repository.PaginatedWorkflows, error)
	GetWorkflowVersions(ctx context.Context, workflowID string) ([]workflowtypes.WorkflowVersionSnapshot, error)
	RestoreWorkflowVersion(ctx context.Context, tenantID, workflowID string, version int) (workflowtypes.Workflow, error)
}

// ExecutionStore is the subset of *repository.Repository this package
// needs for execution queries (the engine owns execution writes).
type ExecutionStore interface {
	GetExecution(ctx context.Context, tenantID, id string) (workflowtypes.Execution, error)
	ListExecutions(ctx context.Context, f repository.ExecutionListFilter) (repository.PaginatedExecutions, error)
}

// Engine is the subset of *engine.Engine this package drives.
type Engine interface {
	Execute(ctx context.Context, workflow workflowtypes.Workflow, triggerData map[string]interface{}, opts engine.ExecuteOptions) (workflowtypes.Execution, error)
	ResumeFromApproval(ctx context.Context, approvalID string) (workflowtypes.Execution, error)
	CancelExecution(ctx context.Context, executionID string) error
}

// ApprovalManager is the subset of *approval.Manager this package drives.
type ApprovalManager interface {
	Get(ctx context.Context, id string) (workflowtypes.PendingApproval, error)
	Approve(ctx context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error)
	Reject(ctx context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error)
}

// AuditQuerier is the subset of *audit.Logger this package drives.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.QueryFilter) ([]workflowtypes.AuditEntry, error)
}

// NodeTypeChecker is the subset of *registry.Registry this package needs
// to reject unknown node types at workflow create/update time.
type NodeTypeChecker interface {
	Get(typ string) (registry.Handler, bool)
}

// Server bundles everything a handler needs and builds the chi.Router.
type Server struct {
	workflows  WorkflowStore
	executions ExecutionStore
	engine     Engine
	approvals  ApprovalManager
	auditLog   AuditQuerier
	nodeTypes  NodeTypeChecker
	logger     logging.Logger
	validate   *validator.Validate
	cors       CORSConfig
}

// New constructs a Server. Any dependency may be nil in tests that only
// exercise a subset of routes.
func New(workflows WorkflowStore, executions ExecutionStore, eng Engine, approvals ApprovalManager, auditLog AuditQuerier, nodeTypes NodeTypeChecker, logger logging.Logger, cors CORSConfig) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		workflows:  workflows,
		executions: executions,
		engine:     eng,
		approvals:  approvals,
		auditLog:   auditLog,
		nodeTypes:  nodeTypes,
		logger:     logger,
		validate:   validator.New(),
		cors:       cors,
	}
}

// Router assembles the full route table behind the recovery/logging/CORS
// middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	if s.cors.Enabled {
		r.Use(corsMiddleware(s.cors))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{id}", s.handleGetWorkflow)
		r.Put("/{id}", s.handleUpdateWorkflow)
		r.Delete("/{id}", s.handleDeleteWorkflow)
		r.Get("/{id}/versions", s.handleListWorkflowVersions)
		r.Post("/{id}/versions/{version}/restore", s.handleRestoreWorkflowVersion)
		r.Post("/{id}/executions", s.handleTriggerExecution)
	})

	r.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Post("/{id}/cancel", s.handleCancelExecution)
	})

	r.Route("/v1/approvals", func(r chi.Router) {
		r.Get("/{id}", s.handleGetApproval)
		r.Post("/{id}/decision", s.handleApprovalDecision)
	})

	r.Get("/v1/audit", s.handleQueryAudit)

	return r
}

func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "Authorization", "X-Tenant-ID"}
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 300
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   methods,
		AllowedHeaders:   headers,
		AllowCredentials: true,
		MaxAge:           maxAge,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}
