package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/audit"
	"github.com/finaceverse/orchestrator/pkg/engine"
	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/repository"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type fakeWorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]workflowtypes.Workflow
	versions  map[string][]workflowtypes.WorkflowVersionSnapshot
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{workflows: make(map[string]workflowtypes.Workflow)}
}

func (f *fakeWorkflowStore) CreateWorkflow(_ context.Context, w workflowtypes.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[w.ID] = w
	return nil
}

func (f *fakeWorkflowStore) GetWorkflow(_ context.Context, _, id string) (workflowtypes.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return workflowtypes.Workflow{}, engineerrors.ErrWorkflowNotFound
	}
	return w, nil
}

func (f *fakeWorkflowStore) UpdateWorkflow(_ context.Context, w workflowtypes.Workflow, _ string) (workflowtypes.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[w.ID]; !ok {
		return workflowtypes.Workflow{}, engineerrors.ErrWorkflowNotFound
	}
	w.Version++
	f.workflows[w.ID] = w
	return w, nil
}

func (f *fakeWorkflowStore) DeleteWorkflow(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; !ok {
		return engineerrors.ErrWorkflowNotFound
	}
	delete(f.workflows, id)
	return nil
}

func (f *fakeWorkflowStore) ListWorkflows(_ context.Context, _ repository.WorkflowListFilter) (repository.PaginatedWorkflows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := repository.PaginatedWorkflows{}
	for _, w := range f.workflows {
		out.Items = append(out.Items, w)
	}
	out.Total = len(out.Items)
	return out, nil
}

func (f *fakeWorkflowStore) GetWorkflowVersions(_ context.Context, workflowID string) ([]workflowtypes.WorkflowVersionSnapshot, error) {
	return f.versions[workflowID], nil
}

func (f *fakeWorkflowStore) RestoreWorkflowVersion(_ context.Context, _, workflowID string, version int) (workflowtypes.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[workflowID]
	if !ok {
		return workflowtypes.Workflow{}, engineerrors.ErrWorkflowNotFound
	}
	w.Version++
	f.workflows[workflowID] = w
	return w, nil
}

type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[string]workflowtypes.Execution
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: make(map[string]workflowtypes.Execution)}
}

func (f *fakeExecutionStore) GetExecution(_ context.Context, _, id string) (workflowtypes.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return workflowtypes.Execution{}, engineerrors.ErrExecutionNotFound
	}
	return e, nil
}

func (f *fakeExecutionStore) ListExecutions(_ context.Context, _ repository.ExecutionListFilter) (repository.PaginatedExecutions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := repository.PaginatedExecutions{}
	for _, e := range f.executions {
		out.Items = append(out.Items, e)
	}
	out.Total = len(out.Items)
	return out, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	executed  []workflowtypes.Workflow
	resumed   []string
	cancelled []string
	nextExec  workflowtypes.Execution
}

func (f *fakeEngine) Execute(_ context.Context, w workflowtypes.Workflow, _ map[string]interface{}, _ engine.ExecuteOptions) (workflowtypes.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, w)
	exec := f.nextExec
	if exec.ID == "" {
		exec = workflowtypes.Execution{ID: "exec-1", WorkflowID: w.ID, Status: workflowtypes.ExecutionRunning}
	}
	return exec, nil
}

func (f *fakeEngine) ResumeFromApproval(_ context.Context, approvalID string) (workflowtypes.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, approvalID)
	return workflowtypes.Execution{ID: "exec-1", Status: workflowtypes.ExecutionRunning}, nil
}

func (f *fakeEngine) CancelExecution(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type fakeApprovalManager struct {
	mu        sync.Mutex
	approvals map[string]workflowtypes.PendingApproval
}

func newFakeApprovalManager() *fakeApprovalManager {
	return &fakeApprovalManager{approvals: make(map[string]workflowtypes.PendingApproval)}
}

func (f *fakeApprovalManager) Get(_ context.Context, id string) (workflowtypes.PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.approvals[id]
	if !ok {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	return p, nil
}

func (f *fakeApprovalManager) Approve(_ context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.approvals[approvalID]
	p.CurrentApprovals = append(p.CurrentApprovals, workflowtypes.Approval{Approver: approver, Comments: comments})
	if len(p.CurrentApprovals) >= p.RequiredCount {
		p.Status = workflowtypes.ApprovalApproved
	}
	f.approvals[approvalID] = p
	return p, nil
}

func (f *fakeApprovalManager) Reject(_ context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.approvals[approvalID]
	p.Status = workflowtypes.ApprovalRejected
	p.CurrentApprovals = append(p.CurrentApprovals, workflowtypes.Approval{Approver: approver, Comments: comments})
	f.approvals[approvalID] = p
	return p, nil
}

type fakeAuditQuerier struct {
	entries []workflowtypes.AuditEntry
}

func (f *fakeAuditQuerier) Query(_ context.Context, _ audit.QueryFilter) ([]workflowtypes.AuditEntry, error) {
	return f.entries, nil
}

type fakeNodeTypeChecker struct {
	known map[string]bool
}

func (f *fakeNodeTypeChecker) Get(typ string) (registry.Handler, bool) {
	if f.known[typ] {
		return registry.Handler{}, true
	}
	return registry.Handler{}, false
}

type testServer struct {
	*Server
	workflows  *fakeWorkflowStore
	executions *fakeExecutionStore
	engine     *fakeEngine
	approvals  *fakeApprovalManager
	auditLog   *fakeAuditQuerier
	nodeTypes  *fakeNodeTypeChecker
}

func newTestServer() *testServer {
	workflows := newFakeWorkflowStore()
	executions := newFakeExecutionStore()
	eng := &fakeEngine{}
	approvals := newFakeApprovalManager()
	auditLog := &fakeAuditQuerier{}
	nodeTypes := &fakeNodeTypeChecker{known: map[string]bool{"http_call": true, "set_variable": true}}

	srv := New(workflows, executions, eng, approvals, auditLog, nodeTypes, nil, CORSConfig{})
	return &testServer{
		Server:     srv,
		workflows:  workflows,
		executions: executions,
		engine:     eng,
		approvals:  approvals,
		auditLog:   auditLog,
		nodeTypes:  nodeTypes,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func validNode() workflowtypes.Node {
	return workflowtypes.Node{ID: "n1", Type: "http_call", Name: "call"}
}

func TestHandleCreateWorkflow(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()

	req := createWorkflowRequest{
		TenantID: "tenant-1",
		Name:     "payout",
		Nodes:    []workflowtypes.Node{validNode()},
	}
	w := doRequest(t, router, http.MethodPost, "/v1/workflows/", req)
	require.Equal(t, http.StatusCreated, w.Code)

	var got workflowtypes.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "payout", got.Name)
	assert.Equal(t, 1, got.Version)
	assert.NotEmpty(t, got.ID)
}

func TestHandleCreateWorkflowRejectsUnknownNodeType(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()

	req := createWorkflowRequest{
		TenantID: "tenant-1",
		Name:     "payout",
		Nodes:    []workflowtypes.Node{{ID: "n1", Type: "not_registered", Name: "x"}},
	}
	w := doRequest(t, router, http.MethodPost, "/v1/workflows/", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetWorkflowNotFound(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetUpdateDeleteWorkflow(t *testing.T) {
	ts := newTestServer()
	wf := workflowtypes.Workflow{ID: "wf-1", TenantID: "tenant-1", Name: "payout", Version: 1, Nodes: []workflowtypes.Node{validNode()}}
	require.NoError(t, ts.workflows.CreateWorkflow(context.Background(), wf))
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	updateReq := updateWorkflowRequest{Name: "payout-v2", Nodes: []workflowtypes.Node{validNode()}}
	w = doRequest(t, router, http.MethodPut, "/v1/workflows/wf-1", updateReq)
	require.Equal(t, http.StatusOK, w.Code)
	var updated workflowtypes.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "payout-v2", updated.Name)
	assert.Equal(t, 2, updated.Version)

	w = doRequest(t, router, http.MethodDelete, "/v1/workflows/wf-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, router, http.MethodGet, "/v1/workflows/wf-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListWorkflows(t *testing.T) {
	ts := newTestServer()
	require.NoError(t, ts.workflows.CreateWorkflow(context.Background(), workflowtypes.Workflow{ID: "wf-1", TenantID: "t1"}))
	require.NoError(t, ts.workflows.CreateWorkflow(context.Background(), workflowtypes.Workflow{ID: "wf-2", TenantID: "t1"}))
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/workflows/?tenantId=t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out repository.PaginatedWorkflows
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
}

func TestHandleRestoreWorkflowVersion(t *testing.T) {
	ts := newTestServer()
	require.NoError(t, ts.workflows.CreateWorkflow(context.Background(), workflowtypes.Workflow{ID: "wf-1", TenantID: "t1", Version: 3}))
	router := ts.Router()

	w := doRequest(t, router, http.MethodPost, "/v1/workflows/wf-1/versions/1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var restored workflowtypes.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, 4, restored.Version)
}

func TestHandleTriggerExecution(t *testing.T) {
	ts := newTestServer()
	require.NoError(t, ts.workflows.CreateWorkflow(context.Background(), workflowtypes.Workflow{ID: "wf-1", TenantID: "t1"}))
	router := ts.Router()

	body := triggerExecutionRequest{TriggerData: map[string]interface{}{"amount": 100}, TriggeredBy: "alice"}
	w := doRequest(t, router, http.MethodPost, "/v1/workflows/wf-1/executions", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, ts.engine.executed, 1)
	assert.Equal(t, "wf-1", ts.engine.executed[0].ID)
}

func TestHandleTriggerExecutionUnknownWorkflow(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()
	w := doRequest(t, router, http.MethodPost, "/v1/workflows/missing/executions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetAndListExecutions(t *testing.T) {
	ts := newTestServer()
	ts.executions.executions["exec-1"] = workflowtypes.Execution{ID: "exec-1", WorkflowID: "wf-1", TenantID: "t1"}
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, router, http.MethodGet, "/v1/executions/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out repository.PaginatedExecutions
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
}

func TestHandleCancelExecution(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()
	w := doRequest(t, router, http.MethodPost, "/v1/executions/exec-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"exec-1"}, ts.engine.cancelled)
}

func TestHandleGetApproval(t *testing.T) {
	ts := newTestServer()
	ts.approvals.approvals["appr-1"] = workflowtypes.PendingApproval{ID: "appr-1", Status: workflowtypes.ApprovalPending}
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/approvals/appr-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleApprovalDecisionApproveResumes(t *testing.T) {
	ts := newTestServer()
	ts.approvals.approvals["appr-1"] = workflowtypes.PendingApproval{ID: "appr-1", Status: workflowtypes.ApprovalPending, RequiredCount: 1}
	router := ts.Router()

	body := approvalDecisionRequest{Decision: "approve", Approver: "bob"}
	w := doRequest(t, router, http.MethodPost, "/v1/approvals/appr-1/decision", body)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"appr-1"}, ts.engine.resumed)
}

func TestHandleApprovalDecisionRejectResumes(t *testing.T) {
	ts := newTestServer()
	ts.approvals.approvals["appr-1"] = workflowtypes.PendingApproval{ID: "appr-1", Status: workflowtypes.ApprovalPending, RequiredCount: 2}
	router := ts.Router()

	body := approvalDecisionRequest{Decision: "reject", Approver: "bob"}
	w := doRequest(t, router, http.MethodPost, "/v1/approvals/appr-1/decision", body)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"appr-1"}, ts.engine.resumed)
}

func TestHandleApprovalDecisionInvalid(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()
	body := approvalDecisionRequest{Decision: "maybe", Approver: "bob"}
	w := doRequest(t, router, http.MethodPost, "/v1/approvals/appr-1/decision", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryAudit(t *testing.T) {
	ts := newTestServer()
	ts.auditLog.entries = []workflowtypes.AuditEntry{{Event: "execution.started"}}
	router := ts.Router()

	w := doRequest(t, router, http.MethodGet, "/v1/audit?executionId=exec-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out []workflowtypes.AuditEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "execution.started", out[0].Event)
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer()
	router := ts.Router()
	w := doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
