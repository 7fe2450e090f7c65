package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type fakeRepository struct {
	mu         sync.Mutex
	executions map[string]workflowtypes.Execution
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{executions: make(map[string]workflowtypes.Execution)}
}

func (r *fakeRepository) SaveExecution(_ context.Context, e workflowtypes.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[e.ID] = e
	return nil
}

func (r *fakeRepository) get(id string) workflowtypes.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions[id]
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []workflowtypes.AuditEntry
}

func (a *fakeAudit) Log(_ context.Context, entry workflowtypes.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *fakeAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

type fakeApprovals struct {
	mu        sync.Mutex
	approvals map[string]workflowtypes.PendingApproval
	seq       int
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{approvals: make(map[string]workflowtypes.PendingApproval)}
}

func (f *fakeApprovals) RequestApproval(_ context.Context, executionID, nodeID string, approvers []string, requiredCount int, data map[string]interface{}, _ time.Duration) (workflowtypes.PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	p := workflowtypes.PendingApproval{
		ID: "approval-" + strconv.Itoa(f.seq), ExecutionID: executionID, NodeID: nodeID,
		Approvers: approvers, RequiredCount: requiredCount, Status: workflowtypes.ApprovalPending, Data: data,
		CreatedAt: time.Now(),
	}
	f.approvals[p.ID] = p
	return p, nil
}

func (f *fakeApprovals) Get(_ context.Context, id string) (workflowtypes.PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals[id], nil
}

func (f *fakeApprovals) approve(id, approver string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.approvals[id]
	p.CurrentApprovals = append(p.CurrentApprovals, workflowtypes.Approval{Approver: approver, ApprovedAt: time.Now()})
	p.Status = workflowtypes.ApprovalApproved
	f.approvals[id] = p
}

type fakeVerifier struct {
	passed bool
}

func (v fakeVerifier) Verify(_ context.Context, _ string, _, _ map[string]interface{}, _ workflowtypes.AIVerificationConfig, _, _ string) workflowtypes.AIVerificationResult {
	return workflowtypes.AIVerificationResult{Passed: v.passed}
}

type fakeRegistry struct {
	handlers map[string]registry.Handler
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{handlers: make(map[string]registry.Handler)}
}

func (r *fakeRegistry) register(typ string, fn registry.Execute) {
	r.handlers[typ] = registry.Handler{Type: typ, Execute: fn}
}

func (r *fakeRegistry) Get(typ string) (registry.Handler, bool) {
	h, ok := r.handlers[typ]
	return h, ok
}

func passthroughNode(id, typ string, inputs []workflowtypes.Port) workflowtypes.Node {
	return workflowtypes.Node{ID: id, Type: typ, Name: id, Inputs: inputs, AuditLevel: workflowtypes.AuditStandard}
}

func newTestEngine(reg *fakeRegistry, repo *fakeRepository, aud *fakeAudit, approvals *fakeApprovals) *Engine {
	return New(Config{MaxConcurrentExecutions: 10, DefaultTimeout: time.Second, CheckpointInterval: time.Hour, EnableAIVerification: true},
		repo, reg, fakeVerifier{passed: true}, aud, approvals, nil, nil, nil)
}

func TestExecuteLinearWorkflowProducesEndNodeOutput(t *testing.T) {
	reg := newFakeRegistry()
	reg.register("start", func(_ context.Context, _ registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		return map[string]interface{}{"amount": 100.0}, nil
	})
	reg.register("double", func(_ context.Context, in registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		amt := in["amount"].(float64)
		return map[string]interface{}{"amount": amt * 2}, nil
	})

	wf := workflowtypes.Workflow{
		ID: "wf-1", TenantID: "tenant-a", Version: 1,
		Nodes: []workflowtypes.Node{
			passthroughNode("n1", "start", nil),
			passthroughNode("n2", "double", []workflowtypes.Port{{Name: "amount", Required: true, Source: "n1.amount"}}),
		},
		Edges: []workflowtypes.Edge{{Source: "n1", Target: "n2"}},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := newTestEngine(reg, repo, aud, approvals)

	exec, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, workflowtypes.ExecutionCompleted, exec.Status)

	out, ok := exec.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 200.0, out["amount"])
	assert.Len(t, exec.NodeExecutions, 2)
	assert.Contains(t, aud.events(), "execution_started")
	assert.Contains(t, aud.events(), "execution_completed")
	assert.Contains(t, aud.events(), "node_completed")

	saved := repo.get(exec.ID)
	assert.Equal(t, workflowtypes.ExecutionCompleted, saved.Status)
}

func TestExecuteRejectsInvalidWorkflowBeforeRunning(t *testing.T) {
	reg := newFakeRegistry()
	wf := workflowtypes.Workflow{
		ID: "wf-2", TenantID: "tenant-a", Version: 1,
		Nodes: []workflowtypes.Node{passthroughNode("n1", "nonexistent", nil)},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := newTestEngine(reg, repo, aud, approvals)

	_, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.Error(t, err)
}

func TestExecuteRetriesRecoverableHandlerErrorThenSucceeds(t *testing.T) {
	reg := newFakeRegistry()
	var calls int
	var mu sync.Mutex
	reg.register("flaky", func(_ context.Context, _ registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, &registry.HandlerError{Message: "transient", Recoverable: true}
		}
		return map[string]interface{}{"ok": true}, nil
	})

	wf := workflowtypes.Workflow{
		ID: "wf-3", TenantID: "tenant-a", Version: 1,
		Nodes: []workflowtypes.Node{{
			ID: "n1", Type: "flaky", Name: "n1", AuditLevel: workflowtypes.AuditStandard,
			RetryPolicy: &workflowtypes.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
		}},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := newTestEngine(reg, repo, aud, approvals)

	exec, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, workflowtypes.ExecutionCompleted, exec.Status)
	require.Len(t, exec.NodeExecutions, 1)
	assert.Equal(t, 3, exec.NodeExecutions[0].Attempts)
}

func TestExecuteSuspendsAndResumesOnApproval(t *testing.T) {
	reg := newFakeRegistry()
	reg.register("gate", func(_ context.Context, _ registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		return &registry.ApprovalRequest{Approvers: []string{"alice"}, Data: map[string]interface{}{"amount": 5000}}, nil
	})
	reg.register("finalize", func(_ context.Context, in registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		return map[string]interface{}{"approved": in["approved"]}, nil
	})

	wf := workflowtypes.Workflow{
		ID: "wf-4", TenantID: "tenant-a", Version: 1,
		Nodes: []workflowtypes.Node{
			passthroughNode("gate", "gate", nil),
			passthroughNode("finalize", "finalize", []workflowtypes.Port{{Name: "approved", Source: "gate.approved"}}),
		},
		Edges: []workflowtypes.Edge{{Source: "gate", Target: "finalize"}},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := newTestEngine(reg, repo, aud, approvals)

	exec, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, workflowtypes.ExecutionWaitingApproval, exec.Status)
	require.NotEmpty(t, exec.Checkpoints)

	var approvalID string
	for id := range approvals.approvals {
		approvalID = id
	}
	require.NotEmpty(t, approvalID)
	approvals.approve(approvalID, "alice")

	resumed, err := e.ResumeFromApproval(context.Background(), approvalID)
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ExecutionCompleted, resumed.Status)
	out, ok := resumed.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, out["approved"])
}

func TestExecuteRejectsWhenEngineAtCapacity(t *testing.T) {
	reg := newFakeRegistry()
	release := make(chan struct{})
	reg.register("block", func(ctx context.Context, _ registry.Inputs, _ map[string]interface{}, _ *registry.Env) (registry.Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]interface{}{}, nil
	})
	wf := workflowtypes.Workflow{
		ID: "wf-5", TenantID: "tenant-a", Version: 1,
		Nodes: []workflowtypes.Node{passthroughNode("n1", "block", nil)},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := New(Config{MaxConcurrentExecutions: 1, DefaultTimeout: 5 * time.Second, CheckpointInterval: time.Hour, EnableAIVerification: false},
		repo, reg, fakeVerifier{passed: true}, aud, approvals, nil, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	}()

	require.Eventually(t, func() bool {
		select {
		case e.sem <- struct{}{}:
			<-e.sem
			return false
		default:
			return true
		}
	}, time.Second, time.Millisecond)

	_, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.Error(t, err)

	close(release)
	wg.Wait()
}

type fakeQueryable struct{}

func (fakeQueryable) QueryContext(_ context.Context, _ string, _ []interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

func TestSetQueryableSeedsDBVariableForEveryExecution(t *testing.T) {
	var seen interface{}
	reg := newFakeRegistry()
	reg.register("check_db", func(_ context.Context, _ registry.Inputs, _ map[string]interface{}, env *registry.Env) (registry.Output, error) {
		seen = env.Variables["__db"]
		return map[string]interface{}{}, nil
	})

	wf := workflowtypes.Workflow{
		ID: "wf-db", Name: "db", Status: workflowtypes.WorkflowActive,
		Nodes: []workflowtypes.Node{passthroughNode("n1", "check_db", nil)},
	}

	repo := newFakeRepository()
	aud := &fakeAudit{}
	approvals := newFakeApprovals()
	e := newTestEngine(reg, repo, aud, approvals)

	q := fakeQueryable{}
	e.SetQueryable(q)

	_, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, q, seen)
}
