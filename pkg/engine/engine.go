// Package engine runs a Workflow's DAG to completion: topological
// parallel-wave scheduling, per-node timeout/retry, optional AI
// verification, human-approval suspension and resumption, cooperative
// cancellation, and periodic checkpointing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/metrics"
	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/vault"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// Repository is the persistence surface the engine depends on.
type Repository interface {
	SaveExecution(ctx context.Context, e workflowtypes.Execution) error
}

// AuditLogger is the audit surface the engine depends on.
type AuditLogger interface {
	Log(ctx context.Context, entry workflowtypes.AuditEntry)
}

// ApprovalManager is the human-approval surface the engine depends on.
type ApprovalManager interface {
	RequestApproval(ctx context.Context, executionID, nodeID string, approvers []string, requiredCount int, data map[string]interface{}, ttl time.Duration) (workflowtypes.PendingApproval, error)
	Get(ctx context.Context, id string) (workflowtypes.PendingApproval, error)
}

// Verifier is the AI-verification surface the engine depends on.
type Verifier interface {
	Verify(ctx context.Context, nodeType string, inputs, output map[string]interface{}, cfg workflowtypes.AIVerificationConfig, tenantID, executionID string) workflowtypes.AIVerificationResult
}

// NodeRegistry is the handler lookup surface the engine depends on.
type NodeRegistry interface {
	Get(typ string) (registry.Handler, bool)
}

// Config tunes engine-wide behavior.
type Config struct {
	MaxConcurrentExecutions int
	DefaultTimeout          time.Duration
	CheckpointInterval      time.Duration
	EnableAIVerification    bool
	AuditLevel              workflowtypes.AuditLevel
}

// DefaultConfig returns the engine's baseline tuning defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 100,
		DefaultTimeout:          300 * time.Second,
		CheckpointInterval:      10 * time.Second,
		EnableAIVerification:   true,
		AuditLevel:             workflowtypes.AuditStandard,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = d.MaxConcurrentExecutions
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.AuditLevel == "" {
		c.AuditLevel = d.AuditLevel
	}
	return c
}

// ExecuteOptions customizes one Execute call.
type ExecuteOptions struct {
	TriggeredBy string
}

// Engine is the DAG executor.
type Engine struct {
	cfg       Config
	repo      Repository
	registry  NodeRegistry
	verifier  Verifier
	audit     AuditLogger
	approvals ApprovalManager
	vault     vault.Resolver
	metrics   *metrics.Metrics
	logger    logging.Logger
	db        registry.Queryable
	events    chan Event

	sem chan struct{}

	mu     sync.Mutex
	active map[string]*activeExecution
}

func New(cfg Config, repo Repository, reg NodeRegistry, v Verifier, auditLogger AuditLogger, approvals ApprovalManager, resolver vault.Resolver, m *metrics.Metrics, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		registry:  reg,
		verifier:  v,
		audit:     auditLogger,
		approvals: approvals,
		vault:     resolver,
		metrics:   m,
		logger:    logger,
		events:    make(chan Event, 256),
		sem:       make(chan struct{}, cfg.MaxConcurrentExecutions),
		active:    make(map[string]*activeExecution),
	}
}

// SetQueryable binds a database handle that every subsequent Execute call
// seeds into the execution's variables under "__db", for the
// database_query built-in handler to pick up. Optional; nil (the
// zero-value default) leaves database_query nodes unusable.
func (e *Engine) SetQueryable(q registry.Queryable) {
	e.db = q
}

// Execute runs workflow against triggerData to completion or suspension.
func (e *Engine) Execute(ctx context.Context, workflow workflowtypes.Workflow, triggerData map[string]interface{}, opts ExecuteOptions) (workflowtypes.Execution, error) {
	select {
	case e.sem <- struct{}{}:
	default:
		return workflowtypes.Execution{}, engineerrors.New("engine.Execute", engineerrors.KindEngineBusy, "", false, engineerrors.ErrEngineBusy)
	}
	defer func() { <-e.sem }()

	if err := workflowtypes.Validate(&workflow, func(typ string) bool {
		_, ok := e.registry.Get(typ)
		return ok
	}); err != nil {
		return workflowtypes.Execution{}, engineerrors.New("engine.Execute", engineerrors.KindInvalidWorkflow, "", false, err)
	}

	executionID := uuid.NewString()
	execution := workflowtypes.Execution{
		ID:              executionID,
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        workflow.TenantID,
		Status:          workflowtypes.ExecutionRunning,
		StartedAt:       time.Now(),
		TriggeredBy:     opts.TriggeredBy,
		TriggerData:     triggerData,
	}

	e.emit(Event{Type: "execution:start", ExecutionID: executionID, Payload: map[string]interface{}{"workflowId": workflow.ID}})
	e.audit.Log(ctx, workflowtypes.AuditEntry{
		ExecutionID: executionID, WorkflowID: workflow.ID, TenantID: workflow.TenantID,
		Event: "execution_started",
	})

	credentials, err := vault.LoadCredentials(ctx, e.vault, workflow.Credentials)
	if err != nil {
		execution.Status = workflowtypes.ExecutionFailed
		execution.Error = &workflowtypes.ExecutionError{Code: "credential_load_failed", Message: err.Error(), Recoverable: false}
		e.finishTerminal(ctx, &execution, "execution_failed")
		return execution, nil
	}

	variables := make(map[string]interface{}, len(workflow.Variables)+1)
	for name, def := range workflow.Variables {
		variables[name] = def.Default
	}
	if e.db != nil {
		variables["__db"] = e.db
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &activeExecution{
		execution: &execution,
		workflow:  &workflow,
		execCtx:   newExecutionContext(executionID, workflow.ID, workflow.TenantID, variables, credentials),
		cancel:    cancel,
	}
	e.register(active)
	defer func() {
		// A suspended execution stays registered so ResumeFromApproval can
		// find it; every other outcome releases it here.
		if active.status() != workflowtypes.ExecutionWaitingApproval {
			e.unregister(executionID)
		}
	}()

	stop, done := e.startCheckpointLoop(active)
	defer func() {
		close(stop)
		<-done
	}()

	output, graphErr := e.executeGraph(runCtx, active, nil)
	e.applyGraphResult(ctx, active, output, graphErr)
	return *active.execution, nil
}

// ResumeFromApproval continues a suspended execution after a human decision
// (or an expiry) has been recorded against approvalID.
func (e *Engine) ResumeFromApproval(ctx context.Context, approvalID string) (workflowtypes.Execution, error) {
	approval, err := e.approvals.Get(ctx, approvalID)
	if err != nil {
		return workflowtypes.Execution{}, err
	}

	active, ok := e.lookup(approval.ExecutionID)
	if !ok {
		return workflowtypes.Execution{}, engineerrors.ErrExecutionNotSuspended
	}

	var approvalOutput map[string]interface{}
	switch approval.Status {
	case workflowtypes.ApprovalApproved:
		var approver string
		if len(approval.CurrentApprovals) > 0 {
			approver = approval.CurrentApprovals[len(approval.CurrentApprovals)-1].Approver
			approvalOutput = map[string]interface{}{
				"approved": true,
				"approver": approver,
				"comments": approval.CurrentApprovals[len(approval.CurrentApprovals)-1].Comments,
			}
		} else {
			approvalOutput = map[string]interface{}{"approved": true}
		}
		e.emit(Event{Type: "approval.granted", ExecutionID: approval.ExecutionID, Payload: map[string]interface{}{"approvalId": approvalID}})
	case workflowtypes.ApprovalRejected, workflowtypes.ApprovalExpired:
		approvalOutput = map[string]interface{}{"approved": false, "reason": string(approval.Status)}
		e.emit(Event{Type: "approval.denied", ExecutionID: approval.ExecutionID, Payload: map[string]interface{}{"approvalId": approvalID}})
	default:
		return workflowtypes.Execution{}, fmt.Errorf("engine: approval %s is still awaiting a decision", approvalID)
	}

	seedCompleted, seedPending := e.resumeSeed(active, approval.NodeID)

	if cp, ok := active.lastCheckpoint(); ok {
		active.execCtx.restoreFromCheckpoint(cp)
	}
	active.execCtx.setNodeOutput(approval.NodeID, approvalOutput)
	active.setStatus(workflowtypes.ExecutionRunning)

	runCtx, cancel := context.WithCancel(ctx)
	active.mu.Lock()
	active.cancel = cancel
	active.mu.Unlock()
	defer cancel()

	stop, done := e.startCheckpointLoop(active)
	defer func() {
		close(stop)
		<-done
	}()

	output, graphErr := e.executeGraph(runCtx, active, &graphSeed{completed: seedCompleted, pending: seedPending})
	e.applyGraphResult(ctx, active, output, graphErr)
	if active.status() != workflowtypes.ExecutionWaitingApproval {
		e.unregister(approval.ExecutionID)
	}
	return *active.execution, nil
}

func (e *Engine) resumeSeed(active *activeExecution, approvalNodeID string) (completed, pending map[string]bool) {
	cp, _ := active.lastCheckpoint()
	completed = make(map[string]bool, len(cp.Completed)+1)
	for _, id := range cp.Completed {
		completed[id] = true
	}
	completed[approvalNodeID] = true

	pending = make(map[string]bool, len(cp.Pending))
	for _, id := range cp.Pending {
		pending[id] = true
	}
	delete(pending, approvalNodeID)
	_, dependents := workflowtypes.BuildDependencies(active.workflow)
	for _, dep := range dependents[approvalNodeID] {
		if !completed[dep] {
			pending[dep] = true
		}
	}
	return completed, pending
}

// applyGraphResult finishes an execution (fresh or resumed) given the
// graph walk's outcome: success, suspension, or failure.
func (e *Engine) applyGraphResult(ctx context.Context, active *activeExecution, output interface{}, graphErr error) {
	active.execution.Variables = active.execCtx.getVariablesSnapshot()

	if active.status() == workflowtypes.ExecutionCancelled {
		e.finishTerminal(ctx, active.execution, "")
		return
	}

	if graphErr != nil {
		var suspend *suspendSignal
		if errors.As(graphErr, &suspend) {
			active.setStatus(workflowtypes.ExecutionWaitingApproval)
			e.audit.Log(ctx, workflowtypes.AuditEntry{
				ExecutionID: active.execution.ID, WorkflowID: active.workflow.ID, TenantID: active.workflow.TenantID,
				Event: "execution_waiting_approval", NodeID: suspend.nodeID,
			})
			e.emit(Event{Type: "approval.requested", ExecutionID: active.execution.ID, Payload: map[string]interface{}{
				"approvalId": suspend.approvalID, "nodeId": suspend.nodeID,
			}})
			if err := e.repo.SaveExecution(ctx, *active.execution); err != nil {
				e.logger.Error("engine: failed to persist suspended execution", map[string]interface{}{"executionId": active.execution.ID, "error": err.Error()})
			}
			return
		}

		active.execution.Error = toExecutionError(graphErr)
		active.setStatus(workflowtypes.ExecutionFailed)
		e.finishTerminal(ctx, active.execution, "execution_failed")
		return
	}

	active.execution.Output = output
	active.setStatus(workflowtypes.ExecutionCompleted)
	e.finishTerminal(ctx, active.execution, "execution_completed")
}

// finishTerminal stamps completion time/duration, audits, emits, persists,
// and records metrics for an execution that has reached a terminal state.
// event == "" skips the audit emission (cancellation already audited by
// CancelExecution).
func (e *Engine) finishTerminal(ctx context.Context, execution *workflowtypes.Execution, event string) {
	completed := time.Now()
	execution.CompletedAt = &completed
	execution.DurationMs = completed.Sub(execution.StartedAt).Milliseconds()

	if event != "" {
		e.audit.Log(ctx, workflowtypes.AuditEntry{
			ExecutionID: execution.ID, WorkflowID: execution.WorkflowID, TenantID: execution.TenantID,
			Event: event,
		})
	}
	switch execution.Status {
	case workflowtypes.ExecutionCompleted:
		e.emit(Event{Type: "execution:complete", ExecutionID: execution.ID})
	case workflowtypes.ExecutionFailed:
		msg := ""
		if execution.Error != nil {
			msg = execution.Error.Message
		}
		e.emit(Event{Type: "execution:error", ExecutionID: execution.ID, Payload: map[string]interface{}{"error": msg}})
	case workflowtypes.ExecutionCancelled:
		e.emit(Event{Type: "execution:cancelled", ExecutionID: execution.ID})
	}

	if err := e.repo.SaveExecution(ctx, *execution); err != nil {
		e.logger.Error("engine: failed to persist execution", map[string]interface{}{"executionId": execution.ID, "error": err.Error()})
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(execution.WorkflowID, string(execution.Status), float64(execution.DurationMs)/1000)
	}
}

// CancelExecution marks executionID cancelled and cancels its context,
// signaling in-flight node handlers cooperatively.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	active, ok := e.lookup(executionID)
	if !ok {
		return engineerrors.ErrExecutionNotFound
	}
	active.setStatus(workflowtypes.ExecutionCancelled)
	active.mu.Lock()
	cancel := active.cancel
	active.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.audit.Log(ctx, workflowtypes.AuditEntry{
		ExecutionID: executionID, WorkflowID: active.workflow.ID, TenantID: active.workflow.TenantID,
		Event: "execution_cancelled",
	})
	return nil
}

func (e *Engine) register(a *activeExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[a.execution.ID] = a
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, executionID)
}

func (e *Engine) lookup(executionID string) (*activeExecution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[executionID]
	return a, ok
}

// startCheckpointLoop runs the periodic snapshot ticker until stop is
// closed, then signals done.
func (e *Engine) startCheckpointLoop(active *activeExecution) (stop chan struct{}, done chan struct{}) {
	stop = make(chan struct{})
	done = make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.snapshotCheckpoint(active)
			case <-stop:
				return
			}
		}
	}()
	return stop, done
}

func (e *Engine) snapshotCheckpoint(active *activeExecution) {
	completed, pending := active.graphState()
	cp := workflowtypes.Checkpoint{
		TakenAt:     time.Now(),
		Completed:   completed,
		Pending:     pending,
		NodeOutputs: active.execCtx.nodeOutputsSnapshot(),
		Variables:   active.execCtx.getVariablesSnapshot(),
	}
	active.appendCheckpoint(cp)
}

func toExecutionError(err error) *workflowtypes.ExecutionError {
	var ee *engineerrors.EngineError
	if errors.As(err, &ee) {
		return &workflowtypes.ExecutionError{
			Code:        string(ee.Kind),
			Message:     ee.Error(),
			NodeID:      ee.NodeID,
			Recoverable: ee.Recoverable,
		}
	}
	return &workflowtypes.ExecutionError{Code: "unknown", Message: err.Error(), Recoverable: engineerrors.IsRetryable(err)}
}
