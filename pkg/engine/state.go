package engine

import (
	"context"
	"sync"
	"time"

	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// executionContext is the per-execution mutable state shared between the
// graph walker and the periodic checkpoint goroutine. nodeOutputs is
// mutated only by the Engine after a node completes, and no wave sibling
// reads another sibling's key — true within a single wave, but the
// checkpoint goroutine reads the whole map concurrently with the next
// wave's writes, so access here is still mutex-guarded.
type executionContext struct {
	mu sync.Mutex

	executionID string
	workflowID  string
	tenantID    string
	variables   map[string]interface{}
	credentials map[string]string
	nodeOutputs map[string]interface{}
	startTime   time.Time
}

func newExecutionContext(executionID, workflowID, tenantID string, variables map[string]interface{}, credentials map[string]string) *executionContext {
	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &executionContext{
		executionID: executionID,
		workflowID:  workflowID,
		tenantID:    tenantID,
		variables:   vars,
		credentials: credentials,
		nodeOutputs: make(map[string]interface{}),
		startTime:   time.Now(),
	}
}

func (c *executionContext) setVariable(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

func (c *executionContext) getVariablesSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

func (c *executionContext) setNodeOutput(nodeID string, output interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = output
}

func (c *executionContext) getNodeOutput(nodeID string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.nodeOutputs[nodeID]
	return v, ok
}

func (c *executionContext) nodeOutputsSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		out[k] = v
	}
	return out
}

func (c *executionContext) restoreFromCheckpoint(cp workflowtypes.Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs = make(map[string]interface{}, len(cp.NodeOutputs))
	for k, v := range cp.NodeOutputs {
		c.nodeOutputs[k] = v
	}
	c.variables = make(map[string]interface{}, len(cp.Variables))
	for k, v := range cp.Variables {
		c.variables[k] = v
	}
}

// activeExecution is the live, in-memory control block for one running
// execution: the Execution record being built up, the workflow it is
// running, its execution context, and the cancellation handle Cancel
// signals through.
type activeExecution struct {
	mu sync.Mutex

	execution *workflowtypes.Execution
	workflow  *workflowtypes.Workflow
	execCtx   *executionContext
	cancel    context.CancelFunc

	completed []string
	pending   []string
}

func (a *activeExecution) status() workflowtypes.ExecutionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.execution.Status
}

func (a *activeExecution) setStatus(s workflowtypes.ExecutionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execution.Status = s
}

func (a *activeExecution) appendNodeExecution(ne workflowtypes.NodeExecution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execution.NodeExecutions = append(a.execution.NodeExecutions, ne)
}

func (a *activeExecution) appendCheckpoint(cp workflowtypes.Checkpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execution.Checkpoints = append(a.execution.Checkpoints, cp)
}

func (a *activeExecution) lastCheckpoint() (workflowtypes.Checkpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.execution.Checkpoints) == 0 {
		return workflowtypes.Checkpoint{}, false
	}
	return a.execution.Checkpoints[len(a.execution.Checkpoints)-1], true
}

func (a *activeExecution) setGraphState(completed, pending []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = completed
	a.pending = pending
}

func (a *activeExecution) graphState() (completed, pending []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.completed...), append([]string(nil), a.pending...)
}
