package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/expreval"
	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// suspendSignal is returned (never wrapped further) when a node suspends
// its execution on a human-approval gate, so errors.As can recover it at
// every layer that propagates a node's error upward.
type suspendSignal struct {
	nodeID     string
	approvalID string
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("execution suspended at node %s pending approval %s", s.nodeID, s.approvalID)
}

// graphSeed lets executeGraph resume a wave walk from a prior checkpoint
// instead of starting from the workflow's roots (used by ResumeFromApproval).
type graphSeed struct {
	completed map[string]bool
	pending   map[string]bool
}

// executeGraph walks active.workflow's DAG in topological parallel waves:
// each iteration computes the ready set (pending nodes
// whose dependencies are all completed), runs it as one barrier, then
// recomputes readiness from the newly completed set. A ready set empty
// while nodes remain pending means the graph is cyclic — Validate should
// have caught this already, so it only fires here if BuildDependencies and
// Validate ever disagree.
func (e *Engine) executeGraph(ctx context.Context, active *activeExecution, seed *graphSeed) (interface{}, error) {
	workflow := active.workflow
	deps, dependents := workflowtypes.BuildDependencies(workflow)

	var completed, pending map[string]bool
	if seed != nil {
		completed = seed.completed
		pending = seed.pending
	} else {
		completed = make(map[string]bool, len(workflow.Nodes))
		pending = make(map[string]bool, len(workflow.Nodes))
		for _, n := range workflow.Nodes {
			if len(deps[n.ID]) == 0 {
				pending[n.ID] = true
			}
		}
	}

	for len(pending) > 0 {
		if active.status() == workflowtypes.ExecutionCancelled {
			return nil, ctx.Err()
		}

		ready := make([]string, 0, len(pending))
		for id := range pending {
			allDone := true
			for _, dep := range deps[id] {
				if !completed[dep] {
					allDone = false
					break
				}
			}
			if allDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, engineerrors.New("engine.executeGraph", engineerrors.KindCyclicDependency, "", false, engineerrors.ErrCyclicDependency)
		}

		active.setGraphState(mapKeys(completed), mapKeys(pending))

		type waveResult struct {
			nodeID string
			err    error
		}
		resultsCh := make(chan waveResult, len(ready))
		var wg sync.WaitGroup
		var slots chan struct{}
		if p := workflow.Settings.Parallelism; p > 0 {
			slots = make(chan struct{}, p)
		}
		for _, nodeID := range ready {
			delete(pending, nodeID)
			node := workflow.NodeByID(nodeID)
			wg.Add(1)
			go func(node *workflowtypes.Node) {
				defer wg.Done()
				if slots != nil {
					slots <- struct{}{}
					defer func() { <-slots }()
				}
				err := e.runConditionalNode(ctx, active, node)
				resultsCh <- waveResult{nodeID: node.ID, err: err}
			}(node)
		}
		wg.Wait()
		close(resultsCh)

		var waveErr error
		for r := range resultsCh {
			completed[r.nodeID] = true

			if r.err != nil {
				var suspend *suspendSignal
				if errors.As(r.err, &suspend) {
					if waveErr == nil {
						waveErr = r.err
					}
					continue
				}
				// A failing node with an outgoing $error edge routes along
				// it instead of terminating the execution.
				errorTargets := errorEdgeTargets(workflow, r.nodeID)
				if len(errorTargets) == 0 {
					if waveErr == nil {
						waveErr = r.err
					}
					continue
				}
				active.execCtx.setNodeOutput(r.nodeID, map[string]interface{}{"error": r.err.Error()})
				for _, target := range errorTargets {
					if !completed[target] {
						pending[target] = true
					}
				}
				continue
			}

			for _, dependent := range dependents[r.nodeID] {
				if !completed[dependent] {
					pending[dependent] = true
				}
			}
		}
		if waveErr != nil {
			return nil, waveErr
		}
	}

	active.setGraphState(mapKeys(completed), nil)

	var endNodes []string
	for _, n := range workflow.Nodes {
		if len(dependents[n.ID]) == 0 {
			endNodes = append(endNodes, n.ID)
		}
	}
	outputs := active.execCtx.nodeOutputsSnapshot()
	if len(endNodes) == 1 {
		return outputs[endNodes[0]], nil
	}
	out := make(map[string]interface{}, len(endNodes))
	for _, id := range endNodes {
		out[id] = outputs[id]
	}
	return out, nil
}

func errorEdgeTargets(workflow *workflowtypes.Workflow, nodeID string) []string {
	var targets []string
	for _, e := range workflow.Edges {
		if e.Source == nodeID && e.Condition == workflowtypes.ErrorEdgeCondition {
			targets = append(targets, e.Target)
		}
	}
	return targets
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// runConditionalNode evaluates node.Condition, if present, before calling
// executeNode. A falsy condition marks the node completed without running
// it.
func (e *Engine) runConditionalNode(ctx context.Context, active *activeExecution, node *workflowtypes.Node) error {
	if node.Condition != "" {
		val, err := expreval.Evaluate(node.Condition, e.exprContext(active))
		if err != nil {
			ee := engineerrors.New("engine.executeNode", engineerrors.KindExpression, node.ID, false, err)
			active.appendNodeExecution(workflowtypes.NodeExecution{
				ID: uuid.NewString(), NodeID: node.ID, NodeName: node.Name, NodeType: node.Type,
				Status: workflowtypes.NodeExecFailed, Error: toExecutionError(ee),
			})
			return ee
		}
		if !truthy(val) {
			active.appendNodeExecution(workflowtypes.NodeExecution{
				ID: uuid.NewString(), NodeID: node.ID, NodeName: node.Name, NodeType: node.Type,
				Status: workflowtypes.NodeExecSkipped,
			})
			return nil
		}
	}

	ne, output, err := e.executeNode(ctx, active, node)
	active.appendNodeExecution(ne)
	if err == nil {
		active.execCtx.setNodeOutput(node.ID, output)
	}
	return err
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// executeNode runs one node to a terminal per-attempt outcome: input
// resolution, audit(node_started), handler dispatch under a timeout,
// optional AI verification, and a retry loop bounded by the node's retry
// policy.
func (e *Engine) executeNode(ctx context.Context, active *activeExecution, node *workflowtypes.Node) (workflowtypes.NodeExecution, interface{}, error) {
	ne := workflowtypes.NodeExecution{
		ID: uuid.NewString(), NodeID: node.ID, NodeName: node.Name, NodeType: node.Type,
		Status: workflowtypes.NodeExecRunning,
	}
	started := time.Now()
	ne.StartedAt = &started

	inputs, err := e.resolveInputs(active, node)
	if err != nil {
		ee := engineerrors.New("engine.executeNode", engineerrors.KindMissingInput, node.ID, false, err)
		return e.finishNode(ctx, active, node, ne, started, nil, nil, ee), nil, ee
	}
	ne.Input = inputs

	e.auditNodeStarted(ctx, active, node, inputs)

	handler, ok := e.registry.Get(node.Type)
	if !ok {
		ee := engineerrors.New("engine.executeNode", engineerrors.KindUnknownNodeType, node.ID, false, engineerrors.ErrUnknownNodeType)
		return e.finishNode(ctx, active, node, ne, started, nil, nil, ee), nil, ee
	}

	retryPolicy := node.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = &workflowtypes.RetryPolicy{}
	}
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	var output registry.Output
	var verification *workflowtypes.AIVerificationResult
	var runErr error
	attempts := 0

	for {
		attempts++
		output, runErr = e.callHandler(ctx, active, node, handler, inputs, timeout)

		if runErr == nil && e.cfg.EnableAIVerification && node.AIVerification != nil {
			result := e.runVerification(ctx, active, node, inputs, output)
			verification = &result
			if !result.Passed && node.AIVerification.StrictMode {
				runErr = engineerrors.New("engine.executeNode", engineerrors.KindAIVerification, node.ID, false, engineerrors.ErrAIVerificationFailed)
			}
		}

		if runErr == nil {
			break
		}
		var suspend *suspendSignal
		if errors.As(runErr, &suspend) {
			break
		}
		if !e.shouldRetry(runErr, attempts, retryPolicy) {
			break
		}

		wait := retryPolicy.Backoff(attempts)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	ne.Attempts = attempts
	return e.finishNode(ctx, active, node, ne, started, output, verification, runErr), output, runErr
}

func (e *Engine) finishNode(ctx context.Context, active *activeExecution, node *workflowtypes.Node, ne workflowtypes.NodeExecution, started time.Time, output interface{}, verification *workflowtypes.AIVerificationResult, runErr error) workflowtypes.NodeExecution {
	completedAt := time.Now()
	ne.CompletedAt = &completedAt
	ne.DurationMs = completedAt.Sub(started).Milliseconds()
	ne.Verification = verification
	if ne.Attempts == 0 {
		ne.Attempts = 1
	}

	if runErr != nil {
		var suspend *suspendSignal
		if errors.As(runErr, &suspend) {
			ne.Status = workflowtypes.NodeExecCompleted
			return ne
		}
		ne.Status = workflowtypes.NodeExecFailed
		ne.Error = toExecutionError(runErr)
		e.auditNodeFinished(ctx, active, node, ne, false)
		e.emit(Event{Type: "node:error", ExecutionID: active.execCtx.executionID, Payload: map[string]interface{}{"nodeId": node.ID, "error": ne.Error.Message}})
		if e.metrics != nil {
			e.metrics.RecordNodeExecution(node.Type, "failed", float64(ne.DurationMs)/1000)
		}
		return ne
	}

	ne.Status = workflowtypes.NodeExecCompleted
	ne.Output = output
	e.auditNodeFinished(ctx, active, node, ne, true)
	e.emit(Event{Type: "node:complete", ExecutionID: active.execCtx.executionID, Payload: map[string]interface{}{"nodeId": node.ID}})
	if e.metrics != nil {
		e.metrics.RecordNodeExecution(node.Type, "completed", float64(ne.DurationMs)/1000)
	}
	return ne
}

func (e *Engine) shouldRetry(err error, attempts int, policy *workflowtypes.RetryPolicy) bool {
	if attempts > policy.MaxRetries {
		return false
	}
	return engineerrors.IsRetryable(err)
}

// resolveInputs splits each input port's "<nodeId>.<outputName>" source,
// reads the referenced node's output from the execution context, and
// projects the named property when the output is an object.
func (e *Engine) resolveInputs(active *activeExecution, node *workflowtypes.Node) (registry.Inputs, error) {
	inputs := make(registry.Inputs, len(node.Inputs))
	for _, port := range node.Inputs {
		if port.Source == "" {
			if port.Required {
				return nil, fmt.Errorf("input %q has no source", port.Name)
			}
			continue
		}
		parts := strings.SplitN(port.Source, ".", 2)
		sourceNodeID := parts[0]
		outputName := ""
		if len(parts) == 2 {
			outputName = parts[1]
		}
		output, ok := active.execCtx.getNodeOutput(sourceNodeID)
		if !ok {
			if port.Required {
				return nil, fmt.Errorf("input %q source %q has not produced an output", port.Name, port.Source)
			}
			continue
		}
		if outputName != "" {
			if m, isMap := output.(map[string]interface{}); isMap {
				inputs[port.Name] = m[outputName]
				continue
			}
		}
		inputs[port.Name] = output
	}
	return inputs, nil
}

// callHandler races the handler against the node's timeout and type-
// switches a returned *registry.ApprovalRequest into a suspension.
func (e *Engine) callHandler(ctx context.Context, active *activeExecution, node *workflowtypes.Node, handler registry.Handler, inputs registry.Inputs, timeout time.Duration) (registry.Output, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := &registry.Env{
		ExecutionID: active.execCtx.executionID,
		TenantID:    active.execCtx.tenantID,
		Variables:   active.execCtx.getVariablesSnapshot(),
		Credentials: active.execCtx.credentials,
		Logger:      e.logger,
	}

	type handlerResult struct {
		output registry.Output
		err    error
	}
	done := make(chan handlerResult, 1)
	go func() {
		output, err := handler.Execute(nodeCtx, inputs, node.Config, env)
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, e.classifyHandlerError(r.err, node.ID)
		}
		if approvalReq, isApproval := r.output.(*registry.ApprovalRequest); isApproval {
			return nil, e.suspendForApproval(ctx, active, node, approvalReq)
		}
		if node.Type == "set_variable" {
			e.applySetVariable(active, r.output)
		}
		return r.output, nil
	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engineerrors.New("engine.executeNode", engineerrors.KindTimeout, node.ID, true, engineerrors.ErrTimeout)
	}
}

func (e *Engine) classifyHandlerError(err error, nodeID string) error {
	var he *registry.HandlerError
	if errors.As(err, &he) {
		kind := engineerrors.KindHandlerRetryable
		if !he.Recoverable {
			kind = engineerrors.KindHandlerFatal
		}
		return engineerrors.New("engine.executeNode", kind, nodeID, he.Recoverable, he)
	}
	return err
}

// applySetVariable mutates the execution's variables in response to the
// set_variable handler's output. ctx.variables is mutated only by this
// node type, synchronously, during its own execution — no lock needed
// beyond the context's own.
func (e *Engine) applySetVariable(active *activeExecution, output interface{}) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return
	}
	name, _ := m["name"].(string)
	if name == "" {
		return
	}
	active.execCtx.setVariable(name, m["value"])
}

// suspendForApproval persists a PendingApproval, checkpoints the current
// graph state, and returns a *suspendSignal so the wave walker and Execute
// can unwind without failing the execution.
func (e *Engine) suspendForApproval(ctx context.Context, active *activeExecution, node *workflowtypes.Node, req *registry.ApprovalRequest) error {
	requiredCount := len(req.Approvers)
	if requiredCount == 0 {
		requiredCount = 1
	}
	approval, err := e.approvals.RequestApproval(ctx, active.execCtx.executionID, node.ID, req.Approvers, requiredCount, req.Data, 0)
	if err != nil {
		return engineerrors.New("engine.executeNode", engineerrors.KindRepository, node.ID, true, err)
	}

	completed, pending := active.graphState()
	cp := workflowtypes.Checkpoint{
		TakenAt:     time.Now(),
		Completed:   completed,
		Pending:     pending,
		NodeOutputs: active.execCtx.nodeOutputsSnapshot(),
		Variables:   active.execCtx.getVariablesSnapshot(),
	}
	active.appendCheckpoint(cp)

	return &suspendSignal{nodeID: node.ID, approvalID: approval.ID}
}

func (e *Engine) runVerification(ctx context.Context, active *activeExecution, node *workflowtypes.Node, inputs registry.Inputs, output interface{}) workflowtypes.AIVerificationResult {
	outMap, ok := output.(map[string]interface{})
	if !ok {
		outMap = map[string]interface{}{"value": output}
	}
	result := e.verifier.Verify(ctx, node.Type, inputs, outMap, *node.AIVerification, active.execCtx.tenantID, active.execCtx.executionID)
	if e.metrics != nil {
		e.metrics.RecordAIVerification(string(node.AIVerification.Mode), result.Passed)
	}
	return result
}

func (e *Engine) auditNodeStarted(ctx context.Context, active *activeExecution, node *workflowtypes.Node, inputs registry.Inputs) {
	if node.AuditLevel == workflowtypes.AuditNone {
		return
	}
	entry := workflowtypes.AuditEntry{
		ExecutionID: active.execCtx.executionID, WorkflowID: active.workflow.ID, TenantID: active.workflow.TenantID,
		Event: "node_started", NodeID: node.ID, NodeName: node.Name, NodeType: node.Type,
	}
	if node.AuditLevel == workflowtypes.AuditForensic {
		entry.SanitizedData = map[string]interface{}{"inputs": map[string]interface{}(inputs)}
	}
	e.audit.Log(ctx, entry)
}

func (e *Engine) auditNodeFinished(ctx context.Context, active *activeExecution, node *workflowtypes.Node, ne workflowtypes.NodeExecution, success bool) {
	if node.AuditLevel == workflowtypes.AuditNone {
		return
	}
	event := "node_completed"
	if !success {
		event = "node_failed"
	}
	entry := workflowtypes.AuditEntry{
		ExecutionID: active.execCtx.executionID, WorkflowID: active.workflow.ID, TenantID: active.workflow.TenantID,
		Event: event, NodeID: node.ID, NodeName: node.Name, NodeType: node.Type,
		DurationMs: &ne.DurationMs,
	}
	switch {
	case !success && ne.Error != nil:
		entry.SanitizedData = map[string]interface{}{"error": ne.Error.Message}
	case success && node.AuditLevel == workflowtypes.AuditForensic:
		entry.SanitizedData = map[string]interface{}{"output": ne.Output}
	}
	e.audit.Log(ctx, entry)
}

// exprContext projects the execution's variables/nodeOutputs/environment
// into an expreval.Context for a node's condition expression.
func (e *Engine) exprContext(active *activeExecution) *expreval.Context {
	nodesMap := make(map[string]map[string]interface{})
	for nodeID, output := range active.execCtx.nodeOutputsSnapshot() {
		if m, ok := output.(map[string]interface{}); ok {
			nodesMap[nodeID] = m
		} else {
			nodesMap[nodeID] = map[string]interface{}{"value": output}
		}
	}
	return &expreval.Context{
		Variables: active.execCtx.getVariablesSnapshot(),
		Nodes:     nodesMap,
		Env:       processEnv(),
	}
}

func processEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
