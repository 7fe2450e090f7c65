// Package registry holds the node-type handler map the engine dispatches
// to. It mirrors a capability catalog: a mutex-guarded map, written once
// at startup by built-in and operator registration, read concurrently by
// every in-flight execution.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/finaceverse/orchestrator/pkg/logging"
)

// Category groups handlers for listByCategory and catalog display.
type Category string

const (
	CategoryControl     Category = "control"
	CategoryData        Category = "data"
	CategoryIntegration Category = "integration"
	CategoryFinancial   Category = "financial"
	CategoryAI          Category = "ai"
)

// Inputs is the resolved-input map a handler receives: only the ports it
// declared, already substituted against node outputs and variables.
type Inputs map[string]interface{}

// Output is whatever a handler produces. A handler requesting a human
// approval gate returns an *ApprovalRequest instead of a normal value;
// the engine type-switches on it.
type Output interface{}

// ApprovalRequest is the sentinel output shape a human_approval-family
// handler returns to suspend the owning execution.
type ApprovalRequest struct {
	ApprovalID string
	Approvers  []string
	Data       map[string]interface{}
	Message    string
}

// ValidationResult is returned by a handler's optional config validator.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// HandlerError is thrown by a handler execution. Recoverable distinguishes
// a transient failure (network blip, rate limit) the engine may retry
// from a fatal one (bad config, malformed input) it must not.
type HandlerError struct {
	Message     string
	Recoverable bool
	Err         error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}
func (e *HandlerError) Unwrap() error { return e.Err }

// Execute runs a node handler. ctx carries cancellation for the handler's
// own suspension points (I/O, outbound HTTP); it does not itself enforce
// the per-node timeout — the engine races this call against a timer.
type Execute func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error)

// Env is the slice of execution context a handler is allowed to see: its
// own tenant/execution identifiers and read-only variables/credentials.
// Handlers may not write Variables directly (set_variable is special-cased
// by the engine).
type Env struct {
	ExecutionID string
	TenantID    string
	Variables   map[string]interface{}
	Credentials map[string]string
	Logger      logging.Logger
}

// Handler is a single registered node type.
type Handler struct {
	Type         string
	Name         string
	Description  string
	Category     Category
	Execute      Execute
	Validate     func(config map[string]interface{}) ValidationResult
	TestConnection func(ctx context.Context, config map[string]interface{}) bool
}

// Registry is the node-type handler map. Registration happens once at
// startup; after that it is read-only, so Get takes only a read lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logging.Logger
}

func New(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register adds or replaces a handler. Re-registering a type is allowed
// and idempotent but logs a warning.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type]; exists {
		r.logger.Warn("overwriting existing node handler registration", map[string]interface{}{
			"node_type": h.Type,
		})
	}
	r.handlers[h.Type] = h
}

// Get returns the handler for typ, or false if none is registered.
func (r *Registry) Get(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// List returns every registered handler.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}

// ListByCategory filters List by category.
func (r *Registry) ListByCategory(c Category) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, h := range r.handlers {
		if h.Category == c {
			out = append(out, h)
		}
	}
	return out
}
