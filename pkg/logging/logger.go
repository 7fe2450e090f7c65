// Package logging provides the structured logging contract used across the
// orchestrator. It mirrors the layered, context-aware logging interface the
// rest of the engine depends on, with a production implementation that
// writes JSON in deployed environments and human-readable text locally.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the structured logging contract consumed by every package in
// the engine. Context-aware variants let callers propagate trace/execution
// correlation without the logger needing to know about tracing internals.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a subsystem scope its log lines under a
// component name (e.g. "engine", "audit", "verifier") while sharing the
// same sink and level configuration.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Safe zero value for tests and optional
// dependencies.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                {}
func (NoOpLogger) Warn(string, map[string]interface{})                                {}
func (NoOpLogger) Error(string, map[string]interface{})                               {}
func (NoOpLogger) Debug(string, map[string]interface{})                               {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})    {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})    {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})   {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})   {}

// ProductionLogger is the default Logger implementation: JSON output when
// running in a container (detected via KUBERNETES_SERVICE_HOST, overridable
// via ORCHESTRATOR_LOG_FORMAT), text output for local development.
type ProductionLogger struct {
	mu        sync.RWMutex
	level     string
	format    string
	component string
	output    io.Writer
}

// NewProductionLogger builds a logger for serviceName, reading
// ORCHESTRATOR_LOG_LEVEL / ORCHESTRATOR_LOG_FORMAT from the environment.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("ORCHESTRATOR_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("ORCHESTRATOR_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:     strings.ToUpper(level),
		format:    format,
		component: serviceName,
		output:    os.Stdout,
	}
}

// WithComponent returns a logger scoped to component, sharing level/format/output.
func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:     l.level,
		format:    l.format,
		component: component,
		output:    l.output,
	}
}

// SetOutput redirects log output; used by tests to capture lines.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, withCorrelation(ctx, fields))
}

type correlationKey struct{}

// Correlation carries request/execution IDs that should be stamped onto
// every log line emitted while ctx is in scope.
type Correlation struct {
	ExecutionID string
	TenantID    string
}

// WithCorrelation attaches correlation fields to ctx for downstream logging.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

func withCorrelation(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	c, ok := ctx.Value(correlationKey{}).(Correlation)
	if !ok {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	if c.ExecutionID != "" {
		merged["execution_id"] = c.ExecutionID
	}
	if c.TenantID != "" {
		merged["tenant_id"] = c.TenantID
	}
	return merged
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
		return
	}
	l.logText(timestamp, level, msg, fields)
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "component" || k == "message" {
			continue
		}
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, b.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	rank := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := rank[l.level]
	msg, ok2 := rank[level]
	if !ok1 || !ok2 {
		return true
	}
	return msg >= cur
}
