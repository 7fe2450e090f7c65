// Package expreval implements the restricted expression grammar used to
// wire node inputs, conditions, and templated strings together: a bounded
// fixed operator set over three reference namespaces
// ($variables.*, $nodes.*.*, $env.*), parsed into an AST and walked by a
// tree interpreter. There is no dynamic code synthesis anywhere in this
// package — an expression can only do what the grammar below allows.
package expreval

import "time"

// DefaultBudget is the evaluation time budget applied when callers don't
// need a tighter one; a single expression is expected to resolve in
// microseconds, so this is generous headroom rather than a target.
const DefaultBudget = 50 * time.Millisecond

// Evaluate parses and evaluates expression against ctx, returning a Go
// value (float64, string, bool, nil, []interface{}, or
// map[string]interface{}).
func Evaluate(expression string, ctx *Context) (interface{}, error) {
	node, err := parse(expression)
	if err != nil {
		return nil, err
	}
	return Eval(node, ctx, DefaultBudget)
}

// Parse exposes the parser for callers that want to parse once (e.g. at
// workflow save time, or once per loop handler invocation) and evaluate
// the resulting Node repeatedly.
func Parse(expression string) (Node, error) {
	return parse(expression)
}

// ParseTemplate substitutes every {{ expr }} span in template with its
// evaluated, stringified result.
func ParseTemplate(template string, ctx *Context) (string, error) {
	return renderTemplate(template, ctx, DefaultBudget)
}

// Validate reports whether expression is syntactically well-formed
// without evaluating it, so a workflow can be rejected at save time
// rather than at run time.
func Validate(expression string) (bool, error) {
	_, err := parse(expression)
	if err != nil {
		return false, err
	}
	return true, nil
}
