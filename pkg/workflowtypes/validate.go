package workflowtypes

import "fmt"

// InvalidWorkflowKind enumerates the structural validation failure kinds.
type InvalidWorkflowKind string

const (
	KindDuplicateNodeID    InvalidWorkflowKind = "duplicate_node_id"
	KindDanglingEdge       InvalidWorkflowKind = "dangling_edge"
	KindCycle              InvalidWorkflowKind = "cycle"
	KindMissingInput       InvalidWorkflowKind = "missing_required_input"
	KindUnknownNodeType    InvalidWorkflowKind = "unknown_node_type"
)

// InvalidWorkflowError reports a structural defect in a Workflow found
// before execution begins.
type InvalidWorkflowError struct {
	Kind    InvalidWorkflowKind
	Details string
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("invalid workflow: %s: %s", e.Kind, e.Details)
}

func invalid(kind InvalidWorkflowKind, format string, args ...interface{}) *InvalidWorkflowError {
	return &InvalidWorkflowError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// NodeTypeResolver reports whether typ is resolvable. The Registry is the
// authority on this at execution time; this hook lets Validate optionally
// check it ahead of time when a resolver is supplied.
type NodeTypeResolver func(typ string) bool

// Validate checks node-id uniqueness, edge endpoint existence, and
// acyclicity. When resolver is non-nil it also rejects unknown node types.
func Validate(w *Workflow, resolver NodeTypeResolver) error {
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if seen[n.ID] {
			return invalid(KindDuplicateNodeID, "node id %q appears more than once", n.ID)
		}
		seen[n.ID] = true
		if resolver != nil && !resolver(n.Type) {
			return invalid(KindUnknownNodeType, "node %q has unknown type %q", n.ID, n.Type)
		}
	}

	for _, e := range w.Edges {
		if !seen[e.Source] {
			return invalid(KindDanglingEdge, "edge source %q does not reference an existing node", e.Source)
		}
		if !seen[e.Target] {
			return invalid(KindDanglingEdge, "edge target %q does not reference an existing node", e.Target)
		}
	}

	if err := checkAcyclic(w); err != nil {
		return err
	}

	return nil
}

// checkAcyclic runs a DFS cycle check over the graph formed by w.Edges,
// excluding edges reserved for error routing ($error) since those are
// conditional fallback paths, not part of the normal DAG.
func checkAcyclic(w *Workflow) error {
	adj := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		adj[n.ID] = nil
	}
	for _, e := range w.Edges {
		if e.Condition == ErrorEdgeCondition {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adj))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return invalid(KindCycle, "cycle detected involving node %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildDependencies returns, for every node, the set of node IDs it
// depends on (sources of in-edges with no condition or a truthy static
// condition are resolved at execution time, not here) and the set of
// nodes that depend on it. This is the shape the Engine's graph walker
// consumes.
func BuildDependencies(w *Workflow) (deps map[string][]string, dependents map[string][]string) {
	deps = make(map[string][]string, len(w.Nodes))
	dependents = make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		deps[n.ID] = nil
		dependents[n.ID] = nil
	}
	for _, e := range w.Edges {
		if e.Condition == ErrorEdgeCondition {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
		dependents[e.Source] = append(dependents[e.Source], e.Target)
	}
	return deps, dependents
}
