package evaluation

import (
	"github.com/mutagen-io/quarry/pkg/graph"
)

// Result is the outcome of a single evaluation. For every requested key it
// carries either a value or a captured typed error (or both, when a key
// errored with a recovered payload).
type Result struct {
	// Values maps successfully evaluated keys (and errored keys with
	// recovered payloads) to their values.
	Values map[graph.Key]graph.Value
	// Errors maps failed keys to their typed errors.
	Errors map[graph.Key]*graph.Error
	// ErrorKeys lists the keys of Errors sorted by string representation,
	// for deterministic reporting.
	ErrorKeys []graph.Key
	// Graph is a walkable handle over the evaluated graph for queries.
	Graph *WalkableGraph
	// Cancelled indicates that the evaluation was cancelled, either by the
	// caller or by fail-fast error handling.
	Cancelled bool
	// FirstError is the first error surfaced during the evaluation, if any.
	FirstError *graph.Error
	// FirstErrorKey is the key that surfaced FirstError.
	FirstErrorKey graph.Key
	// Invocations is the number of function invocations performed.
	Invocations int
	// Restarts is the number of invocations beyond the first per key.
	Restarts int
	// Revalidations is the number of dirty nodes revalidated without
	// re-running their functions (early cutoff).
	Revalidations int
}

// AnyError returns true if any requested key failed.
func (r *Result) AnyError() bool {
	return len(r.Errors) > 0
}

// Value returns the value for a requested key, or nil.
func (r *Result) Value(key graph.Key) graph.Value {
	return r.Values[key]
}

// Error returns the typed error for a requested key, or nil.
func (r *Result) Error(key graph.Key) *graph.Error {
	return r.Errors[key]
}

// WalkableGraph is a read-only handle over an evaluated graph, allowing
// consumers to query values, errors, and dependency edges of any node
// computed during (or before) the evaluation.
type WalkableGraph struct {
	// graph is the underlying graph.
	graph *graph.Graph
}

// NewWalkableGraph creates a walkable handle over a graph.
func NewWalkableGraph(g *graph.Graph) *WalkableGraph {
	return &WalkableGraph{graph: g}
}

// Exists returns true if a node exists for the key.
func (w *WalkableGraph) Exists(key graph.Key) bool {
	_, ok := w.graph.Lookup(key)
	return ok
}

// Value returns the value of a done node, or nil.
func (w *WalkableGraph) Value(key graph.Key) graph.Value {
	if node, ok := w.graph.Lookup(key); ok && node.State() == graph.NodeStateDone {
		return node.Value()
	}
	return nil
}

// Error returns the typed error of a done node, or nil.
func (w *WalkableGraph) Error(key graph.Key) *graph.Error {
	if node, ok := w.graph.Lookup(key); ok && node.State() == graph.NodeStateDone {
		return node.Err()
	}
	return nil
}

// Deps returns the dependency keys recorded by a node's last evaluation.
func (w *WalkableGraph) Deps(key graph.Key) []graph.Key {
	node, ok := w.graph.Lookup(key)
	if !ok {
		return nil
	}
	deps := node.Deps()
	keys := make([]graph.Key, 0, len(deps))
	for _, dep := range deps {
		keys = append(keys, dep.Key)
	}
	return keys
}

// ReverseDeps returns the keys depending on a node.
func (w *WalkableGraph) ReverseDeps(key graph.Key) []graph.Key {
	node, ok := w.graph.Lookup(key)
	if !ok {
		return nil
	}
	return node.ReverseDeps()
}
