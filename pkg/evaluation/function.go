package evaluation

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mutagen-io/quarry/pkg/graph"
)

// Function computes values for the keys of a single family. Implementations
// must be deterministic and side-effect-free except through the provided
// environment, and must tolerate repeated invocation: whenever a requested
// dependency is not yet available, the function is expected to return
// (nil, nil) after observing env.ValuesMissing(), and it will be re-invoked
// from scratch once the missing dependencies complete. Any work performed
// before the first missed dependency must therefore be redoable.
//
// A function may return a value and an error simultaneously (e.g. a package
// that parsed with errors but still carries targets); the engine attaches the
// value to the error as a recovered payload.
type Function interface {
	// Compute computes the value for a key.
	Compute(ctx context.Context, key graph.Key, env *Environment) (graph.Value, error)
}

// FunctionFunc is a function-typed adapter for Function.
type FunctionFunc func(ctx context.Context, key graph.Key, env *Environment) (graph.Value, error)

// Compute implements Function.Compute.
func (f FunctionFunc) Compute(ctx context.Context, key graph.Key, env *Environment) (graph.Value, error) {
	return f(ctx, key, env)
}

// Registry maps key families to the functions that compute them. It is not
// safe for concurrent mutation; registration happens at construction time,
// before any evaluation begins.
type Registry struct {
	// functions maps family tags to functions.
	functions map[graph.Family]Function
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[graph.Family]Function)}
}

// Register registers a function for a family. Registering a family twice is
// an error.
func (r *Registry) Register(family graph.Family, function Function) error {
	if _, ok := r.functions[family]; ok {
		return errors.Errorf("function already registered for family %q", family)
	}
	r.functions[family] = function
	return nil
}

// MustRegister registers a function for a family, panicking on duplicate
// registration. It is intended for wiring at construction time, where a
// duplicate indicates a programming error.
func (r *Registry) MustRegister(family graph.Family, function Function) {
	if err := r.Register(family, function); err != nil {
		panic(err)
	}
}

// lookup returns the function for a family.
func (r *Registry) lookup(family graph.Family) (Function, bool) {
	function, ok := r.functions[family]
	return function, ok
}
