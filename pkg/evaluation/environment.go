package evaluation

import (
	"context"

	"github.com/mutagen-io/quarry/pkg/graph"
)

// Environment is the sole interface through which a function interacts with
// the engine. It is valid only for the duration of a single invocation and
// must not be retained. Environments are not safe for concurrent use; a
// function drives its environment from a single goroutine.
type Environment struct {
	// ctx is the evaluation context.
	ctx context.Context
	// state is the owning evaluation.
	state *evaluationState
	// key is the key being computed.
	key graph.Key
	// requested tracks keys already requested during this invocation, for
	// dependency deduplication.
	requested map[graph.Key]bool
	// deps is the dependency set recorded so far during this invocation.
	deps []graph.Dep
	// missing is the number of requested dependencies that were not yet
	// available at request time.
	missing int
}

// newEnvironment creates an environment for a single function invocation.
func newEnvironment(ctx context.Context, state *evaluationState, key graph.Key) *Environment {
	return &Environment{
		ctx:       ctx,
		state:     state,
		key:       key,
		requested: make(map[graph.Key]bool),
	}
}

// Get requests the value of another key. There are three outcomes:
//
// If the key is already computed, its value is returned synchronously, with a
// typed error alongside it if the key errored (the value being the errored
// key's recovered payload, if any). The caller may propagate, recover from,
// or ignore the error; the dependency is recorded either way.
//
// If the key is not yet computed, (nil, nil) is returned and the engine
// schedules the key. The caller is expected to notice via ValuesMissing (or
// a nil result) and eventually return (nil, nil) to request a restart after
// the missing dependencies complete. Batching several Get calls before
// checking ValuesMissing reduces the number of restarts.
//
// If the evaluation has been cancelled, a cancelled error is returned;
// cancellation is sticky for the remainder of the evaluation.
func (e *Environment) Get(key graph.Key) (graph.Value, error) {
	// Cancellation is checked at every environment boundary.
	if err := e.ctx.Err(); err != nil {
		return nil, graph.NewError(graph.ErrorKindCancelled, "evaluation cancelled")
	}

	// A self-request is the degenerate cycle.
	if key == e.key {
		return nil, e.state.selfCycle(e.key)
	}

	// If the key is already computed, record the dependency and return its
	// value (and error, if any) directly.
	node := e.state.evaluator.graph.Node(key)
	if node.State() == graph.NodeStateDone {
		e.record(graph.Dep{Key: key, Version: node.ValueVersion()})
		if nodeErr := node.Err(); nodeErr != nil {
			return node.Value(), nodeErr
		}
		return node.Value(), nil
	}

	// The key is not yet available: register interest. Registration may
	// discover that the key completed in the meantime, or that the request
	// closes a dependency cycle.
	switch outcome, cycleErr := e.state.registerWait(e.key, key); outcome {
	case waitOutcomeAvailable:
		e.record(graph.Dep{Key: key, Version: node.ValueVersion()})
		if nodeErr := node.Err(); nodeErr != nil {
			return node.Value(), nodeErr
		}
		return node.Value(), nil
	case waitOutcomeCycle:
		e.record(graph.Dep{Key: key, Version: node.ValueVersion()})
		return nil, cycleErr
	default:
		e.missing++
		return nil, nil
	}
}

// GetMany requests the values of several keys, returning parallel value and
// error slices. It is equivalent to calling Get for each key in turn, and
// exists so that functions can batch their requests before checking
// ValuesMissing, minimizing restarts.
func (e *Environment) GetMany(keys []graph.Key) ([]graph.Value, []error) {
	values := make([]graph.Value, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		values[i], errs[i] = e.Get(key)
	}
	return values, errs
}

// ValuesMissing returns true if any dependency requested during this
// invocation was not yet available. When it returns true, the function
// should return (nil, nil) to be restarted once the dependencies complete.
func (e *Environment) ValuesMissing() bool {
	return e.missing > 0
}

// Listener returns the evaluation's event sink.
func (e *Environment) Listener() EventSink {
	return e.state.sink
}

// record records a dependency, deduplicating repeated requests.
func (e *Environment) record(dep graph.Dep) {
	if e.requested[dep.Key] {
		return
	}
	e.requested[dep.Key] = true
	e.deps = append(e.deps, dep)
}
