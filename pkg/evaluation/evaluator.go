package evaluation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"

	"github.com/mutagen-io/quarry/pkg/graph"
)

// Evaluator drives demand-driven parallel evaluation over a graph. It is safe
// for sequential reuse across builds; a single evaluator must not run two
// evaluations concurrently because the graph's version discipline assumes one
// build at a time.
type Evaluator struct {
	// graph is the node store.
	graph *graph.Graph
	// registry maps key families to functions.
	registry *Registry
	// configuration is the engine configuration.
	configuration *Configuration
	// logger is the evaluator's logger.
	logger *zap.Logger
}

// NewEvaluator creates an evaluator over the specified graph and registry.
// A nil logger is replaced with a no-op logger.
func NewEvaluator(g *graph.Graph, registry *Registry, configuration *Configuration, logger *zap.Logger) (*Evaluator, error) {
	if err := configuration.EnsureValid(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		graph:         g,
		registry:      registry,
		configuration: configuration,
		logger:        logger,
	}, nil
}

// Graph returns the evaluator's underlying graph.
func (e *Evaluator) Graph() *graph.Graph {
	return e.graph
}

// waitOutcome describes the result of attempting to register a dependency
// wait.
type waitOutcome uint8

const (
	// waitOutcomeRegistered indicates that the wait was registered (or was
	// already registered) and the dependency will be scheduled.
	waitOutcomeRegistered waitOutcome = iota
	// waitOutcomeAvailable indicates that the dependency completed between
	// the caller's state check and registration, and its value can be used
	// directly.
	waitOutcomeAvailable
	// waitOutcomeCycle indicates that the request would close a dependency
	// cycle; the dependency has been assigned a cycle error.
	waitOutcomeCycle
)

// pendingNode is the evaluation-local bookkeeping for one key.
type pendingNode struct {
	// inFlight indicates that a function invocation for the key is running
	// right now.
	inFlight bool
	// enqueued indicates that the key is currently in the ready queue.
	enqueued bool
	// pendingDeps is the number of dependencies the key is waiting on.
	pendingDeps int
	// waitingOn is the set of keys the node is waiting on, used for cycle
	// detection.
	waitingOn map[graph.Key]bool
	// waiters is the set of keys waiting on this node.
	waiters map[graph.Key]bool
	// invocations is the number of function invocations performed for the
	// key during this evaluation.
	invocations int
}

// evaluationState is the transient state of a single evaluation.
type evaluationState struct {
	// evaluator is the owning evaluator.
	evaluator *Evaluator
	// version is the graph version being evaluated.
	version graph.Version
	// sink is the event sink.
	sink EventSink
	// keepGoing indicates keep-going error handling.
	keepGoing bool
	// cancel cancels the evaluation context.
	cancel context.CancelFunc
	// mutex guards the remaining fields, and is additionally the lock under
	// which all scheduling decisions are made.
	mutex sync.Mutex
	// cond signals queue availability to idle workers.
	cond *sync.Cond
	// queue is the ready queue.
	queue []graph.Key
	// pending maps keys to their evaluation-local bookkeeping.
	pending map[graph.Key]*pendingNode
	// active is the number of keys currently being processed by workers.
	active int
	// finished indicates that the evaluation has drained.
	finished bool
	// cancelled indicates that the evaluation has been cancelled, either by
	// the caller or by fail-fast error handling.
	cancelled bool
	// failure is the first non-cancellation error surfaced, used by
	// fail-fast handling and result reporting.
	failure *graph.Error
	// failureKey is the key that surfaced failure.
	failureKey graph.Key
	// invocations counts function invocations across the evaluation.
	invocations int
	// restarts counts invocations beyond the first per key.
	restarts int
	// revalidations counts dirty nodes revalidated without re-running their
	// functions (early cutoff).
	revalidations int
}

// Evaluate computes the specified keys at the graph's current version,
// returning a result carrying a value or captured error per requested key.
// The evaluation runs until all reachable work completes, the context is
// cancelled, or (in fail-fast mode) an error surfaces. A nil sink is
// replaced with a no-op sink.
func (e *Evaluator) Evaluate(ctx context.Context, keys []graph.Key, sink EventSink) (*Result, error) {
	if sink == nil {
		sink = NopSink
	}

	// Pin the graph against eviction for the duration of the build.
	e.graph.Pin()
	defer e.graph.Unpin()

	// Create the evaluation context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Create the evaluation state and seed the ready queue.
	state := &evaluationState{
		evaluator: e,
		version:   e.graph.Version(),
		sink:      sink,
		keepGoing: e.configuration.ErrorMode.KeepGoing(),
		cancel:    cancel,
		pending:   make(map[graph.Key]*pendingNode),
	}
	state.cond = sync.NewCond(&state.mutex)
	state.mutex.Lock()
	roots := make([]graph.Key, 0, len(keys))
	seen := make(map[graph.Key]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		roots = append(roots, key)
		state.enqueueLocked(key)
	}
	state.mutex.Unlock()

	// Propagate external cancellation into the scheduler so that idle
	// workers wake up and drain.
	cancellationDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			state.mutex.Lock()
			state.cancelLocked()
			state.mutex.Unlock()
		case <-cancellationDone:
		}
	}()

	// Run the workers.
	group := &errgroup.Group{}
	for i := 0; i < e.configuration.EffectiveParallelism(); i++ {
		group.Go(func() error {
			state.work(ctx)
			return nil
		})
	}
	group.Wait()
	close(cancellationDone)

	// On cancellation, roll back any node still suspended mid-computation:
	// nodes with a prior value return to the dirty state and the rest leave
	// the graph entirely.
	if state.cancelled {
		state.mutex.Lock()
		for key := range state.pending {
			if node, ok := e.graph.Lookup(key); ok && node.State() == graph.NodeStateBeingComputed {
				e.graph.Rollback(node)
			}
		}
		state.mutex.Unlock()
	}

	// Assemble the result.
	return state.assembleResult(roots), nil
}

// enqueueLocked adds a key to the ready queue. The state mutex must be held.
func (s *evaluationState) enqueueLocked(key graph.Key) {
	p := s.pendingFor(key)
	if p.enqueued || p.inFlight {
		return
	}
	p.enqueued = true
	s.queue = append(s.queue, key)
	s.cond.Signal()
}

// pendingFor returns (creating if necessary) the bookkeeping for a key. The
// state mutex must be held.
func (s *evaluationState) pendingFor(key graph.Key) *pendingNode {
	p, ok := s.pending[key]
	if !ok {
		p = &pendingNode{}
		s.pending[key] = p
	}
	return p
}

// cancelLocked transitions the evaluation into the cancelled state: the ready
// queue is discarded, the evaluation context is cancelled, and idle workers
// are woken. The state mutex must be held.
func (s *evaluationState) cancelLocked() {
	if s.cancelled {
		return
	}
	s.cancelled = true
	for _, key := range s.queue {
		s.pendingFor(key).enqueued = false
	}
	s.queue = nil
	s.cancel()
	s.cond.Broadcast()
}

// next pops the next ready key, blocking until one is available or the
// evaluation drains. The second return value is false when the worker should
// exit.
func (s *evaluationState) next() (graph.Key, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for {
		if s.finished {
			return nil, false
		}
		if len(s.queue) > 0 {
			key := s.queue[0]
			s.queue = s.queue[1:]
			s.pendingFor(key).enqueued = false
			s.active++
			return key, true
		}
		if s.active == 0 {
			s.finished = true
			s.cond.Broadcast()
			return nil, false
		}
		s.cond.Wait()
	}
}

// work is the worker main loop.
func (s *evaluationState) work(ctx context.Context) {
	for {
		key, ok := s.next()
		if !ok {
			return
		}
		s.process(ctx, key)
		s.mutex.Lock()
		s.active--
		if s.active == 0 && len(s.queue) == 0 {
			s.cond.Broadcast()
		}
		s.mutex.Unlock()
	}
}

// process handles one popped key: delivering it if done, revalidating it if
// dirty, or invoking its function.
func (s *evaluationState) process(ctx context.Context, key graph.Key) {
	g := s.evaluator.graph
	node := g.Node(key)

	s.mutex.Lock()
	p := s.pendingFor(key)
	if p.inFlight {
		s.mutex.Unlock()
		return
	}

	switch node.State() {
	case graph.NodeStateDone:
		s.deliverLocked(key)
		s.mutex.Unlock()
		return
	case graph.NodeStateDirty:
		// Attempt revalidation: ensure every recorded dependency is
		// computed at this version, then compare value versions. If any
		// dependency is unavailable, wait for it; if all are unchanged,
		// preserve the value without re-running the function.
		deps := node.Deps()
		var waits int
		for _, dep := range deps {
			child, ok := g.Lookup(dep.Key)
			if !ok || child.State() != graph.NodeStateDone {
				outcome, _ := s.registerWaitLocked(key, dep.Key)
				if outcome == waitOutcomeRegistered {
					waits++
				}
			}
		}
		// Cycle assignment during wait registration may have finalized
		// this node.
		if node.State() == graph.NodeStateDone {
			s.mutex.Unlock()
			return
		}
		if waits > 0 {
			s.mutex.Unlock()
			return
		}
		unchanged := len(deps) > 0
		for _, dep := range deps {
			child, ok := g.Lookup(dep.Key)
			if !ok || child.ValueVersion() != dep.Version {
				unchanged = false
				break
			}
		}
		if unchanged {
			g.MarkClean(node, s.version)
			s.revalidations++
			s.deliverLocked(key)
			s.mutex.Unlock()
			return
		}
		// The node must be recomputed.
		g.MarkComputing(node)
		p.inFlight = true
		s.mutex.Unlock()
	case graph.NodeStateBeingComputed:
		// A restart after missing dependencies completed.
		p.inFlight = true
		s.mutex.Unlock()
	default:
		// First demand.
		g.MarkComputing(node)
		p.inFlight = true
		s.mutex.Unlock()
	}

	s.invoke(ctx, key, node)
}

// invoke runs the function for a key and post-processes its outcome.
func (s *evaluationState) invoke(ctx context.Context, key graph.Key, node *graph.Node) {
	g := s.evaluator.graph

	// Resolve the function.
	function, ok := s.evaluator.registry.lookup(key.Family())
	if !ok {
		s.completeLocked(key, node, nil, nil,
			graph.NewErrorf(graph.ErrorKindInternal, "no function registered for family %q", key.Family()))
		return
	}

	// Track invocation counts and emit progress events.
	s.mutex.Lock()
	p := s.pendingFor(key)
	p.invocations++
	s.invocations++
	restarted := p.invocations > 1
	if restarted {
		s.restarts++
	}
	s.mutex.Unlock()
	if restarted {
		s.sink.NodeRestarted(key)
	} else {
		s.sink.NodeEvaluating(key)
	}

	// Invoke the function.
	env := newEnvironment(ctx, s, key)
	value, err := function.Compute(ctx, key, env)

	// Handle the outcome.
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p.inFlight = false

	// If the node was finalized while the invocation ran (cycle
	// assignment), discard the result.
	if node.State() == graph.NodeStateDone {
		return
	}

	// If the evaluation was cancelled, roll the node back: either to its
	// prior completed state or out of the graph entirely.
	if s.cancelled {
		g.Rollback(node)
		return
	}

	// A nil result with missing dependencies is a suspension: the node
	// stays in the being-computed state until its dependencies deliver. If
	// every dependency completed while the function was still running, the
	// node is ready again immediately.
	if value == nil && err == nil && env.missing > 0 {
		if p.pendingDeps == 0 {
			s.enqueueLocked(key)
		}
		return
	}

	s.completeWithLock(key, node, env, value, err)
}

// completeLocked finalizes a node that never ran a function (registry
// failure), acquiring the state mutex itself.
func (s *evaluationState) completeLocked(key graph.Key, node *graph.Node, env *Environment, value graph.Value, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pendingFor(key).inFlight = false
	if node.State() == graph.NodeStateDone {
		return
	}
	s.completeWithLock(key, node, env, value, err)
}

// completeWithLock finalizes a node's evaluation. The state mutex must be
// held.
func (s *evaluationState) completeWithLock(key graph.Key, node *graph.Node, env *Environment, value graph.Value, err error) {
	g := s.evaluator.graph

	// Convert the error to its typed representation, attaching any
	// partial value as a recovered payload.
	var typed *graph.Error
	if err != nil {
		if typed = graph.AsError(err); typed == nil {
			typed = graph.WrapError(graph.ErrorKindInternal, err, "function failed")
		}
		if value != nil && typed.Recovered == nil {
			recovered := *typed
			recovered.Recovered = value
			typed = &recovered
		}
	}

	// A function returning a value while dependencies are missing violates
	// the restart discipline, as does returning neither a value nor an
	// error with nothing missing.
	if env != nil && env.missing > 0 && typed == nil {
		value = nil
		typed = graph.NewError(graph.ErrorKindInternal, "function returned a value with dependencies missing")
	} else if value == nil && typed == nil {
		typed = graph.NewError(graph.ErrorKindInternal, "function returned neither a value nor an error")
	}

	// Record the result and updated dependency set.
	var deps []graph.Dep
	if env != nil {
		deps = env.deps
	}
	g.Finish(node, value, typed, deps, s.version)
	s.sink.NodeEvaluated(key, typed)

	// Apply fail-fast handling. Cancellation errors don't trigger it; they
	// are a consequence of cancellation, not a cause.
	if typed != nil && typed.Kind != graph.ErrorKindCancelled {
		if s.failure == nil {
			s.failure = typed
			s.failureKey = key
		}
		if !s.keepGoing {
			s.cancelLocked()
		}
	}

	s.deliverLocked(key)
}

// deliverLocked notifies the waiters of a completed key, enqueueing any
// whose dependencies are now fully satisfied. The state mutex must be held.
func (s *evaluationState) deliverLocked(key graph.Key) {
	p := s.pendingFor(key)
	waiters := p.waiters
	p.waiters = nil
	for waiter := range waiters {
		wp := s.pendingFor(waiter)
		delete(wp.waitingOn, key)
		if wp.pendingDeps > 0 {
			wp.pendingDeps--
		}
		if wp.pendingDeps == 0 && !wp.inFlight {
			s.enqueueLocked(waiter)
		}
	}
}

// registerWait registers that parent is waiting on child, scheduling child
// as necessary. It acquires the state mutex.
func (s *evaluationState) registerWait(parent, child graph.Key) (waitOutcome, *graph.Error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.registerWaitLocked(parent, child)
}

// registerWaitLocked registers that parent is waiting on child. If the child
// completed in the meantime, it reports availability instead. If the new
// edge would close a dependency cycle, every node on the cycle is assigned a
// cycle error and the cycle outcome is reported. The state mutex must be
// held.
func (s *evaluationState) registerWaitLocked(parent, child graph.Key) (waitOutcome, *graph.Error) {
	// Recheck the child's state under the scheduling lock: it may have
	// completed since the caller's unlocked check.
	childNode := s.evaluator.graph.Node(child)
	if childNode.State() == graph.NodeStateDone {
		return waitOutcomeAvailable, nil
	}

	pp := s.pendingFor(parent)
	if pp.waitingOn[child] {
		return waitOutcomeRegistered, nil
	}

	// Adding parent -> child closes a cycle iff child transitively waits on
	// parent. The wait path runs from child to parent inclusive, so together
	// with the new edge it enumerates the cycle's distinct members.
	if path := s.findWaitPathLocked(child, parent); path != nil {
		cycleErr := s.assignCycleLocked(path)
		return waitOutcomeCycle, cycleErr
	}

	// Register the edge and schedule the child.
	if pp.waitingOn == nil {
		pp.waitingOn = make(map[graph.Key]bool)
	}
	pp.waitingOn[child] = true
	pp.pendingDeps++
	cp := s.pendingFor(child)
	if cp.waiters == nil {
		cp.waiters = make(map[graph.Key]bool)
	}
	cp.waiters[parent] = true
	s.enqueueLocked(child)
	return waitOutcomeRegistered, nil
}

// findWaitPathLocked searches the waiting graph for a path from one key to
// another, returning the path (inclusive of both endpoints) or nil. The
// state mutex must be held.
func (s *evaluationState) findWaitPathLocked(from, to graph.Key) []graph.Key {
	if from == to {
		return []graph.Key{from}
	}
	visited := make(map[graph.Key]bool)
	var search func(key graph.Key) []graph.Key
	search = func(key graph.Key) []graph.Key {
		if visited[key] {
			return nil
		}
		visited[key] = true
		p, ok := s.pending[key]
		if !ok {
			return nil
		}
		for next := range p.waitingOn {
			if next == to {
				return []graph.Key{key, to}
			}
			if path := search(next); path != nil {
				return append([]graph.Key{key}, path...)
			}
		}
		return nil
	}
	return search(from)
}

// selfCycle assigns a cycle error to a key that requested itself.
func (s *evaluationState) selfCycle(key graph.Key) *graph.Error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.assignCycleLocked([]graph.Key{key})
}

// assignCycleLocked assigns a cycle error to every node on a cycle. The
// members slice lists the cycle's distinct members; the recorded cycle path
// is rotated to start at the member with the least string representation so
// that reports are deterministic, and closed by repeating the starting
// member. The state mutex must be held.
func (s *evaluationState) assignCycleLocked(members []graph.Key) *graph.Error {
	// Rotate to the least member.
	least := 0
	for i, member := range members {
		if member.String() < members[least].String() {
			least = i
		}
	}
	rotated := make([]graph.Key, 0, len(members)+1)
	rotated = append(rotated, members[least:]...)
	rotated = append(rotated, members[:least]...)
	rotated = append(rotated, rotated[0])

	cycleErr := &graph.Error{
		Kind:    graph.ErrorKindCycle,
		Message: "dependency cycle",
		Cycle:   rotated,
	}
	s.sink.CycleDetected(rotated)

	// Finalize every member with the cycle error and notify waiters. A
	// member that is mid-invocation discards its own result on return.
	g := s.evaluator.graph
	for _, member := range members {
		node := g.Node(member)
		if node.State() == graph.NodeStateDone {
			continue
		}
		g.Finish(node, nil, cycleErr, nil, s.version)
		s.sink.NodeEvaluated(member, cycleErr)
		s.deliverLocked(member)
	}

	// Cycle errors respect fail-fast handling like any other error.
	if s.failure == nil {
		s.failure = cycleErr
		s.failureKey = members[0]
	}
	if !s.keepGoing {
		s.cancelLocked()
	}
	return cycleErr
}

// assembleResult builds the evaluation result for the requested roots.
func (s *evaluationState) assembleResult(roots []graph.Key) *Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result := &Result{
		Values:        make(map[graph.Key]graph.Value),
		Errors:        make(map[graph.Key]*graph.Error),
		Graph:         &WalkableGraph{graph: s.evaluator.graph},
		Cancelled:     s.cancelled,
		FirstError:    s.failure,
		FirstErrorKey: s.failureKey,
		Invocations:   s.invocations,
		Restarts:      s.restarts,
		Revalidations: s.revalidations,
	}
	for _, key := range roots {
		node, ok := s.evaluator.graph.Lookup(key)
		if ok && node.State() == graph.NodeStateDone {
			if err := node.Err(); err != nil {
				result.Errors[key] = err
				if err.Recovered != nil {
					result.Values[key] = err.Recovered
				}
			} else {
				result.Values[key] = node.Value()
			}
			continue
		}
		result.Errors[key] = graph.NewError(graph.ErrorKindCancelled, "not evaluated")
	}

	// Sort error keys for deterministic reporting.
	for key := range result.Errors {
		result.ErrorKeys = append(result.ErrorKeys, key)
	}
	sort.Slice(result.ErrorKeys, func(i, j int) bool {
		return result.ErrorKeys[i].String() < result.ErrorKeys[j].String()
	})

	return result
}
