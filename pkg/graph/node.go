package graph

import (
	"sync"
)

// Version is a monotonically increasing build generation counter. Node
// metadata records the version at which a value last changed and the version
// at which the node was last evaluated or revalidated, allowing the engine to
// prune re-evaluation when dependency values are unchanged.
type Version uint64

// NodeState describes the lifecycle state of a node. The not-created state is
// implicit: a key with no node in the graph has never been demanded.
type NodeState uint8

const (
	// NodeStateBeingComputed indicates that a function invocation for the
	// node is in flight or pending on dependencies.
	NodeStateBeingComputed NodeState = iota + 1
	// NodeStateDone indicates that the node holds a value (and/or error)
	// valid at its evaluation version.
	NodeStateDone
	// NodeStateDirty indicates that the node holds a value from a previous
	// version that must be revalidated (and possibly recomputed) before use.
	NodeStateDirty
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (s NodeState) MarshalText() ([]byte, error) {
	var result string
	switch s {
	case NodeStateBeingComputed:
		result = "being-computed"
	case NodeStateDone:
		result = "done"
	case NodeStateDirty:
		result = "dirty"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// String returns a human-readable representation of the node state.
func (s NodeState) String() string {
	text, _ := s.MarshalText()
	return string(text)
}

// Dep records a single dependency edge along with the version at which the
// dependency's value was last observed to change. Dependency sets are
// unordered; the recorded order is simply the order of first request.
type Dep struct {
	// Key is the dependency's key.
	Key Key
	// Version is the dependency's value version at the time it was used.
	Version Version
}

// Node is the graph's bookkeeping for a single key. All fields are guarded by
// the node's own mutex; methods take and release it internally. The engine
// holds a node's lock only while transitioning state, never across function
// invocation, so functions can request other nodes freely without deadlock.
type Node struct {
	// key is the node's key.
	key Key
	// mutex guards all remaining fields.
	mutex sync.Mutex
	// state is the node's lifecycle state.
	state NodeState
	// value is the node's last computed value, if any.
	value Value
	// err is the node's last computed error, if any. A node may carry both a
	// value and an error (e.g. a partial package).
	err *Error
	// completed indicates whether value and err represent a finished
	// evaluation (as opposed to the zero state of a node that has only ever
	// been demanded).
	completed bool
	// deps is the dependency set recorded by the last completed evaluation.
	deps []Dep
	// rdeps is the set of keys whose last evaluation depended on this node.
	rdeps map[Key]struct{}
	// valueVersion is the version at which the node's value last changed.
	valueVersion Version
	// evaluatedAt is the version at which the node was last computed or
	// revalidated unchanged.
	evaluatedAt Version
}

// Key returns the node's key.
func (n *Node) Key() Key {
	return n.key
}

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state
}

// Value returns the node's last completed value, which may be nil if the node
// errored or has never completed.
func (n *Node) Value() Value {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.value
}

// Err returns the node's last completed error, if any.
func (n *Node) Err() *Error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.err
}

// Deps returns a copy of the dependency set recorded by the node's last
// completed evaluation.
func (n *Node) Deps() []Dep {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	result := make([]Dep, len(n.deps))
	copy(result, n.deps)
	return result
}

// ReverseDeps returns a copy of the set of keys that depend on this node.
func (n *Node) ReverseDeps() []Key {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	result := make([]Key, 0, len(n.rdeps))
	for key := range n.rdeps {
		result = append(result, key)
	}
	return result
}

// ValueVersion returns the version at which the node's value last changed.
func (n *Node) ValueVersion() Version {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.valueVersion
}

// EvaluatedAt returns the version at which the node was last computed or
// revalidated.
func (n *Node) EvaluatedAt() Version {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.evaluatedAt
}

// CleanAt returns true if the node is done and valid at the specified
// version, in which case its value and error can be used directly.
func (n *Node) CleanAt(version Version) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state == NodeStateDone && n.evaluatedAt == version
}

// markComputing transitions the node into the being-computed state. It
// returns false if the node is already being computed (i.e. another demand
// won the race), enforcing at most one invocation per key per version.
func (n *Node) markComputing() bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state == NodeStateBeingComputed {
		return false
	}
	n.state = NodeStateBeingComputed
	return true
}

// markDirty transitions a done node into the dirty state. It returns true if
// the node transitioned (i.e. it was done beforehand), false otherwise.
func (n *Node) markDirty() bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != NodeStateDone {
		return false
	}
	n.state = NodeStateDirty
	return true
}

// markClean revalidates a node without recomputation: the node's value is
// preserved and only its evaluation version advances. The caller is
// responsible for having verified that all recorded dependencies are
// unchanged at the target version.
func (n *Node) markClean(version Version) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.state = NodeStateDone
	n.evaluatedAt = version
}

// rollback reverts an in-flight computation. If the node completed at a
// previous version, it returns to the dirty state and rollback returns true.
// Otherwise the node has no usable content and rollback returns false, in
// which case the caller must remove it from the graph (returning the key to
// the not-created state).
func (n *Node) rollback() bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != NodeStateBeingComputed {
		return true
	}
	if n.completed {
		n.state = NodeStateDirty
		return true
	}
	return false
}

// finish completes an evaluation of the node, recording its value, error, and
// dependency set at the specified version. It returns whether the value
// changed relative to the previous completed evaluation (which determines
// whether dependents see a new value version) along with the dependency keys
// removed and added relative to the previous dependency set, which the graph
// uses to maintain reverse edges.
func (n *Node) finish(value Value, err *Error, deps []Dep, version Version) (bool, []Key, []Key) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	// Determine whether the result differs from the previous one. A node
	// that has never completed always counts as changed. Errors compare by
	// kind and message, which is sufficient to keep deterministic errors
	// from dirtying downstream nodes.
	changed := true
	if n.completed {
		if err == nil && n.err == nil {
			changed = !ValuesEqual(n.value, value)
		} else if err != nil && n.err != nil {
			changed = err.Kind != n.err.Kind || err.Message != n.err.Message ||
				!ValuesEqual(n.value, value)
		}
	}

	// Compute reverse-edge adjustments.
	previous := make(map[Key]struct{}, len(n.deps))
	for _, dep := range n.deps {
		previous[dep.Key] = struct{}{}
	}
	next := make(map[Key]struct{}, len(deps))
	var added []Key
	for _, dep := range deps {
		next[dep.Key] = struct{}{}
		if _, ok := previous[dep.Key]; !ok {
			added = append(added, dep.Key)
		}
	}
	var removed []Key
	for key := range previous {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}

	// Record the result.
	n.value = value
	n.err = err
	n.deps = deps
	n.completed = true
	n.evaluatedAt = version
	if changed {
		n.valueVersion = version
	}
	n.state = NodeStateDone

	return changed, removed, added
}

// addReverseDep records that the specified key depends on this node.
func (n *Node) addReverseDep(key Key) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.rdeps == nil {
		n.rdeps = make(map[Key]struct{})
	}
	n.rdeps[key] = struct{}{}
}

// removeReverseDep removes a reverse dependency edge.
func (n *Node) removeReverseDep(key Key) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.rdeps, key)
}
