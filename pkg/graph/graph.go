package graph

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Graph is the in-memory node store. It supports concurrent lookups and
// serialized per-node state transitions: the graph-level mutex guards only
// the key-to-node map, while each node guards its own fields. Nodes are
// created on first demand and live until explicitly evicted; eviction is
// refused while an evaluation holds the graph pinned.
type Graph struct {
	// version is the current build generation, accessed atomically.
	version atomic.Uint64
	// pins counts in-flight evaluations, accessed atomically. Eviction is
	// only permitted when zero.
	pins atomic.Int64
	// mutex guards nodes.
	mutex sync.RWMutex
	// nodes maps keys to their nodes.
	nodes map[Key]*Node
}

// NewGraph creates an empty graph at version zero.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[Key]*Node)}
}

// Version returns the graph's current version.
func (g *Graph) Version() Version {
	return Version(g.version.Load())
}

// AdvanceVersion increments and returns the graph's version. It is called
// once at the start of each build, before invalidation is applied.
func (g *Graph) AdvanceVersion() Version {
	return Version(g.version.Add(1))
}

// Pin marks an evaluation as in flight, blocking eviction. Each call must be
// paired with an Unpin call.
func (g *Graph) Pin() {
	g.pins.Add(1)
}

// Unpin releases a pin acquired with Pin.
func (g *Graph) Unpin() {
	g.pins.Add(-1)
}

// Lookup returns the node for a key if one exists.
func (g *Graph) Lookup(key Key) (*Node, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	node, ok := g.nodes[key]
	return node, ok
}

// Node returns the node for a key, creating it if necessary. Creation
// corresponds to the key's transition out of the implicit not-created state.
func (g *Graph) Node(key Key) *Node {
	// Fast path: the node already exists.
	g.mutex.RLock()
	node, ok := g.nodes[key]
	g.mutex.RUnlock()
	if ok {
		return node
	}

	// Slow path: create the node, rechecking under the write lock.
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if node, ok := g.nodes[key]; ok {
		return node
	}
	node = &Node{key: key}
	g.nodes[key] = node
	return node
}

// Remove deletes a node from the graph, returning its key to the not-created
// state. It is used when rolling back a cancelled computation that had no
// prior value. Reverse edges pointing at the node are left in place; they are
// corrected the next time the dependent re-records its dependency set.
func (g *Graph) Remove(key Key) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.nodes, key)
}

// Finish completes an evaluation of the specified node, updating reverse
// dependency edges to match the new dependency set. It returns whether the
// node's value changed.
func (g *Graph) Finish(node *Node, value Value, err *Error, deps []Dep, version Version) bool {
	changed, removed, added := node.finish(value, err, deps, version)
	for _, key := range removed {
		if target, ok := g.Lookup(key); ok {
			target.removeReverseDep(node.key)
		}
	}
	for _, key := range added {
		g.Node(key).addReverseDep(node.key)
	}
	return changed
}

// MarkClean revalidates a dirty node at the specified version without
// recomputation, preserving its value.
func (g *Graph) MarkClean(node *Node, version Version) {
	node.markClean(version)
}

// MarkComputing attempts to transition a node into the being-computed state,
// returning false if another computation is already in flight for it.
func (g *Graph) MarkComputing(node *Node) bool {
	return node.markComputing()
}

// Rollback reverts an in-flight computation on the specified node, restoring
// its prior done or dirty state, or removing it entirely if it never
// completed.
func (g *Graph) Rollback(node *Node) {
	if !node.rollback() {
		g.Remove(node.key)
	}
}

// Dirty marks the specified keys dirty and propagates dirtiness through
// reverse dependency edges: any done node transitively depending on a dirtied
// node becomes dirty as well. Keys with no node are ignored. It returns the
// number of nodes dirtied.
func (g *Graph) Dirty(keys ...Key) int {
	var dirtied int
	pending := make([]Key, 0, len(keys))
	pending = append(pending, keys...)
	for len(pending) > 0 {
		key := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		node, ok := g.Lookup(key)
		if !ok {
			continue
		}
		if node.markDirty() {
			dirtied++
			pending = append(pending, node.ReverseDeps()...)
		}
	}
	return dirtied
}

// DirtyFamilies marks every node belonging to one of the specified families
// dirty (with the usual reverse-dependency propagation). It is the
// invalidation path used when the change detector can only report that
// everything may have changed.
func (g *Graph) DirtyFamilies(families ...Family) int {
	members := make(map[Family]bool, len(families))
	for _, family := range families {
		members[family] = true
	}
	g.mutex.RLock()
	keys := make([]Key, 0, len(g.nodes))
	for key := range g.nodes {
		if members[key.Family()] {
			keys = append(keys, key)
		}
	}
	g.mutex.RUnlock()
	return g.Dirty(keys...)
}

// Evict removes the specified keys from the graph to relieve memory
// pressure. It fails if any evaluation currently holds the graph pinned,
// since a build must never observe a held node disappearing.
func (g *Graph) Evict(keys ...Key) error {
	if g.pins.Load() != 0 {
		return errors.New("graph is pinned by an in-flight evaluation")
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, key := range keys {
		delete(g.nodes, key)
	}
	return nil
}

// Keys returns the keys of all nodes currently in the graph.
func (g *Graph) Keys() []Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys := make([]Key, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	return keys
}
