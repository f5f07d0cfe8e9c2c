package graph

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a point-in-time summary of graph occupancy.
type Stats struct {
	// Nodes is the total node count.
	Nodes int
	// Done is the number of nodes holding a valid value.
	Done int
	// Dirty is the number of nodes awaiting revalidation.
	Dirty int
	// BeingComputed is the number of nodes with in-flight computations.
	BeingComputed int
	// Edges is the total number of dependency edges.
	Edges int
}

// Stats computes a snapshot of graph occupancy. Node states are read without
// a global lock, so the snapshot is only approximate while an evaluation is
// in flight.
func (g *Graph) Stats() Stats {
	g.mutex.RLock()
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, node)
	}
	g.mutex.RUnlock()

	var stats Stats
	stats.Nodes = len(nodes)
	for _, node := range nodes {
		switch node.State() {
		case NodeStateDone:
			stats.Done++
		case NodeStateDirty:
			stats.Dirty++
		case NodeStateBeingComputed:
			stats.BeingComputed++
		}
		stats.Edges += len(node.Deps())
	}
	return stats
}

// String returns a human-readable rendering of the stats.
func (s Stats) String() string {
	return fmt.Sprintf(
		"%s nodes (%s done, %s dirty, %s computing), %s edges",
		humanize.Comma(int64(s.Nodes)),
		humanize.Comma(int64(s.Done)),
		humanize.Comma(int64(s.Dirty)),
		humanize.Comma(int64(s.BeingComputed)),
		humanize.Comma(int64(s.Edges)),
	)
}
