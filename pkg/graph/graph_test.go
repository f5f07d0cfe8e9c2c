package graph

import (
	"fmt"
	"testing"
)

// testKey is a trivial key implementation for graph tests.
type testKey struct {
	name string
}

// testFamily is the family used by testKey.
const testFamily = Family("test")

// Family implements Key.Family.
func (k testKey) Family() Family {
	return testFamily
}

// String implements Key.String.
func (k testKey) String() string {
	return fmt.Sprintf("test:%s", k.name)
}

// testValue is a comparable value type for graph tests.
type testValue struct {
	content string
}

func TestNodeCreationAndLookup(t *testing.T) {
	g := NewGraph()
	if _, ok := g.Lookup(testKey{"a"}); ok {
		t.Fatal("lookup succeeded for key that was never demanded")
	}
	node := g.Node(testKey{"a"})
	if node == nil {
		t.Fatal("node creation returned nil")
	}
	if again := g.Node(testKey{"a"}); again != node {
		t.Error("repeated node demand returned a different node")
	}
	if found, ok := g.Lookup(testKey{"a"}); !ok || found != node {
		t.Error("lookup did not return the created node")
	}
}

func TestNodeStateMachine(t *testing.T) {
	g := NewGraph()
	node := g.Node(testKey{"a"})

	// A fresh node must accept computation exactly once.
	if !g.MarkComputing(node) {
		t.Fatal("fresh node refused computation")
	}
	if g.MarkComputing(node) {
		t.Fatal("node accepted a second concurrent computation")
	}
	if node.State() != NodeStateBeingComputed {
		t.Errorf("node state is %v, expected %v", node.State(), NodeStateBeingComputed)
	}

	// Completing the computation makes the node done and changed.
	version := g.AdvanceVersion()
	if changed := g.Finish(node, testValue{"one"}, nil, nil, version); !changed {
		t.Error("first completion did not register as changed")
	}
	if node.State() != NodeStateDone {
		t.Errorf("node state is %v, expected %v", node.State(), NodeStateDone)
	}
	if !node.CleanAt(version) {
		t.Error("node is not clean at its evaluation version")
	}

	// Dirtying makes the node revalidatable.
	if g.Dirty(testKey{"a"}) != 1 {
		t.Error("dirtying did not mark the node")
	}
	if node.State() != NodeStateDirty {
		t.Errorf("node state is %v, expected %v", node.State(), NodeStateDirty)
	}
	if node.CleanAt(version) {
		t.Error("dirty node still reports clean")
	}

	// Revalidation without recomputation preserves the value version.
	next := g.AdvanceVersion()
	g.MarkClean(node, next)
	if !node.CleanAt(next) {
		t.Error("revalidated node is not clean at the new version")
	}
	if node.ValueVersion() != version {
		t.Error("revalidation disturbed the value version")
	}
}

func TestFinishChangeDetection(t *testing.T) {
	g := NewGraph()
	node := g.Node(testKey{"a"})
	v1 := g.AdvanceVersion()
	g.MarkComputing(node)
	g.Finish(node, testValue{"one"}, nil, nil, v1)

	// Recomputing to an equal value must not advance the value version.
	g.Dirty(testKey{"a"})
	v2 := g.AdvanceVersion()
	g.MarkComputing(node)
	if changed := g.Finish(node, testValue{"one"}, nil, nil, v2); changed {
		t.Error("equal value registered as changed")
	}
	if node.ValueVersion() != v1 {
		t.Error("equal value advanced the value version")
	}
	if node.EvaluatedAt() != v2 {
		t.Error("recomputation did not advance the evaluation version")
	}

	// Recomputing to a different value must advance the value version.
	g.Dirty(testKey{"a"})
	v3 := g.AdvanceVersion()
	g.MarkComputing(node)
	if changed := g.Finish(node, testValue{"two"}, nil, nil, v3); !changed {
		t.Error("different value did not register as changed")
	}
	if node.ValueVersion() != v3 {
		t.Error("different value did not advance the value version")
	}
}

func TestDirtyPropagation(t *testing.T) {
	g := NewGraph()
	version := g.AdvanceVersion()

	// Build a chain c -> b -> a (c depends on b depends on a) plus an
	// unrelated node d.
	a := g.Node(testKey{"a"})
	g.MarkComputing(a)
	g.Finish(a, testValue{"a"}, nil, nil, version)
	b := g.Node(testKey{"b"})
	g.MarkComputing(b)
	g.Finish(b, testValue{"b"}, nil, []Dep{{Key: testKey{"a"}, Version: version}}, version)
	c := g.Node(testKey{"c"})
	g.MarkComputing(c)
	g.Finish(c, testValue{"c"}, nil, []Dep{{Key: testKey{"b"}, Version: version}}, version)
	d := g.Node(testKey{"d"})
	g.MarkComputing(d)
	g.Finish(d, testValue{"d"}, nil, nil, version)

	// Dirtying a must reach b and c but not d.
	if dirtied := g.Dirty(testKey{"a"}); dirtied != 3 {
		t.Errorf("dirtied %d nodes, expected 3", dirtied)
	}
	for _, node := range []*Node{a, b, c} {
		if node.State() != NodeStateDirty {
			t.Errorf("node %v is %v, expected dirty", node.Key(), node.State())
		}
	}
	if d.State() != NodeStateDone {
		t.Errorf("unrelated node is %v, expected done", d.State())
	}
}

func TestReverseDepMaintenance(t *testing.T) {
	g := NewGraph()
	version := g.AdvanceVersion()

	b := g.Node(testKey{"b"})
	g.MarkComputing(b)
	g.Finish(b, testValue{"b"}, nil, []Dep{{Key: testKey{"a"}, Version: version}}, version)

	a, ok := g.Lookup(testKey{"a"})
	if !ok {
		t.Fatal("dependency node was not created by edge recording")
	}
	if rdeps := a.ReverseDeps(); len(rdeps) != 1 || rdeps[0] != (testKey{"b"}) {
		t.Fatalf("unexpected reverse deps: %v", rdeps)
	}

	// Re-evaluating b against a different dependency must drop the old edge.
	g.Dirty(testKey{"b"})
	next := g.AdvanceVersion()
	g.MarkComputing(b)
	g.Finish(b, testValue{"b"}, nil, []Dep{{Key: testKey{"c"}, Version: next}}, next)
	if rdeps := a.ReverseDeps(); len(rdeps) != 0 {
		t.Errorf("stale reverse deps remain: %v", rdeps)
	}
	c, _ := g.Lookup(testKey{"c"})
	if rdeps := c.ReverseDeps(); len(rdeps) != 1 {
		t.Errorf("new reverse dep missing: %v", rdeps)
	}
}

func TestRollback(t *testing.T) {
	g := NewGraph()
	version := g.AdvanceVersion()

	// Rolling back a node that never completed removes it.
	fresh := g.Node(testKey{"fresh"})
	g.MarkComputing(fresh)
	g.Rollback(fresh)
	if _, ok := g.Lookup(testKey{"fresh"}); ok {
		t.Error("rolled-back fresh node still present")
	}

	// Rolling back a node with a prior value restores dirtiness.
	done := g.Node(testKey{"done"})
	g.MarkComputing(done)
	g.Finish(done, testValue{"v"}, nil, nil, version)
	g.Dirty(testKey{"done"})
	g.AdvanceVersion()
	g.MarkComputing(done)
	g.Rollback(done)
	if done.State() != NodeStateDirty {
		t.Errorf("rolled-back node is %v, expected dirty", done.State())
	}
	if done.Value() == nil {
		t.Error("rollback lost the prior value")
	}
}

func TestEvictionRefusedWhilePinned(t *testing.T) {
	g := NewGraph()
	node := g.Node(testKey{"a"})
	g.MarkComputing(node)
	g.Finish(node, testValue{"a"}, nil, nil, g.AdvanceVersion())

	g.Pin()
	if err := g.Evict(testKey{"a"}); err == nil {
		t.Error("eviction succeeded while pinned")
	}
	g.Unpin()
	if err := g.Evict(testKey{"a"}); err != nil {
		t.Errorf("eviction failed while unpinned: %v", err)
	}
	if _, ok := g.Lookup(testKey{"a"}); ok {
		t.Error("evicted node still present")
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		previous Value
		next     Value
		expected bool
	}{
		{nil, nil, true},
		{testValue{"a"}, nil, false},
		{nil, testValue{"a"}, false},
		{testValue{"a"}, testValue{"a"}, true},
		{testValue{"a"}, testValue{"b"}, false},
	}
	for i, test := range tests {
		if result := ValuesEqual(test.previous, test.next); result != test.expected {
			t.Errorf("case %d: ValuesEqual = %v, expected %v", i, result, test.expected)
		}
	}
}

func TestErrorKindRoundTrip(t *testing.T) {
	kinds := []ErrorKind{
		ErrorKindIO,
		ErrorKindInconsistentFilesystem,
		ErrorKindSymlinkCycle,
		ErrorKindNotADirectory,
		ErrorKindPackageNotFound,
		ErrorKindPackageErrors,
		ErrorKindNoSuchTarget,
		ErrorKindCycle,
		ErrorKindCancelled,
		ErrorKindInternal,
	}
	for _, kind := range kinds {
		text, err := kind.MarshalText()
		if err != nil {
			t.Fatalf("marshaling %d failed: %v", kind, err)
		}
		var decoded ErrorKind
		if err := decoded.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshaling %q failed: %v", text, err)
		}
		if decoded != kind {
			t.Errorf("round trip of %q yielded %q", kind, decoded)
		}
	}
	var invalid ErrorKind
	if err := invalid.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("unmarshaling bogus kind succeeded")
	}
}

func TestErrorWrappingPreservesKind(t *testing.T) {
	inner := NewError(ErrorKindSymlinkCycle, "self-referential link")
	outer := WrapError(ErrorKindIO, inner, "while resolving a")
	if outer.Kind != ErrorKindSymlinkCycle {
		t.Errorf("wrapping replaced kind: %v", outer.Kind)
	}
	if KindOf(outer) != ErrorKindSymlinkCycle {
		t.Errorf("KindOf reports %v", KindOf(outer))
	}
	if AsError(outer) != outer {
		t.Error("AsError did not return the outermost typed error")
	}
}

func TestErrorCycleRendering(t *testing.T) {
	err := &Error{
		Kind:    ErrorKindCycle,
		Message: "dependency cycle",
		Cycle:   []Key{testKey{"a"}, testKey{"b"}, testKey{"a"}},
	}
	rendered := err.Error()
	expected := "cycle: dependency cycle (test:a -> test:b -> test:a)"
	if rendered != expected {
		t.Errorf("rendered %q, expected %q", rendered, expected)
	}
}
