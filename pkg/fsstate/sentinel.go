package fsstate

import (
	"context"

	"github.com/google/uuid"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyBuildSentinel is the family tag for the build sentinel node.
const FamilyBuildSentinel = graph.Family("build-sentinel")

// BuildSentinelKey identifies the single per-build sentinel node. Dirtying
// it at the start of each build forces every node depending on it (i.e.
// every external-mutable file-state) to be re-observed.
type BuildSentinelKey struct{}

// Family implements graph.Key.Family.
func (BuildSentinelKey) Family() graph.Family {
	return FamilyBuildSentinel
}

// String implements graph.Key.String.
func (BuildSentinelKey) String() string {
	return "build-sentinel"
}

// BuildSentinelValue carries the current build instance identifier. Each
// build produces a distinct identifier, so the sentinel's value changes every
// build and dependents are never pruned by early cutoff.
type BuildSentinelValue struct {
	// ID is the build instance identifier.
	ID uuid.UUID
}

// BuildSentinelFunction computes the sentinel from the caller-provided build
// instance source.
type BuildSentinelFunction struct {
	// current returns the current build instance identifier.
	current func() uuid.UUID
}

// NewBuildSentinelFunction creates a sentinel function reading build
// instance identifiers from the specified source.
func NewBuildSentinelFunction(current func() uuid.UUID) *BuildSentinelFunction {
	return &BuildSentinelFunction{current: current}
}

// Compute implements evaluation.Function.Compute.
func (f *BuildSentinelFunction) Compute(_ context.Context, _ graph.Key, _ *evaluation.Environment) (graph.Value, error) {
	return BuildSentinelValue{ID: f.current()}, nil
}
