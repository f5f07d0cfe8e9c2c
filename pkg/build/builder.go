// Package build provides per-build orchestration over the evaluation engine:
// build identifiers, change-detector consultation, precise file-state
// invalidation between builds, and the wiring of every node family into a
// single evaluator.
package build

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"go.uber.org/zap"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/fsstate"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
	"github.com/mutagen-io/quarry/pkg/pattern"
	"github.com/mutagen-io/quarry/pkg/traversal"
	"github.com/mutagen-io/quarry/pkg/watching"
)

// Builder owns the graph, the function registry, and the change-detection
// state for a workspace, and drives successive builds over them. It is safe
// for sequential use only; builds don't overlap.
type Builder struct {
	// graph is the node store.
	graph *graph.Graph
	// evaluator drives evaluation.
	evaluator *evaluation.Evaluator
	// roots are the package roots in search order.
	roots []string
	// detectors maps package roots to their change detectors. Roots without
	// a detector are treated as fully modified on every build.
	detectors map[string]*watching.ChangeDetector
	// views maps package roots to their previous build's views.
	views map[string]watching.View
	// logger is the builder's logger.
	logger *zap.Logger
	// mutex guards buildID.
	mutex sync.Mutex
	// buildID is the current build instance identifier.
	buildID uuid.UUID
}

// NewBuilder creates a builder for the specified package roots. Change
// detection is established per root; on platforms without reliable watching
// (or if watch construction fails) the affected roots fall back to full
// re-observation each build. A nil logger is replaced with a no-op logger.
func NewBuilder(
	fs filesystem.Filesystem,
	packageRoots, immutableDirectories []string,
	configuration *evaluation.Configuration,
	logger *zap.Logger,
) (*Builder, error) {
	if err := configuration.EnsureValid(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	builder := &Builder{
		graph:     graph.NewGraph(),
		roots:     packageRoots,
		detectors: make(map[string]*watching.ChangeDetector),
		views:     make(map[string]watching.View),
		logger:    logger,
		buildID:   uuid.New(),
	}

	// Wire the node families.
	policy := fsstate.NewExternalPathPolicy(
		packageRoots, immutableDirectories, configuration.ErrorOnExternalPaths,
	)
	registry := evaluation.NewRegistry()
	registry.MustRegister(fsstate.FamilyFileState, &fsstate.FileStateFunction{Filesystem: fs, Policy: policy})
	registry.MustRegister(fsstate.FamilyFile, &fsstate.FileFunction{})
	registry.MustRegister(fsstate.FamilyDirectoryListing, &fsstate.DirectoryListingFunction{Filesystem: fs})
	registry.MustRegister(fsstate.FamilyBuildSentinel, fsstate.NewBuildSentinelFunction(builder.currentBuildID))
	registry.MustRegister(packages.FamilyPackageLookup, &packages.PackageLookupFunction{Roots: packageRoots})
	registry.MustRegister(packages.FamilyPackage, &packages.PackageFunction{Filesystem: fs})
	registry.MustRegister(traversal.FamilyRecursivePackage, traversal.NewRecursivePackageFunction(logger.Named("traversal")))
	registry.MustRegister(traversal.FamilyTraversal, traversal.NewTraversalFunction(logger.Named("traversal")))
	registry.MustRegister(pattern.FamilyTargetPattern, pattern.NewTargetPatternFunction(packageRoots, logger.Named("pattern")))

	evaluator, err := evaluation.NewEvaluator(builder.graph, registry, configuration, logger)
	if err != nil {
		return nil, err
	}
	builder.evaluator = evaluator

	// Establish change detection per root.
	for _, root := range packageRoots {
		detector, err := watching.NewChangeDetector(root, logger.Named("watching"))
		if err != nil || detector == nil {
			builder.logger.Warn("change detection unavailable; builds will rescan",
				zap.String("root", root), zap.Error(err))
			continue
		}
		builder.detectors[root] = detector
	}

	return builder, nil
}

// currentBuildID returns the current build instance identifier.
func (b *Builder) currentBuildID() uuid.UUID {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buildID
}

// Graph returns the builder's graph.
func (b *Builder) Graph() *graph.Graph {
	return b.graph
}

// Evaluator returns the builder's evaluator.
func (b *Builder) Evaluator() *evaluation.Evaluator {
	return b.evaluator
}

// prepare begins a new build: it advances the build identifier and graph
// version, re-arms the per-build sentinel, and seeds invalidation from the
// change detectors.
func (b *Builder) prepare() {
	b.mutex.Lock()
	b.buildID = uuid.New()
	b.mutex.Unlock()

	b.graph.AdvanceVersion()
	b.graph.Dirty(fsstate.BuildSentinelKey{})

	for _, root := range b.roots {
		b.invalidateRoot(root)
	}
}

// invalidateRoot seeds invalidation for one package root from its change
// detector, falling back to dirtying every file-state node under no (or
// failed) detection.
func (b *Builder) invalidateRoot(root string) {
	detector := b.detectors[root]
	if detector == nil {
		b.dirtyEverything()
		return
	}
	view, err := detector.GetCurrentView()
	if err != nil {
		b.logger.Warn("change detector broken; rescanning",
			zap.String("root", root), zap.Error(err))
		delete(b.detectors, root)
		b.dirtyEverything()
		return
	}
	previous, ok := b.views[root]
	b.views[root] = view
	if !ok {
		// The first view has no predecessor; the graph is either empty or
		// populated by builds that predate detection, so rescan.
		b.dirtyEverything()
		return
	}
	diff := detector.GetDiff(previous, view)
	if diff.Everything {
		b.dirtyEverything()
		return
	}
	b.dirtyPaths(root, diff.Paths)
}

// dirtyEverything dirties every file-state node (and thus, transitively,
// every node observing the filesystem).
func (b *Builder) dirtyEverything() {
	dirtied := b.graph.DirtyFamilies(fsstate.FamilyFileState)
	b.logger.Debug("invalidated all file-state nodes", zap.Int("count", dirtied))
}

// dirtyPaths dirties the nodes whose lstat observations the diff
// invalidates: the file-states of the modified paths themselves plus the
// directory listings of the paths and their parents (creations and deletions
// change the parent's entry list without changing the parent's own state).
func (b *Builder) dirtyPaths(root string, paths []string) {
	var keys []graph.Key
	for _, path := range paths {
		if filepath.IsAbs(path) {
			// The detector couldn't relativize the path; don't guess.
			b.dirtyEverything()
			return
		}
		rooted := filesystem.NewRootedPath(root, path)
		keys = append(keys,
			fsstate.FileStateKey{Path: rooted},
			fsstate.DirectoryListingKey{Path: rooted},
			fsstate.DirectoryListingKey{Path: rooted.Dir()},
		)
	}
	dirtied := b.graph.Dirty(keys...)
	b.logger.Debug("invalidated changed paths",
		zap.String("root", root),
		zap.Int("paths", len(paths)),
		zap.Int("dirtied", dirtied),
	)
}

// Build evaluates the specified keys against the filesystem as of now.
func (b *Builder) Build(ctx context.Context, keys []graph.Key, sink evaluation.EventSink) (*evaluation.Result, error) {
	b.prepare()
	return b.evaluator.Evaluate(ctx, keys, sink)
}

// ResolveTargets resolves a target pattern sequence against the filesystem
// as of now.
func (b *Builder) ResolveTargets(
	ctx context.Context,
	rawPatterns []string,
	offset packages.Name,
	policy pattern.FilterPolicy,
	sink evaluation.EventSink,
) (*pattern.ResolvedTargets, error) {
	b.prepare()
	return pattern.ResolveSequence(ctx, b.evaluator, rawPatterns, offset, policy, sink)
}

// Close releases the builder's change-detection resources.
func (b *Builder) Close() error {
	var firstErr error
	for root, detector := range b.detectors {
		if err := detector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.detectors, root)
	}
	return firstErr
}
