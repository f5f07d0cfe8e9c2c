package traversal

import (
	"context"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"go.uber.org/zap"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/fsstate"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
)

// FamilyTraversal is the family tag for file traversal nodes.
const FamilyTraversal = graph.Family("traversal")

// TraversalKey identifies a file traversal node by its request record.
type TraversalKey struct {
	// Request is the traversal request.
	Request Request
}

// Family implements graph.Key.Family.
func (k TraversalKey) Family() graph.Family {
	return FamilyTraversal
}

// String implements graph.Key.String.
func (k TraversalKey) String() string {
	return "traversal:" + k.Request.String()
}

// TraversalValue is the sorted set of files collected by a traversal.
type TraversalValue struct {
	// Files are the collected rooted paths, sorted by relative path.
	Files []filesystem.RootedPath
}

// Equal implements graph.Equaler.Equal.
func (v TraversalValue) Equal(other graph.Value) bool {
	o, ok := other.(TraversalValue)
	if !ok || len(v.Files) != len(o.Files) {
		return false
	}
	for i := range v.Files {
		if v.Files[i] != o.Files[i] {
			return false
		}
	}
	return true
}

// TraversalFunction computes file traversal nodes: the files beneath (or at)
// a path, subject to the request's boundary mode and name pattern. Like the
// recursive-package traversal it swallows subtree failures with warnings;
// the single exception is the report-error boundary mode, whose boundary
// violations are real errors.
type TraversalFunction struct {
	// logger is the warning logger.
	logger *zap.Logger
}

// NewTraversalFunction creates a traversal function. A nil logger is
// replaced with a no-op logger.
func NewTraversalFunction(logger *zap.Logger) *TraversalFunction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraversalFunction{logger: logger}
}

// Compute implements evaluation.Function.Compute.
func (f *TraversalFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	request := key.(TraversalKey).Request
	empty := TraversalValue{}

	stateValue, err := env.Get(fsstate.FileStateKey{Path: request.Path})
	if err != nil {
		f.warn(request, "unable to observe path", err)
		return empty, nil
	}
	if env.ValuesMissing() {
		return nil, nil
	}

	switch state := stateValue.(fsstate.FileStateValue); state.Type {
	case filesystem.FileTypeNonexistent, filesystem.FileTypeOther:
		return empty, nil
	case filesystem.FileTypeFile:
		return f.collect(request, request.Path), nil
	case filesystem.FileTypeSymlink:
		// Generated symbolic links are collected as-is; source symbolic
		// links are collected only when they resolve to a regular file,
		// so dangling or cyclic links and links to directories are
		// skipped.
		if request.IsGenerated {
			return f.collect(request, request.Path), nil
		}
		resolvedValue, err := env.Get(fsstate.FileKey{Path: request.Path})
		if err != nil {
			f.warn(request, "unable to resolve symbolic link", err)
			return empty, nil
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		resolved := resolvedValue.(fsstate.FileValue)
		if resolved.Type != filesystem.FileTypeFile {
			return empty, nil
		}
		return f.collect(request, request.Path), nil
	}

	// The path is a directory: apply the subpackage check, then recurse.
	if !request.SkipSubpackageCheck {
		if pkg, valid := packageNameFor(request.Path); valid {
			lookupValue, err := env.Get(packages.PackageLookupKey{Package: pkg})
			if err != nil {
				f.warn(request, "unable to check for subpackage", err)
			} else if env.ValuesMissing() {
				return nil, nil
			} else if lookupValue.(packages.PackageLookupValue).Exists {
				switch request.CrossBoundaries {
				case DontCrossPackageBoundaries:
					return empty, nil
				case ReportPackageBoundaries:
					message := "traversal crossed the boundary of package " + pkg.String()
					if request.ErrorContext != "" {
						message = request.ErrorContext + ": " + message
					}
					return nil, graph.NewError(graph.ErrorKindPackageErrors, message)
				}
			}
		}
	}

	listingValue, err := env.Get(fsstate.DirectoryListingKey{Path: request.Path})
	if err != nil {
		f.warn(request, "unable to list directory", err)
		return empty, nil
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	listing := listingValue.(fsstate.DirectoryListingValue)

	var childKeys []graph.Key
	for _, entry := range listing.Entries {
		child := request
		child.Path = request.Path.Join(entry.Name)
		child.SkipSubpackageCheck = false
		childKeys = append(childKeys, TraversalKey{Request: child})
	}
	childValues, childErrs := env.GetMany(childKeys)
	if env.ValuesMissing() {
		return nil, nil
	}

	var files []filesystem.RootedPath
	for i, childValue := range childValues {
		if childErrs[i] != nil {
			// Boundary errors must propagate; everything else is a
			// swallowed subtree failure.
			if request.CrossBoundaries == ReportPackageBoundaries &&
				graph.KindOf(childErrs[i]) == graph.ErrorKindPackageErrors {
				return nil, childErrs[i]
			}
			f.warn(request, "unable to traverse subtree", childErrs[i])
			continue
		}
		files = append(files, childValue.(TraversalValue).Files...)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Relative < files[j].Relative
	})
	return TraversalValue{Files: files}, nil
}

// collect produces the traversal value for a single matched file, applying
// the request's name pattern.
func (f *TraversalFunction) collect(request Request, path filesystem.RootedPath) TraversalValue {
	if request.NamePattern != "" {
		if matched, _ := doublestar.Match(request.NamePattern, path.Base()); !matched {
			return TraversalValue{}
		}
	}
	return TraversalValue{Files: []filesystem.RootedPath{path}}
}

// warn logs a swallowed subtree failure.
func (f *TraversalFunction) warn(request Request, message string, err error) {
	f.logger.Warn(message,
		zap.String("path", request.Path.String()),
		zap.String("context", request.ErrorContext),
		zap.Error(err),
	)
}
