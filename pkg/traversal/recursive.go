package traversal

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/fsstate"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
)

// FamilyRecursivePackage is the family tag for recursive-package nodes.
const FamilyRecursivePackage = graph.Family("recursive-package")

// RecursivePackageKey identifies the recursive-package node for a directory
// and exclusion set. The exclusion set participates in identity, but each
// recursion step narrows it to the entries beneath the child, so unrelated
// exclusions don't fragment the cache.
type RecursivePackageKey struct {
	// Path is the traversed directory.
	Path filesystem.RootedPath
	// Excluded is the set of workspace-relative directories excluded from
	// the traversal.
	Excluded ExclusionSet
}

// Family implements graph.Key.Family.
func (k RecursivePackageKey) Family() graph.Family {
	return FamilyRecursivePackage
}

// String implements graph.Key.String.
func (k RecursivePackageKey) String() string {
	if k.Excluded.IsEmpty() {
		return "recursive-package:" + k.Path.String()
	}
	return "recursive-package:" + k.Path.String() + "!" + strings.Join(k.Excluded.Slice(), ",")
}

// RecursivePackageValue summarizes package presence beneath a directory: a
// flag indicating whether the directory is itself a package, and a map from
// each immediate subdirectory name to whether it transitively contains a
// package. This is the structural summary that target-pattern expansion
// consumes to enumerate packages.
type RecursivePackageValue struct {
	// IsPackage indicates that the directory itself is a package rooted at
	// the traversal's root.
	IsPackage bool
	// Subdirectories maps each traversed immediate subdirectory name to
	// whether it transitively contains a package.
	Subdirectories map[string]bool
}

// TransitivelyContainsPackage returns true if the directory or anything
// beneath it is a package.
func (v RecursivePackageValue) TransitivelyContainsPackage() bool {
	if v.IsPackage {
		return true
	}
	for _, contains := range v.Subdirectories {
		if contains {
			return true
		}
	}
	return false
}

// Equal implements graph.Equaler.Equal.
func (v RecursivePackageValue) Equal(other graph.Value) bool {
	o, ok := other.(RecursivePackageValue)
	if !ok || v.IsPackage != o.IsPackage || len(v.Subdirectories) != len(o.Subdirectories) {
		return false
	}
	for name, contains := range v.Subdirectories {
		if otherContains, ok := o.Subdirectories[name]; !ok || contains != otherContains {
			return false
		}
	}
	return true
}

// defaultTopLevelExclusions lists directory names never traversed at the root
// of a package root, chiefly version control metadata.
var defaultTopLevelExclusions = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// RecursivePackageFunction computes recursive-package nodes. Subtree failures
// of any kind are logged as warnings and contribute empty subtrees: a single
// stale symbolic link must not poison a recursive query, so the traversal
// never fails fast.
type RecursivePackageFunction struct {
	// logger is the warning logger.
	logger *zap.Logger
}

// NewRecursivePackageFunction creates a recursive-package function. A nil
// logger is replaced with a no-op logger.
func NewRecursivePackageFunction(logger *zap.Logger) *RecursivePackageFunction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecursivePackageFunction{logger: logger}
}

// Compute implements evaluation.Function.Compute.
func (f *RecursivePackageFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	k := key.(RecursivePackageKey)
	empty := RecursivePackageValue{}

	// Establish that the path is a plain directory. Anything else (files,
	// nonexistent paths, and notably symbolic links, which are not followed
	// to prevent traversal loops) yields the empty value rather than an
	// error.
	stateValue, err := env.Get(fsstate.FileStateKey{Path: k.Path})
	if err != nil {
		f.warn(k.Path, "unable to observe directory", err)
		return empty, nil
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	if state := stateValue.(fsstate.FileStateValue); !state.IsDirectory() {
		return empty, nil
	}

	// Determine whether the directory is itself a package. A package under
	// a different root means "the package lives elsewhere": this directory
	// isn't it, but subdirectory recursion continues regardless.
	result := RecursivePackageValue{Subdirectories: make(map[string]bool)}
	pkg, validName := packageNameFor(k.Path)
	if validName {
		lookupValue, err := env.Get(packages.PackageLookupKey{Package: pkg})
		if err != nil {
			f.warn(k.Path, "unable to look up package", err)
		} else if env.ValuesMissing() {
			return nil, nil
		} else if lookup := lookupValue.(packages.PackageLookupValue); lookup.Exists && lookup.Root == k.Path.Root {
			result.IsPackage = true
			// Force the package load so that its errors surface during
			// traversal rather than at first use. A package with errors
			// is still a package.
			if _, err := env.Get(packages.PackageKey{Package: pkg}); err != nil {
				if graph.KindOf(err) != graph.ErrorKindPackageErrors {
					f.warn(k.Path, "unable to load package", err)
				}
			}
			if env.ValuesMissing() {
				return nil, nil
			}
		}
	}

	// List the directory and recurse into child directories.
	listingValue, err := env.Get(fsstate.DirectoryListingKey{Path: k.Path})
	if err != nil {
		f.warn(k.Path, "unable to list directory", err)
		return result, nil
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	listing := listingValue.(fsstate.DirectoryListingValue)

	var childNames []string
	var childKeys []graph.Key
	for _, entry := range listing.Entries {
		if entry.Type != filesystem.FileTypeDirectory {
			continue
		}
		if k.Path.IsRoot() && defaultTopLevelExclusions[entry.Name] {
			continue
		}
		childPath := k.Path.Join(entry.Name)
		if k.Excluded.Contains(childPath.Relative) {
			continue
		}
		childNames = append(childNames, entry.Name)
		childKeys = append(childKeys, RecursivePackageKey{
			Path:     childPath,
			Excluded: k.Excluded.Beneath(childPath.Relative),
		})
	}
	childValues, childErrs := env.GetMany(childKeys)
	if env.ValuesMissing() {
		return nil, nil
	}
	for i, name := range childNames {
		if childErrs[i] != nil {
			f.warn(k.Path.Join(name), "unable to traverse subdirectory", childErrs[i])
			result.Subdirectories[name] = false
			continue
		}
		result.Subdirectories[name] = childValues[i].(RecursivePackageValue).TransitivelyContainsPackage()
	}
	return result, nil
}

// warn logs a swallowed subtree failure.
func (f *RecursivePackageFunction) warn(path filesystem.RootedPath, message string, err error) {
	f.logger.Warn(message,
		zap.String("path", path.String()),
		zap.Error(err),
	)
}

// packageNameFor derives the package name a directory would have, reporting
// false for directories whose relative paths aren't valid package names.
func packageNameFor(path filesystem.RootedPath) (packages.Name, bool) {
	name, err := packages.ParseName(path.Relative)
	if err != nil {
		return "", false
	}
	return name, true
}
