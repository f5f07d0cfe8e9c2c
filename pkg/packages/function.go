package packages

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/fsstate"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyPackage is the family tag for package nodes.
const FamilyPackage = graph.Family("package")

// PackageKey identifies the package node for a package name.
type PackageKey struct {
	// Package is the package name.
	Package Name
}

// Family implements graph.Key.Family.
func (k PackageKey) Family() graph.Family {
	return FamilyPackage
}

// String implements graph.Key.String.
func (k PackageKey) String() string {
	return "package:" + string(k.Package)
}

// PackageFunction computes package nodes: it locates the package's definition
// file through the lookup node, reads and parses it, expands file-group globs
// against the package's directory listing, and records file-state
// dependencies on every observed file. A definition file that parses with
// problems still yields its parseable targets: the node carries the partial
// package alongside a package-errors error.
type PackageFunction struct {
	// Filesystem is the filesystem used for definition file reads.
	Filesystem filesystem.Filesystem
}

// Compute implements evaluation.Function.Compute.
func (f *PackageFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	pkg := key.(PackageKey).Package

	// Locate the definition file.
	lookupValue, err := env.Get(PackageLookupKey{Package: pkg})
	if err != nil {
		return nil, err
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	lookup := lookupValue.(PackageLookupValue)
	if !lookup.Exists {
		return nil, graph.NewErrorf(graph.ErrorKindPackageNotFound, "no such package %s", pkg)
	}

	// Resolve the definition file through any symbolic links, then observe
	// the resolved file's state.
	definitionPath := lookup.DefinitionPath(pkg)
	resolvedValue, err := env.Get(fsstate.FileKey{Path: definitionPath})
	if err != nil {
		return nil, err
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	resolved := resolvedValue.(fsstate.FileValue)
	if resolved.Type != filesystem.FileTypeFile {
		return nil, graph.NewErrorf(graph.ErrorKindInconsistentFilesystem,
			"definition file %s is no longer a regular file", definitionPath)
	}
	stateValue, err := env.Get(fsstate.FileStateKey{Path: resolved.Path})
	if err != nil {
		return nil, err
	}
	if env.ValuesMissing() {
		return nil, nil
	}

	// Read and parse the definition file.
	contents, err := fsstate.ReadFile(f.Filesystem, resolved.Path, stateValue.(fsstate.FileStateValue))
	if err != nil {
		return nil, err
	}
	parsed := parseDefinition(contents, pkg)

	// Assemble the package, expanding file-group globs against the package
	// directory listing.
	result := &Package{
		Name:              pkg,
		Targets:           make(map[string]*Target),
		DefaultVisibility: parsed.defaultVisibility,
	}
	for _, directive := range parsed.rules {
		if _, ok := result.Targets[directive.name]; ok {
			parsed.problem(directive.line, "duplicate target %q", directive.name)
			continue
		}
		result.Targets[directive.name] = &Target{
			Name:    directive.name,
			Kind:    directive.kind,
			Rule:    true,
			Deps:    directive.deps,
			Sources: directive.sources,
		}
	}
	if len(parsed.groups) > 0 {
		if restart, err := f.expandGroups(env, lookup, pkg, parsed, result); restart || err != nil {
			return nil, err
		}
	}

	// Record file-state dependencies on every declared source so that
	// source changes invalidate the package.
	if restart, err := f.observeSources(env, lookup, pkg, result); restart || err != nil {
		return nil, err
	}

	value := PackageValue{Package: result}
	if len(parsed.problems) > 0 {
		descriptions := make([]string, 0, len(parsed.problems))
		for _, problem := range parsed.problems {
			descriptions = append(descriptions, problem.String())
		}
		return value, graph.NewErrorf(graph.ErrorKindPackageErrors,
			"package %s has errors: %s", pkg, strings.Join(descriptions, "; "))
	}
	return value, nil
}

// expandGroups expands file-group directives against the package directory
// listing, adding the resulting targets. The first return value indicates
// that dependencies are missing and the computation must restart.
func (f *PackageFunction) expandGroups(
	env *evaluation.Environment,
	lookup PackageLookupValue, pkg Name,
	parsed *definitionFile, result *Package,
) (bool, error) {
	listingValue, err := env.Get(fsstate.DirectoryListingKey{
		Path: filesystem.NewRootedPath(lookup.Root, string(pkg)),
	})
	if err != nil {
		return false, err
	}
	if env.ValuesMissing() {
		return true, nil
	}
	listing := listingValue.(fsstate.DirectoryListingValue)

	for _, directive := range parsed.groups {
		if _, ok := result.Targets[directive.name]; ok {
			parsed.problem(directive.line, "duplicate target %q", directive.name)
			continue
		}
		var sources []string
		for _, entry := range listing.Entries {
			if entry.Type != filesystem.FileTypeFile && entry.Type != filesystem.FileTypeSymlink {
				continue
			}
			for _, pattern := range directive.patterns {
				if matched, _ := doublestar.Match(pattern, entry.Name); matched {
					sources = append(sources, entry.Name)
					break
				}
			}
		}
		sort.Strings(sources)
		result.Targets[directive.name] = &Target{
			Name:    directive.name,
			Kind:    "files",
			Sources: sources,
		}
	}
	return false, nil
}

// observeSources records file-state dependencies for every source named by
// the package's targets. The first return value indicates that dependencies
// are missing and the computation must restart.
func (f *PackageFunction) observeSources(
	env *evaluation.Environment,
	lookup PackageLookupValue, pkg Name,
	result *Package,
) (bool, error) {
	var keys []graph.Key
	seen := make(map[string]bool)
	for _, name := range result.TargetNames() {
		for _, source := range result.Targets[name].Sources {
			if seen[source] || strings.Contains(source, ":") {
				continue
			}
			seen[source] = true
			keys = append(keys, fsstate.FileStateKey{
				Path: filesystem.NewRootedPath(lookup.Root, path.Join(string(pkg), source)),
			})
		}
	}
	if len(keys) == 0 {
		return false, nil
	}
	_, errs := env.GetMany(keys)
	if env.ValuesMissing() {
		return true, nil
	}
	for i, err := range errs {
		if err != nil {
			return false, graph.WrapError(graph.ErrorKindIO, err,
				fmt.Sprintf("unable to observe source %s", keys[i]))
		}
	}
	return false, nil
}
