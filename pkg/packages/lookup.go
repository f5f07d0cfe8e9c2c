package packages

import (
	"context"
	"path"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/fsstate"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyPackageLookup is the family tag for package-lookup nodes.
const FamilyPackageLookup = graph.Family("package-lookup")

// DefaultDefinitionNames lists the definition file names consulted within a
// package directory, in priority order.
var DefaultDefinitionNames = []string{"BUILD.quarry", "BUILD"}

// PackageLookupKey identifies the package-lookup node for a package name.
type PackageLookupKey struct {
	// Package is the looked-up package name.
	Package Name
}

// Family implements graph.Key.Family.
func (k PackageLookupKey) Family() graph.Family {
	return FamilyPackageLookup
}

// String implements graph.Key.String.
func (k PackageLookupKey) String() string {
	return "package-lookup:" + string(k.Package)
}

// PackageLookupValue is the result of scanning the configured roots for a
// package's definition file. Absence is a first-class result, not an error;
// the package node converts it to a typed error when the package is actually
// demanded.
type PackageLookupValue struct {
	// Exists indicates whether a definition file was found.
	Exists bool
	// Root is the root containing the definition file.
	Root string
	// DefinitionName is the definition file's name within the package
	// directory.
	DefinitionName string
}

// DefinitionPath returns the rooted path of the found definition file.
func (v PackageLookupValue) DefinitionPath(pkg Name) filesystem.RootedPath {
	return filesystem.NewRootedPath(v.Root, path.Join(string(pkg), v.DefinitionName))
}

// PackageLookupFunction computes package-lookup nodes by scanning each
// configured root in order and, within a root, each definition file name in
// order. The scan order is contractual: the first root containing a
// definition file owns the package, so changing the root order changes
// lookup results (and, because paths are keyed by root, the affected nodes).
type PackageLookupFunction struct {
	// Roots are the package roots in search order.
	Roots []string
	// DefinitionNames are the definition file names in priority order. An
	// empty slice resolves to DefaultDefinitionNames.
	DefinitionNames []string
}

// definitionNames resolves the configured definition file names.
func (f *PackageLookupFunction) definitionNames() []string {
	if len(f.DefinitionNames) > 0 {
		return f.DefinitionNames
	}
	return DefaultDefinitionNames
}

// Compute implements evaluation.Function.Compute.
func (f *PackageLookupFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	pkg := key.(PackageLookupKey).Package

	// Request every candidate definition file in a single batch so that a
	// single restart suffices, then apply the ordering.
	names := f.definitionNames()
	keys := make([]graph.Key, 0, len(f.Roots)*len(names))
	for _, root := range f.Roots {
		for _, name := range names {
			keys = append(keys, fsstate.FileKey{
				Path: filesystem.NewRootedPath(root, path.Join(string(pkg), name)),
			})
		}
	}
	values, errs := env.GetMany(keys)
	if env.ValuesMissing() {
		return nil, nil
	}

	index := 0
	for _, root := range f.Roots {
		for _, name := range names {
			value, err := values[index], errs[index]
			index++
			if err != nil {
				return nil, graph.WrapError(graph.ErrorKindIO, err,
					"unable to probe definition file under "+root)
			}
			if resolved := value.(fsstate.FileValue); resolved.Exists() &&
				resolved.Type == filesystem.FileTypeFile {
				return PackageLookupValue{Exists: true, Root: root, DefinitionName: name}, nil
			}
		}
	}
	return PackageLookupValue{}, nil
}
