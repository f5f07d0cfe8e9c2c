package fsstate

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyFile is the family tag for file nodes.
const FamilyFile = graph.Family("file")

// MaximumSymlinkHops is the cap on symbolic link chain length during file
// resolution. It matches the Linux kernel's ELOOP limit; a chain exceeding it
// is reported as a symlink cycle even if it never actually revisits a path.
const MaximumSymlinkHops = 40

// FileKey identifies the file node for a rooted path: the result of
// following any symbolic link chain starting at the path.
type FileKey struct {
	// Path is the starting rooted path.
	Path filesystem.RootedPath
}

// Family implements graph.Key.Family.
func (k FileKey) Family() graph.Family {
	return FamilyFile
}

// String implements graph.Key.String.
func (k FileKey) String() string {
	return "file:" + k.Path.String()
}

// FileValue is the result of resolving a rooted path through any symbolic
// links: the resolved path, its (non-symlink) type, and the chain of
// intermediate links traversed. If resolution dead-ends at a nonexistent
// path, the type is nonexistent and the resolved path is the dangling
// location.
type FileValue struct {
	// Path is the resolved rooted path.
	Path filesystem.RootedPath
	// Type is the resolved path's type. It is never a symbolic link.
	Type filesystem.FileType
	// Chain lists the intermediate symbolic links traversed during
	// resolution, in order, excluding the resolved path itself.
	Chain []filesystem.RootedPath
}

// Exists returns true if resolution terminated at an existing path.
func (v FileValue) Exists() bool {
	return v.Type != filesystem.FileTypeNonexistent
}

// Equal implements graph.Equaler.Equal.
func (v FileValue) Equal(other graph.Value) bool {
	o, ok := other.(FileValue)
	if !ok {
		return false
	}
	if v.Path != o.Path || v.Type != o.Type || len(v.Chain) != len(o.Chain) {
		return false
	}
	for i := range v.Chain {
		if v.Chain[i] != o.Chain[i] {
			return false
		}
	}
	return true
}

// FileFunction computes file nodes by iteratively requesting the file-state
// of each path along the symbolic link chain. Cycles are detected both by a
// visited set and by the hop cap.
type FileFunction struct{}

// Compute implements evaluation.Function.Compute.
func (f *FileFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	current := key.(FileKey).Path
	var chain []filesystem.RootedPath
	visited := make(map[filesystem.RootedPath]bool)

	for hops := 0; ; hops++ {
		if hops >= MaximumSymlinkHops {
			return nil, graph.NewErrorf(graph.ErrorKindSymlinkCycle,
				"symbolic link chain at %s exceeds %d hops", key.(FileKey).Path, MaximumSymlinkHops)
		}
		if visited[current] {
			return nil, graph.NewErrorf(graph.ErrorKindSymlinkCycle,
				"symbolic link cycle at %s via %s", key.(FileKey).Path, current)
		}
		visited[current] = true

		value, err := env.Get(FileStateKey{Path: current})
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		state := value.(FileStateValue)
		if !state.IsSymlink() {
			return FileValue{Path: current, Type: state.Type, Chain: chain}, nil
		}
		chain = append(chain, current)
		current = resolveTarget(current, state.SymlinkTarget)
	}
}

// resolveTarget computes the rooted path a symbolic link points at. Relative
// targets resolve against the link's parent directory and stay under the
// link's root when they don't escape it. Targets that escape the root
// (absolute targets outside it, or relative targets with enough parent
// references) resolve under the degenerate filesystem root, keeping them
// observable while preserving the (root, relative) keying discipline.
func resolveTarget(origin filesystem.RootedPath, target string) filesystem.RootedPath {
	if !filepath.IsAbs(target) {
		base := path.Dir(origin.Relative)
		if base == "." {
			base = ""
		}
		joined := path.Join(base, filepath.ToSlash(target))
		if joined == "." {
			joined = ""
		}
		if joined != ".." && !strings.HasPrefix(joined, "../") {
			return filesystem.RootedPath{Root: origin.Root, Relative: joined}
		}
		// The relative target escapes the root: resolve it absolutely.
		target = filepath.Clean(filepath.Join(origin.Root, filepath.FromSlash(joined)))
	}

	clean := filepath.Clean(target)
	root := filepath.Clean(origin.Root)
	if clean == root {
		return filesystem.RootedPath{Root: root}
	}
	if strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return filesystem.RootedPath{
			Root:     root,
			Relative: filepath.ToSlash(strings.TrimPrefix(clean, root+string(filepath.Separator))),
		}
	}
	return filesystem.RootedPath{
		Root:     string(filepath.Separator),
		Relative: filepath.ToSlash(strings.TrimPrefix(clean, string(filepath.Separator))),
	}
}
