package fsstate

import (
	"context"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyDirectoryListing is the family tag for directory-listing nodes.
const FamilyDirectoryListing = graph.Family("directory-listing")

// DirectoryListingKey identifies the directory-listing node for a rooted
// path.
type DirectoryListingKey struct {
	// Path is the listed rooted path.
	Path filesystem.RootedPath
}

// Family implements graph.Key.Family.
func (k DirectoryListingKey) Family() graph.Family {
	return FamilyDirectoryListing
}

// String implements graph.Key.String.
func (k DirectoryListingKey) String() string {
	return "directory-listing:" + k.Path.String()
}

// DirectoryListingValue is the sorted entry list of a directory. The
// byte-wise lexicographic ordering is part of the observable contract:
// consumers enumerate entries in a stable order for reproducibility.
type DirectoryListingValue struct {
	// Entries is the sorted entry list, excluding "." and "..".
	Entries []filesystem.Entry
}

// Equal implements graph.Equaler.Equal.
func (v DirectoryListingValue) Equal(other graph.Value) bool {
	o, ok := other.(DirectoryListingValue)
	if !ok || len(v.Entries) != len(o.Entries) {
		return false
	}
	for i := range v.Entries {
		if v.Entries[i] != o.Entries[i] {
			return false
		}
	}
	return true
}

// DirectoryListingFunction computes directory-listing nodes. A listing
// depends only on the file-state of its own rooted path (and, for symbolic
// links to directories, on the file node that resolves them); the file-states
// of individual children are demanded lazily by consumers that need them.
type DirectoryListingFunction struct {
	// Filesystem is the filesystem to observe.
	Filesystem filesystem.Filesystem
}

// Compute implements evaluation.Function.Compute.
func (f *DirectoryListingFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	path := key.(DirectoryListingKey).Path

	// Establish what the path is. Listing through a symbolic link to a
	// directory is allowed; listing any other non-directory is an error.
	value, err := env.Get(FileStateKey{Path: path})
	if err != nil {
		return nil, err
	}
	if env.ValuesMissing() {
		return nil, nil
	}
	state := value.(FileStateValue)
	if state.IsSymlink() {
		resolved, err := env.Get(FileKey{Path: path})
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		if resolved.(FileValue).Type != filesystem.FileTypeDirectory {
			return nil, graph.NewErrorf(graph.ErrorKindNotADirectory,
				"cannot list %s: symbolic link does not resolve to a directory", path)
		}
	} else if !state.IsDirectory() {
		return nil, graph.NewErrorf(graph.ErrorKindNotADirectory,
			"cannot list %s: not a directory", path)
	}

	// Read the listing through the original path; the operating system
	// performs any final symbolic link traversal.
	entries, err := f.Filesystem.DirectoryContents(path.Absolute())
	if err != nil {
		return nil, graph.WrapError(graph.ErrorKindIO, err, "unable to list "+path.String())
	}
	return DirectoryListingValue{Entries: entries}, nil
}
