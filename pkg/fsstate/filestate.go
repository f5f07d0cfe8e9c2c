package fsstate

import (
	"context"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// FamilyFileState is the family tag for file-state nodes.
const FamilyFileState = graph.Family("file-state")

// FileStateKey identifies the file-state node for a rooted path. There is one
// file-state node (and thus at most one lstat) per rooted path per build.
type FileStateKey struct {
	// Path is the observed rooted path.
	Path filesystem.RootedPath
}

// Family implements graph.Key.Family.
func (k FileStateKey) Family() graph.Family {
	return FamilyFileState
}

// String implements graph.Key.String.
func (k FileStateKey) String() string {
	return "file-state:" + k.Path.String()
}

// FingerprintKind identifies how a regular file's content fingerprint was
// obtained.
type FingerprintKind uint8

const (
	// FingerprintNone indicates no fingerprint (non-file variants).
	FingerprintNone FingerprintKind = iota
	// FingerprintDigest indicates a fast content digest provided by the
	// filesystem.
	FingerprintDigest
	// FingerprintProxy indicates a (size, modification time, file ID)
	// proxy. For non-empty files the modification time is forced to -1 so
	// that content comparison never degrades to timestamp comparison.
	FingerprintProxy
)

// Fingerprint captures the content identity of a regular file.
type Fingerprint struct {
	// Kind indicates how the fingerprint was obtained.
	Kind FingerprintKind
	// Digest is the content digest for FingerprintDigest.
	Digest filesystem.Digest
	// Size is the file size in bytes for FingerprintProxy.
	Size uint64
	// ModificationTimeNanos is the modification time in nanoseconds for
	// FingerprintProxy, forced to -1 for non-empty files.
	ModificationTimeNanos int64
	// FileID is the filesystem-specific file identifier for
	// FingerprintProxy.
	FileID uint64
}

// FileStateValue is the result of a single lstat observation of a rooted
// path: its variant (regular file, directory, symbolic link, or nonexistent)
// plus a content fingerprint for regular files and the raw target fragment
// for symbolic links. The variant never reflects symlink following.
type FileStateValue struct {
	// Type is the lstat variant.
	Type filesystem.FileType
	// Size is the size in bytes for regular files.
	Size uint64
	// Fingerprint is the content fingerprint for regular files.
	Fingerprint Fingerprint
	// SymlinkTarget is the link target fragment for symbolic links.
	SymlinkTarget string
}

// IsDirectory returns true for the directory variant.
func (v FileStateValue) IsDirectory() bool {
	return v.Type == filesystem.FileTypeDirectory
}

// IsSymlink returns true for the symbolic link variant.
func (v FileStateValue) IsSymlink() bool {
	return v.Type == filesystem.FileTypeSymlink
}

// Exists returns true for any variant other than nonexistent.
func (v FileStateValue) Exists() bool {
	return v.Type != filesystem.FileTypeNonexistent
}

// FileStateFunction computes file-state nodes. Its only inputs are a single
// lstat observation (plus a readlink for symbolic links and an optional fast
// digest for regular files) and, for external-mutable paths, the per-build
// sentinel that forces re-observation on every build.
type FileStateFunction struct {
	// Filesystem is the filesystem to observe.
	Filesystem filesystem.Filesystem
	// Policy classifies paths relative to the package roots.
	Policy *ExternalPathPolicy
}

// Compute implements evaluation.Function.Compute.
func (f *FileStateFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	path := key.(FileStateKey).Path

	// External-mutable paths are assumed to change at any time, so their
	// observations are tied to the per-build sentinel; in strict mode they
	// are rejected outright. External-immutable paths are assumed stable
	// for the process lifetime and take no extra dependency, and internal
	// paths are invalidated precisely by the change detector.
	if f.Policy.Classify(path) == PathClassExternalMutable {
		if f.Policy.Strict {
			return nil, graph.NewErrorf(graph.ErrorKindIO,
				"path %s lies outside the package roots and declared immutable directories", path)
		}
		if _, err := env.Get(BuildSentinelKey{}); err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
	}

	// Observe the path. Nonexistence is a first-class variant, not an
	// error.
	metadata, err := f.Filesystem.Lstat(path.Absolute())
	if err != nil {
		return nil, graph.WrapError(graph.ErrorKindIO, err, "unable to observe "+path.String())
	}

	switch metadata.Type {
	case filesystem.FileTypeNonexistent:
		return FileStateValue{Type: filesystem.FileTypeNonexistent}, nil
	case filesystem.FileTypeDirectory:
		return FileStateValue{Type: filesystem.FileTypeDirectory}, nil
	case filesystem.FileTypeSymlink:
		target, err := f.Filesystem.Readlink(path.Absolute())
		if err != nil {
			return nil, graph.WrapError(graph.ErrorKindIO, err, "unable to read link "+path.String())
		}
		return FileStateValue{Type: filesystem.FileTypeSymlink, SymlinkTarget: target}, nil
	case filesystem.FileTypeFile:
		fingerprint, err := f.fingerprint(path, metadata)
		if err != nil {
			return nil, err
		}
		return FileStateValue{
			Type:        filesystem.FileTypeFile,
			Size:        metadata.Size,
			Fingerprint: fingerprint,
		}, nil
	default:
		return nil, graph.NewErrorf(graph.ErrorKindIO, "unsupported file type at %s", path)
	}
}

// fingerprint computes the content fingerprint for a regular file.
func (f *FileStateFunction) fingerprint(path filesystem.RootedPath, metadata filesystem.Metadata) (Fingerprint, error) {
	// Prefer a fast digest if the filesystem provides one.
	if digest, ok, err := f.Filesystem.FastDigest(path.Absolute()); err != nil {
		return Fingerprint{}, graph.WrapError(graph.ErrorKindIO, err, "unable to digest "+path.String())
	} else if ok {
		return Fingerprint{Kind: FingerprintDigest, Digest: digest}, nil
	}

	// Fall back to the metadata proxy. The modification time of non-empty
	// files is forced to -1: their identity is established by size and file
	// ID alone, never by timestamp, so that spurious timestamp updates
	// don't invalidate downstream nodes.
	modificationTime := metadata.ModificationTime.UnixNano()
	if metadata.Size > 0 {
		modificationTime = -1
	}
	return Fingerprint{
		Kind:                  FingerprintProxy,
		Size:                  metadata.Size,
		ModificationTimeNanos: modificationTime,
		FileID:                metadata.FileID,
	}, nil
}
