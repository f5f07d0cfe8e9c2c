package fsstate

import (
	"path/filepath"
	"strings"

	"github.com/mutagen-io/quarry/pkg/filesystem"
)

// PathClass classifies a rooted path relative to the configured package roots
// and declared immutable directories.
type PathClass uint8

const (
	// PathClassInternal indicates a path under a package root. Internal
	// file-states are invalidated precisely by the change detector.
	PathClassInternal PathClass = iota
	// PathClassExternalImmutable indicates a path under a declared
	// immutable directory (e.g. a content-addressed cache of fetched
	// dependencies). Such paths are assumed not to change within the
	// process lifetime and take no per-build dependency.
	PathClassExternalImmutable
	// PathClassExternalMutable indicates a path outside both sets. Such
	// paths depend on the per-build sentinel so that they are re-observed
	// on every build.
	PathClassExternalMutable
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (c PathClass) MarshalText() ([]byte, error) {
	var result string
	switch c {
	case PathClassInternal:
		result = "internal"
	case PathClassExternalImmutable:
		result = "external-immutable"
	case PathClassExternalMutable:
		result = "external-mutable"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// String returns a human-readable representation of the path class.
func (c PathClass) String() string {
	text, _ := c.MarshalText()
	return string(text)
}

// ExternalPathPolicy classifies paths at dependency-recording time. It is
// immutable after construction and safe for concurrent use.
type ExternalPathPolicy struct {
	// packageRoots are the cleaned package root directories.
	packageRoots []string
	// immutableDirectories are the cleaned declared-immutable directories.
	immutableDirectories []string
	// Strict makes external-mutable references typed errors instead of
	// sentinel dependencies.
	Strict bool
}

// NewExternalPathPolicy creates a policy over the specified package roots and
// immutable directories.
func NewExternalPathPolicy(packageRoots, immutableDirectories []string, strict bool) *ExternalPathPolicy {
	policy := &ExternalPathPolicy{Strict: strict}
	for _, root := range packageRoots {
		policy.packageRoots = append(policy.packageRoots, filepath.Clean(root))
	}
	for _, directory := range immutableDirectories {
		policy.immutableDirectories = append(policy.immutableDirectories, filepath.Clean(directory))
	}
	return policy
}

// ClassifyAbsolute classifies an absolute path.
func (p *ExternalPathPolicy) ClassifyAbsolute(path string) PathClass {
	path = filepath.Clean(path)
	for _, root := range p.packageRoots {
		if pathWithin(path, root) {
			return PathClassInternal
		}
	}
	for _, directory := range p.immutableDirectories {
		if pathWithin(path, directory) {
			return PathClassExternalImmutable
		}
	}
	return PathClassExternalMutable
}

// Classify classifies a rooted path by its absolute resolution.
func (p *ExternalPathPolicy) Classify(path filesystem.RootedPath) PathClass {
	return p.ClassifyAbsolute(path.Absolute())
}

// pathWithin returns true if path is directory or lies beneath it.
func pathWithin(path, directory string) bool {
	return path == directory ||
		strings.HasPrefix(path, directory+string(filepath.Separator))
}
