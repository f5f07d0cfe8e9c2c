package filesystem

import (
	"path/filepath"
	"strings"
)

// RootedPath is a (root, relative) pair identifying a filesystem location
// relative to a workspace search path entry. Equality is field equality: two
// rooted paths with the same absolute resolution but different roots are
// distinct, so that changing the search path order yields different nodes.
// The relative component is slash-separated, cleaned, and empty for the root
// itself.
type RootedPath struct {
	// Root is the absolute path of the root.
	Root string
	// Relative is the root-relative path, or empty for the root itself.
	Relative string
}

// NewRootedPath creates a rooted path, panicking on payloads that no valid
// caller can construct: an empty or non-absolute root, an absolute relative
// component, or a relative component that escapes the root.
func NewRootedPath(root, relative string) RootedPath {
	if root == "" || !filepath.IsAbs(root) {
		panic("rooted path with empty or non-absolute root")
	}
	if relative != "" {
		if strings.HasPrefix(relative, "/") {
			panic("rooted path with absolute relative component")
		}
		relative = filepath.ToSlash(filepath.Clean(relative))
		if relative == "." {
			relative = ""
		} else if relative == ".." || strings.HasPrefix(relative, "../") {
			panic("rooted path escaping its root")
		}
	}
	return RootedPath{Root: filepath.Clean(root), Relative: relative}
}

// Join returns the rooted path for a child of this path. The name must be a
// single non-empty path component.
func (p RootedPath) Join(name string) RootedPath {
	if name == "" || strings.ContainsRune(name, '/') {
		panic("invalid path component")
	}
	if p.Relative == "" {
		return RootedPath{Root: p.Root, Relative: name}
	}
	return RootedPath{Root: p.Root, Relative: p.Relative + "/" + name}
}

// Dir returns the rooted path of this path's parent directory. The parent of
// the root is the root itself.
func (p RootedPath) Dir() RootedPath {
	index := strings.LastIndexByte(p.Relative, '/')
	if index == -1 {
		return RootedPath{Root: p.Root}
	}
	return RootedPath{Root: p.Root, Relative: p.Relative[:index]}
}

// Base returns the final component of the path, or empty for the root.
func (p RootedPath) Base() string {
	index := strings.LastIndexByte(p.Relative, '/')
	if index == -1 {
		return p.Relative
	}
	return p.Relative[index+1:]
}

// IsRoot returns true if the path refers to the root itself.
func (p RootedPath) IsRoot() bool {
	return p.Relative == ""
}

// Absolute returns the path's absolute filesystem location.
func (p RootedPath) Absolute() string {
	if p.Relative == "" {
		return p.Root
	}
	return filepath.Join(p.Root, filepath.FromSlash(p.Relative))
}

// String returns a human-readable representation of the rooted path. The root
// is included because it participates in identity.
func (p RootedPath) String() string {
	return p.Root + ":" + p.Relative
}
