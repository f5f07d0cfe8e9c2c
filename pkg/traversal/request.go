package traversal

import (
	"fmt"

	"github.com/mutagen-io/quarry/pkg/filesystem"
)

// CrossBoundaryMode controls how a file traversal behaves when it reaches a
// subdirectory that is itself a package.
type CrossBoundaryMode uint8

const (
	// CrossPackageBoundaries continues the traversal into subpackages.
	CrossPackageBoundaries CrossBoundaryMode = iota
	// DontCrossPackageBoundaries stops at subpackages, contributing empty
	// subtrees for them.
	DontCrossPackageBoundaries
	// ReportPackageBoundaries makes reaching a subpackage a typed error.
	ReportPackageBoundaries
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (m CrossBoundaryMode) MarshalText() ([]byte, error) {
	var result string
	switch m {
	case CrossPackageBoundaries:
		result = "cross"
	case DontCrossPackageBoundaries:
		result = "dont-cross"
	case ReportPackageBoundaries:
		result = "report-error"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// String returns a human-readable representation of the mode.
func (m CrossBoundaryMode) String() string {
	text, _ := m.MarshalText()
	return string(text)
}

// Request describes a single file traversal. Two requests are equal if and
// only if all of their fields are equal, which makes Request usable directly
// as a key payload.
type Request struct {
	// Path is the traversal root.
	Path filesystem.RootedPath
	// IsGenerated indicates that the traversal covers generated outputs
	// rather than source files. Generated symbolic links are collected
	// as-is; source symbolic links are resolved and collected only when
	// they resolve to a regular file.
	IsGenerated bool
	// CrossBoundaries controls subpackage handling.
	CrossBoundaries CrossBoundaryMode
	// SkipSubpackageCheck suppresses the subpackage check for the
	// traversal's own root. Recursion into subdirectories always
	// re-enables the check.
	SkipSubpackageCheck bool
	// NamePattern is an optional glob pattern applied to file base names.
	// An empty pattern matches everything.
	NamePattern string
	// ErrorContext is an optional context string included in reported
	// boundary errors.
	ErrorContext string
}

// String returns a human-readable representation of the request.
func (r Request) String() string {
	return fmt.Sprintf(
		"%s[generated=%t,boundaries=%s,skip-check=%t,pattern=%q]",
		r.Path, r.IsGenerated, r.CrossBoundaries, r.SkipSubpackageCheck, r.NamePattern,
	)
}
