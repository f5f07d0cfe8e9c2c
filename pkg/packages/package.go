package packages

import (
	"sort"

	"github.com/mutagen-io/quarry/pkg/graph"
)

// Target is a single named target within a package: either a rule (declared
// with a kind and attributes) or a file group (declared over globs).
type Target struct {
	// Name is the target's name within its package.
	Name string
	// Kind is the rule kind, or "files" for file groups.
	Kind string
	// Rule indicates whether the target is a rule (as opposed to a file
	// group).
	Rule bool
	// Deps are the target's declared dependencies.
	Deps []Label
	// Sources are the target's source file names, package-relative.
	Sources []string
}

// Label returns the target's label within the specified package.
func (t *Target) Label(pkg Name) Label {
	return Label{Package: pkg, Target: t.Name}
}

// equal compares two targets structurally.
func (t *Target) equal(other *Target) bool {
	if t.Name != other.Name || t.Kind != other.Kind || t.Rule != other.Rule {
		return false
	}
	if len(t.Deps) != len(other.Deps) || len(t.Sources) != len(other.Sources) {
		return false
	}
	for i := range t.Deps {
		if t.Deps[i] != other.Deps[i] {
			return false
		}
	}
	for i := range t.Sources {
		if t.Sources[i] != other.Sources[i] {
			return false
		}
	}
	return true
}

// Package is the in-memory representation of a parsed package: a mapping from
// target name to target plus package-level attributes. Packages are immutable
// once constructed.
type Package struct {
	// Name is the package name.
	Name Name
	// Targets maps target names to targets.
	Targets map[string]*Target
	// DefaultVisibility is the package's default visibility declaration.
	DefaultVisibility []Label
}

// Target returns the named target, if present.
func (p *Package) Target(name string) (*Target, bool) {
	target, ok := p.Targets[name]
	return target, ok
}

// TargetNames returns the package's target names in sorted order.
func (p *Package) TargetNames() []string {
	names := make([]string, 0, len(p.Targets))
	for name := range p.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PackageValue is the value of a package node. Package nodes may carry this
// value alongside a package-errors error, in which case it holds the partial
// package and consumers may still read its targets.
type PackageValue struct {
	// Package is the parsed (possibly partial) package.
	Package *Package
}

// Equal implements graph.Equaler.Equal.
func (v PackageValue) Equal(other graph.Value) bool {
	o, ok := other.(PackageValue)
	if !ok {
		return false
	}
	a, b := v.Package, o.Package
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Name != b.Name || len(a.Targets) != len(b.Targets) ||
		len(a.DefaultVisibility) != len(b.DefaultVisibility) {
		return false
	}
	for i := range a.DefaultVisibility {
		if a.DefaultVisibility[i] != b.DefaultVisibility[i] {
			return false
		}
	}
	for name, target := range a.Targets {
		otherTarget, ok := b.Targets[name]
		if !ok || !target.equal(otherTarget) {
			return false
		}
	}
	return true
}
