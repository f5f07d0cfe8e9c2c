package pattern

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
	"github.com/mutagen-io/quarry/pkg/traversal"
)

// FamilyTargetPattern is the family tag for target-pattern nodes.
const FamilyTargetPattern = graph.Family("target-pattern")

// TargetPatternKey identifies a target-pattern node: a parsed pattern, the
// offset it was parsed against (keys with the same pattern but different
// offsets are distinct), and the exclusion set derived from subsequent
// negative patterns in the sequence being resolved.
type TargetPatternKey struct {
	// Pattern is the parsed pattern.
	Pattern Pattern
	// Offset is the package the pattern was parsed against.
	Offset packages.Name
	// Excluded is the set of directories excluded from below-directory
	// expansion.
	Excluded traversal.ExclusionSet
}

// Family implements graph.Key.Family.
func (k TargetPatternKey) Family() graph.Family {
	return FamilyTargetPattern
}

// String implements graph.Key.String.
func (k TargetPatternKey) String() string {
	result := "target-pattern:" + k.Pattern.String() + "@" + string(k.Offset)
	if !k.Excluded.IsEmpty() {
		result += "!" + strings.Join(k.Excluded.Slice(), ",")
	}
	return result
}

// TargetPatternValue is the sorted label list a pattern expands to. Pattern
// nodes may carry this value alongside a package-errors error when some of
// the expanded packages had errors; the labels then cover every target that
// did load.
type TargetPatternValue struct {
	// Labels are the expanded labels in sorted order.
	Labels []packages.Label
}

// Equal implements graph.Equaler.Equal.
func (v TargetPatternValue) Equal(other graph.Value) bool {
	o, ok := other.(TargetPatternValue)
	if !ok || len(v.Labels) != len(o.Labels) {
		return false
	}
	for i := range v.Labels {
		if v.Labels[i] != o.Labels[i] {
			return false
		}
	}
	return true
}

// TargetPatternFunction computes target-pattern nodes by expanding patterns
// against the package graph. Below-directory expansion walks
// recursive-package summaries for every configured root.
type TargetPatternFunction struct {
	// Roots are the package roots in search order.
	Roots []string
	// logger is the warning logger.
	logger *zap.Logger
}

// NewTargetPatternFunction creates a target-pattern function. A nil logger
// is replaced with a no-op logger.
func NewTargetPatternFunction(roots []string, logger *zap.Logger) *TargetPatternFunction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetPatternFunction{Roots: roots, logger: logger}
}

// Compute implements evaluation.Function.Compute.
func (f *TargetPatternFunction) Compute(_ context.Context, key graph.Key, env *evaluation.Environment) (graph.Value, error) {
	k := key.(TargetPatternKey)
	switch k.Pattern.Type {
	case TypeSingleTarget:
		return f.computeSingle(env, k.Pattern)
	case TypeTargetsInPackage:
		return f.computeInPackage(env, k.Pattern)
	case TypeTargetsBelowDirectory:
		return f.computeBelowDirectory(env, k)
	default:
		return nil, graph.NewErrorf(graph.ErrorKindInternal, "unknown pattern type %v", k.Pattern.Type)
	}
}

// loadPackage loads a package for expansion, tolerating partial packages: a
// package-errors error yields the partial package plus the error, while any
// other error yields no package. The restart flag indicates missing
// dependencies.
func loadPackage(env *evaluation.Environment, name packages.Name) (*packages.Package, *graph.Error, bool) {
	value, err := env.Get(packages.PackageKey{Package: name})
	if env.ValuesMissing() {
		return nil, nil, true
	}
	if err != nil {
		typed := graph.AsError(err)
		if typed != nil && typed.Kind == graph.ErrorKindPackageErrors && value != nil {
			return value.(packages.PackageValue).Package, typed, false
		}
		if typed == nil {
			typed = graph.WrapError(graph.ErrorKindInternal, err, "unable to load package")
		}
		return nil, typed, false
	}
	return value.(packages.PackageValue).Package, nil, false
}

// computeSingle expands a single-target pattern.
func (f *TargetPatternFunction) computeSingle(env *evaluation.Environment, pattern Pattern) (graph.Value, error) {
	pkg, pkgErr, restart := loadPackage(env, pattern.Package)
	if restart {
		return nil, nil
	}
	if pkg == nil {
		return nil, pkgErr
	}
	target, ok := pkg.Target(pattern.Target)
	if !ok {
		return nil, graph.NewErrorf(graph.ErrorKindNoSuchTarget,
			"no such target %s:%s", pattern.Package, pattern.Target)
	}
	value := TargetPatternValue{Labels: []packages.Label{target.Label(pattern.Package)}}
	if pkgErr != nil {
		return value, pkgErr
	}
	return value, nil
}

// computeInPackage expands a package wildcard. The emptiness check applies
// before filtering so that a package with only non-rule targets expands to
// an empty (but valid) rules-only result, while a genuinely empty package is
// an error regardless of policy.
func (f *TargetPatternFunction) computeInPackage(env *evaluation.Environment, pattern Pattern) (graph.Value, error) {
	pkg, pkgErr, restart := loadPackage(env, pattern.Package)
	if restart {
		return nil, nil
	}
	if pkg == nil {
		return nil, pkgErr
	}
	if len(pkg.Targets) == 0 {
		return nil, graph.NewErrorf(graph.ErrorKindNoSuchTarget,
			"no targets found in package %s", pattern.Package)
	}
	value := TargetPatternValue{Labels: filterTargets(pkg, pattern.Policy)}
	if pkgErr != nil {
		return value, pkgErr
	}
	return value, nil
}

// computeBelowDirectory expands a below-directory wildcard by walking
// recursive-package summaries for every root.
func (f *TargetPatternFunction) computeBelowDirectory(env *evaluation.Environment, key TargetPatternKey) (graph.Value, error) {
	pattern := key.Pattern

	// Enumerate packages beneath the directory across all roots,
	// deduplicating names (the first root containing a package owns it, a
	// property the per-package lookup nodes already enforce).
	found := make(map[packages.Name]bool)
	for _, root := range f.Roots {
		restart, err := f.walk(env, filesystem.NewRootedPath(root, string(pattern.Package)), key.Excluded, found)
		if restart || err != nil {
			return nil, err
		}
	}
	if len(found) == 0 {
		return nil, graph.NewErrorf(graph.ErrorKindNoSuchTarget,
			"no packages found beneath %s", pattern.Package)
	}

	// Load every found package, accumulating labels and per-package
	// problems. The expansion never fails fast: a package with errors
	// contributes its loadable targets and one reported problem.
	names := make([]packages.Name, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var labels []packages.Label
	var problems []string
	for _, name := range names {
		pkg, pkgErr, restart := loadPackage(env, name)
		if restart {
			return nil, nil
		}
		if pkgErr != nil {
			problems = append(problems, pkgErr.Message)
		}
		if pkg != nil {
			labels = append(labels, filterTargets(pkg, pattern.Policy)...)
		}
	}
	sortLabels(labels)
	value := TargetPatternValue{Labels: labels}
	if len(problems) > 0 {
		return value, graph.NewErrorf(graph.ErrorKindPackageErrors,
			"errors expanding %s: %s", pattern, strings.Join(problems, "; "))
	}
	return value, nil
}

// walk recursively visits recursive-package summaries beneath a directory,
// recording found package names. The restart flag indicates missing
// dependencies.
func (f *TargetPatternFunction) walk(
	env *evaluation.Environment,
	path filesystem.RootedPath,
	excluded traversal.ExclusionSet,
	found map[packages.Name]bool,
) (bool, error) {
	value, err := env.Get(traversal.RecursivePackageKey{Path: path, Excluded: excluded})
	if env.ValuesMissing() {
		return true, nil
	}
	if err != nil {
		// Traversal failures have already been reduced to warnings by the
		// recursive-package function; anything surfacing here is engine
		// trouble and propagates.
		return false, err
	}
	summary := value.(traversal.RecursivePackageValue)
	if summary.IsPackage {
		found[packages.Name(path.Relative)] = true
	}

	// Visit children in sorted order for deterministic restarts.
	children := make([]string, 0, len(summary.Subdirectories))
	for name, contains := range summary.Subdirectories {
		if contains {
			children = append(children, name)
		}
	}
	sort.Strings(children)
	for _, name := range children {
		childPath := path.Join(name)
		if restart, err := f.walk(env, childPath, excluded.Beneath(childPath.Relative), found); restart || err != nil {
			return restart, err
		}
	}
	return false, nil
}

// filterTargets applies a filter policy to a package's targets, returning
// sorted labels.
func filterTargets(pkg *packages.Package, policy FilterPolicy) []packages.Label {
	labels := make([]packages.Label, 0, len(pkg.Targets))
	for _, name := range pkg.TargetNames() {
		target := pkg.Targets[name]
		if policy == FilterRulesOnly && !target.Rule {
			continue
		}
		labels = append(labels, target.Label(pkg.Name))
	}
	return labels
}

// sortLabels sorts labels by package and target.
func sortLabels(labels []packages.Label) {
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Package != labels[j].Package {
			return labels[i].Package < labels[j].Package
		}
		return labels[i].Target < labels[j].Target
	})
}
