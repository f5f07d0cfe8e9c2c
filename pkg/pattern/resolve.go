package pattern

import (
	"context"
	"sort"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
	"github.com/mutagen-io/quarry/pkg/traversal"
)

// Problem records a pattern that failed to parse or expand during sequence
// resolution.
type Problem struct {
	// Pattern is the raw pattern text.
	Pattern string
	// Err is the failure.
	Err error
}

// ResolvedTargets is the outcome of resolving a pattern sequence: the final
// target set plus every problem encountered along the way. Problems never
// abort resolution; the graph is fully populated for every pattern the
// sequence could have meant.
type ResolvedTargets struct {
	// Targets is the final sorted target set.
	Targets []packages.Label
	// Problems lists the patterns that failed, in sequence order.
	Problems []Problem
}

// AnyProblem returns true if any pattern failed.
func (r *ResolvedTargets) AnyProblem() bool {
	return len(r.Problems) > 0
}

// parsedEntry pairs a raw pattern with its parse result.
type parsedEntry struct {
	raw     string
	pattern Pattern
	key     TargetPatternKey
}

// ResolveSequence resolves a pattern sequence left to right: positive
// patterns add targets, negative patterns subtract them, and later negations
// win over earlier additions. Unparseable or failing patterns are recorded
// as problems and the remaining patterns still resolve. An empty sequence
// yields an empty result, not an error.
//
// Negative below-directory patterns additionally narrow the expansion of the
// positive below-directory patterns that precede them, so that traversals
// skip excluded subtrees entirely instead of expanding and discarding them;
// the exclusion sets are narrowed per pattern to keep node sharing high.
func ResolveSequence(
	ctx context.Context,
	evaluator *evaluation.Evaluator,
	rawPatterns []string,
	offset packages.Name,
	policy FilterPolicy,
	sink evaluation.EventSink,
) (*ResolvedTargets, error) {
	result := &ResolvedTargets{}

	// Parse the sequence, recording problems without aborting.
	entries := make([]*parsedEntry, 0, len(rawPatterns))
	for _, raw := range rawPatterns {
		parsed, err := Parse(raw, offset, policy)
		if err != nil {
			result.Problems = append(result.Problems, Problem{Pattern: raw, Err: err})
			continue
		}
		entries = append(entries, &parsedEntry{raw: raw, pattern: parsed})
	}

	// Derive exclusion sets: each positive below-directory pattern excludes
	// the directories of the negative below-directory patterns that follow
	// it in the sequence (restricted to its own subtree by the usual
	// narrowing).
	for i, entry := range entries {
		var excluded []string
		if entry.pattern.Type == TypeTargetsBelowDirectory && !entry.pattern.Negative {
			for _, later := range entries[i+1:] {
				if later.pattern.Negative && later.pattern.Type == TypeTargetsBelowDirectory &&
					entry.pattern.Package.Contains(later.pattern.Package) &&
					later.pattern.Package != entry.pattern.Package {
					excluded = append(excluded, string(later.pattern.Package))
				}
			}
		}
		entry.key = TargetPatternKey{
			Pattern:  entry.pattern,
			Offset:   offset,
			Excluded: traversal.NewExclusionSet(excluded...),
		}
	}

	// Evaluate every positive pattern in a single pass. Negative patterns
	// need no evaluation: they subtract from the accumulated set by name.
	var keys []graph.Key
	for _, entry := range entries {
		if !entry.pattern.Negative {
			keys = append(keys, entry.key)
		}
	}
	var evaluated *evaluation.Result
	if len(keys) > 0 {
		var err error
		evaluated, err = evaluator.Evaluate(ctx, keys, sink)
		if err != nil {
			return nil, err
		}
	}

	// Fold the sequence left to right.
	accumulated := make(map[packages.Label]bool)
	for _, entry := range entries {
		if entry.pattern.Negative {
			subtract(accumulated, entry.pattern)
			continue
		}
		if err := evaluated.Error(entry.key); err != nil {
			result.Problems = append(result.Problems, Problem{Pattern: entry.raw, Err: err})
			if err.Recovered == nil {
				continue
			}
		}
		if value := evaluated.Value(entry.key); value != nil {
			for _, label := range value.(TargetPatternValue).Labels {
				accumulated[label] = true
			}
		}
	}

	// Produce the sorted target set.
	result.Targets = make([]packages.Label, 0, len(accumulated))
	for label := range accumulated {
		result.Targets = append(result.Targets, label)
	}
	sort.Slice(result.Targets, func(i, j int) bool {
		if result.Targets[i].Package != result.Targets[j].Package {
			return result.Targets[i].Package < result.Targets[j].Package
		}
		return result.Targets[i].Target < result.Targets[j].Target
	})
	return result, nil
}

// subtract removes the labels matched by a negative pattern from the
// accumulated set.
func subtract(accumulated map[packages.Label]bool, pattern Pattern) {
	switch pattern.Type {
	case TypeSingleTarget:
		delete(accumulated, packages.Label{Package: pattern.Package, Target: pattern.Target})
	case TypeTargetsInPackage:
		for label := range accumulated {
			if label.Package == pattern.Package {
				delete(accumulated, label)
			}
		}
	case TypeTargetsBelowDirectory:
		for label := range accumulated {
			if pattern.Package.Contains(label.Package) {
				delete(accumulated, label)
			}
		}
	}
}
