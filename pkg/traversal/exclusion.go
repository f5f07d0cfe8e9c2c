package traversal

import (
	"sort"
	"strings"
)

// ExclusionSet is an immutable set of workspace-relative directory paths
// excluded from a traversal. It is represented as a canonical string (sorted,
// deduplicated, NUL-joined) so that it can participate in key equality: two
// traversals with the same exclusions share nodes regardless of the order in
// which the exclusions were supplied.
type ExclusionSet string

// exclusionSeparator joins entries within the canonical representation.
const exclusionSeparator = "\x00"

// NewExclusionSet creates an exclusion set from the specified paths.
func NewExclusionSet(paths ...string) ExclusionSet {
	if len(paths) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)
	return ExclusionSet(strings.Join(sorted, exclusionSeparator))
}

// IsEmpty returns true for the empty set.
func (s ExclusionSet) IsEmpty() bool {
	return s == ""
}

// Slice returns the set's entries in sorted order.
func (s ExclusionSet) Slice() []string {
	if s == "" {
		return nil
	}
	return strings.Split(string(s), exclusionSeparator)
}

// Contains returns true if the exact path is in the set.
func (s ExclusionSet) Contains(path string) bool {
	for _, entry := range s.Slice() {
		if entry == path {
			return true
		}
	}
	return false
}

// Beneath returns the subset of entries strictly beneath the specified
// directory path. Passing a traversal's full exclusion set to every child
// would make sibling exclusions part of each child's identity and defeat
// cache sharing across queries that exclude unrelated siblings, so each
// recursion step narrows the set to what can still matter.
func (s ExclusionSet) Beneath(path string) ExclusionSet {
	if s == "" {
		return s
	}
	prefix := path + "/"
	var beneath []string
	for _, entry := range s.Slice() {
		if strings.HasPrefix(entry, prefix) {
			beneath = append(beneath, entry)
		}
	}
	return NewExclusionSet(beneath...)
}
