// Package pattern provides target pattern parsing and resolution: single
// targets, package wildcards, below-directory wildcards, and negative
// patterns, expanded against the package graph through the recursive-package
// summaries. Pattern sequences resolve left to right with keep-going
// semantics so that one bad pattern never hides the rest.
package pattern
