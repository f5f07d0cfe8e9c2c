// Package traversal provides recursive directory traversal over the
// filesystem node layer: the recursive-package family that summarizes package
// presence beneath a directory (consumed by target-pattern expansion), and a
// generic file traversal family that collects files beneath a directory while
// respecting package boundaries. Both traversals deliberately swallow
// subtree I/O failures (logging warnings) so that a single stale path cannot
// poison a recursive query. The recursive-package traversal narrows its
// exclusion set per child to keep cache sharing high across queries with
// unrelated exclusions; the file traversal has no exclusion set.
package traversal
