// Package filesystem provides the filesystem abstraction consumed by the
// file-state node layer: lstat-based metadata, symbolic link reading, sorted
// directory listings, content digesting, and the rooted path representation
// that file-observing nodes are keyed on.
package filesystem
