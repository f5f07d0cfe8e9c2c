// Package fsstate provides the filesystem node families: file-state nodes
// backed by a single lstat observation, file nodes that resolve symbolic link
// chains, directory-listing nodes, the external-path policy that decides how
// paths outside the package roots are tracked, and the per-build sentinel
// that forces external-mutable paths to be re-observed on every build.
package fsstate
