// Package graph provides the key, value, and error model for the build graph,
// along with the in-memory node store that tracks dependency edges, node
// versions, and invalidation state. It does not perform any evaluation itself;
// scheduling and function invocation are provided by the evaluation package.
package graph
