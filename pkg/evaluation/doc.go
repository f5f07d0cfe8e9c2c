// Package evaluation provides the keyed, demand-driven, parallel graph
// evaluator: function registration by key family, the environment through
// which functions request dependency values, restart-on-missing-dependency
// scheduling, version-based change pruning, cycle detection, and keep-going
// versus fail-fast error policies.
package evaluation
