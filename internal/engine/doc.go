// Package engine models builders and their stages, resolves stage
// selectors (including the ALL wildcard), sequences the selected
// stages, and drives a two-phase check-then-run execution.
package engine
