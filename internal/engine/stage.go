package engine

import "context"

// Verifies that the conditions for a stage hold. A false return with a
// nil error means the condition is unmet but diagnosable; the reason is
// expected to have been logged already.
type CheckFunc func(ctx context.Context) (bool, error)

// Performs the work of a stage.
type RunFunc func(ctx context.Context) error

// One unit of buildable work owned by a builder.
//
// Requires, After, and Before hold raw selectors ("builder:stage", with
// the stage half allowed to be relative to the owning builder as a bare
// name). Requires pulls stages into the run set; After and Before only
// constrain ordering among stages already selected.
type Stage struct {
	Name        string
	Description string

	Check CheckFunc
	Run   RunFunc

	Requires []string
	After    []string
	Before   []string

	// Whether the stage is picked up by an ALL stage wildcard.
	// Stages like clean set this false so they only run when asked
	// for by name.
	IncludeInAll bool
}

// A named collection of stages. Builders are registered with a Graph,
// which resolves inter-stage references across all of them.
type Builder interface {
	Name() string
	Description() string
	Stages() []*Stage
}
