package engine

import "errors"

var (
	// A requested or required stage reference does not exist, or stage
	// declarations are inconsistent. Reported before any stage runs.
	ErrConfig = errors.New("configuration error")

	// One or more stage preconditions were unmet during the check phase.
	ErrCheck = errors.New("conditions not met")

	// A stage's run action failed. Remaining stages do not execute.
	ErrStage = errors.New("stage failed")
)
