package engine

import (
	"fmt"
	"strings"
)

// Wildcard half of a stage selector.
const All = "ALL"

// A qualified stage reference: builder name and unqualified stage name.
// Either half may be the ALL wildcard in selector position.
type Ref struct {
	Builder string
	Stage   string
}

// Parses a "builder:stage" selector.
func ParseRef(s string) (Ref, error) {
	builder, stage, ok := strings.Cut(s, ":")
	if !ok || builder == "" || stage == "" {
		return Ref{}, fmt.Errorf("%w: malformed stage selector %q (want builder:stage)", ErrConfig, s)
	}
	return Ref{Builder: builder, Stage: stage}, nil
}

func (r Ref) String() string {
	return r.Builder + ":" + r.Stage
}

// Reports whether either half is the ALL wildcard.
func (r Ref) wildcard() bool {
	return r.Builder == All || r.Stage == All
}

// Reports whether the selector matches the concrete reference. Wildcard
// halves match anything; concrete halves must match exactly.
func (r Ref) matches(concrete Ref) bool {
	if r.Builder != All && r.Builder != concrete.Builder {
		return false
	}
	if r.Stage != All && r.Stage != concrete.Stage {
		return false
	}
	return true
}
