package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Executes a sequenced run plan in two phases. First every stage's
// Check runs; all failures are collected and reported together so a
// misconfigured run aborts before any work starts. A check that returns
// an error counts as a failed check and does not stop the remaining
// checks from running. Then the stages run in order, stopping at the
// first failure.
func Run(ctx context.Context, log *slog.Logger, entries []Entry) error {
	var unmet []string
	for _, e := range entries {
		if e.Stage.Check == nil {
			continue
		}
		ok, err := e.Stage.Check(ctx)
		if err != nil {
			log.Error("check failed", "stage", e.Ref.String(), "error", err)
			ok = false
		}
		if !ok {
			unmet = append(unmet, e.Ref.String())
		}
	}
	if len(unmet) > 0 {
		return fmt.Errorf("%w for %s", ErrCheck, strings.Join(unmet, ", "))
	}

	total := len(entries)
	for i, e := range entries {
		log.Info("running stage", "stage", e.Ref.String(), "step", i+1, "total", total)
		if e.Stage.Run == nil {
			continue
		}
		if err := e.Stage.Run(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStage, e.Ref, err)
		}
	}
	return nil
}
