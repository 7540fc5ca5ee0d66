package cli

import (
	"context"
	"fmt"
	"log/slog"
)

// Represents the 'ember stages' command.
type StagesCmd struct{}

// Executes the stages command.
//
// Prints every enabled builder and its stages. Stages excluded from ALL
// wildcards are shown in parentheses.
func (c *StagesCmd) Run(ctx context.Context) error {
	g, err := loadGraph(slog.Default())
	if err != nil {
		return err
	}

	last := ""
	for _, ref := range g.Refs() {
		if ref.Builder != last {
			last = ref.Builder
			b := g.Builder(ref.Builder)
			fmt.Printf("%s: %s\n", b.Name(), b.Description())
		}
		stage, _ := g.Stage(ref)
		name := stage.Name
		if !stage.IncludeInAll {
			name = "(" + name + ")"
		}
		if stage.Description != "" {
			fmt.Printf("  %-16s %s\n", name, stage.Description)
		} else {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}
