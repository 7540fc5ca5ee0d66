package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/embersoc/ember/internal/builders"
	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/paths"
)

// Represents the 'ember build' command.
type BuildCmd struct {
	Stages []string `arg:"" optional:"" help:"Stage selectors of the form builder:stage. Either half may be ALL. Defaults to ALL:ALL."`
}

// Executes the build command.
//
// Resolves the requested selectors against the graph of enabled
// builders, sequences the result, and runs it through the two-phase
// check-then-run controller.
func (c *BuildCmd) Run(ctx context.Context) error {
	selectors := c.Stages
	if len(selectors) == 0 {
		selectors = []string{"ALL:ALL"}
	}

	g, err := loadGraph(slog.Default())
	if err != nil {
		return err
	}

	refs, err := g.Select(selectors)
	if err != nil {
		return err
	}
	entries, err := g.Sequence(refs)
	if err != nil {
		return err
	}
	return engine.Run(ctx, slog.Default(), entries)
}

// Loads the configuration and constructs the stage graph from every
// enabled builder.
func loadGraph(log *slog.Logger) (*engine.Graph, error) {
	path := configPath()
	log.Debug("loading configuration", "config", path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	bp, err := paths.New(cfg.SourcesDirectory, cfg.BuildDirectory, cfg.OutputDirectory)
	if err != nil {
		return nil, err
	}
	// Start each invocation with a fresh process log directory.
	if err := os.RemoveAll(bp.LogDir()); err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(allBuilders))
	for _, b := range allBuilders {
		enabled[b.Name()] = !cfg.Builder(b.Name()).Disabled
	}

	env := &builders.Env{
		Config:  cfg,
		Paths:   bp,
		Log:     log,
		Enabled: func(name string) bool { return enabled[name] },
	}

	var graphed []engine.Builder
	for _, b := range allBuilders {
		if !enabled[b.Name()] {
			log.Debug("builder disabled by configuration", "builder", b.Name())
			continue
		}
		if err := b.Configure(env); err != nil {
			return nil, err
		}
		graphed = append(graphed, b)
	}
	return engine.NewGraph(graphed...)
}
