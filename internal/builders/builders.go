package builders

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/embersoc/ember/internal/bypass"
	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/execute"
	"github.com/embersoc/ember/internal/patch"
	"github.com/embersoc/ember/internal/paths"
	"github.com/embersoc/ember/internal/source"
	"github.com/embersoc/ember/internal/state"
)

// File name of the per-builder state store inside the build workspace.
const stateFileName = ".ember-state.json"

// Shared construction inputs for every builder.
type Env struct {
	Config *config.Config
	Paths  *paths.BuildPaths // Shared roots, not specialized to a builder.
	Log    *slog.Logger

	// Reports whether the named builder participates in this run. Used to
	// drop cross-builder requirements on disabled builders.
	Enabled func(name string) bool
}

// One concrete builder. Configure runs after CLI parsing and before any
// stage executes; Stages must not be called before Configure.
type Builder interface {
	engine.Builder
	Configure(env *Env) error
}

// Contributes CLI flags. Builders implementing this have their Flags
// value registered with the argument parser before parsing; the parsed
// values are visible by the time Configure runs.
type FlagSource interface {
	Flags() any
}

// Returns every builder known to the tool, in declaration order.
func All() []Builder {
	return []Builder{
		NewFSBL(),
		NewPMU(),
		NewATF(),
		NewUBoot(),
		NewKernel(),
		NewDTB(),
		NewRootFS(),
		NewBootImg(),
	}
}

// Common infrastructure shared by all builders: specialized paths, the
// builder's state store, source importer, and bypass resolver.
type base struct {
	name string
	desc string

	env   *Env
	paths *paths.BuildPaths
	state *state.File
	im    *source.Importer
	byp   *bypass.Resolver
	log   *slog.Logger
}

func (b *base) Name() string        { return b.name }
func (b *base) Description() string { return b.desc }

func (b *base) configure(env *Env) error {
	p, err := env.Paths.Respecialize(b.name)
	if err != nil {
		return err
	}
	b.env = env
	b.paths = p
	b.log = env.Log.With("builder", b.name)
	b.state = state.Open(filepath.Join(p.Build, stateFileName))
	b.im = &source.Importer{Sources: p.Sources, Build: p.Build, Log: b.log}
	b.byp = &bypass.Resolver{Builder: b.name, Paths: p, Log: b.log}
	return nil
}

// Creates a patcher caching into the builder's build workspace.
func (b *base) patcher() (*patch.Patcher, error) {
	return patch.New(filepath.Join(b.paths.Build, "patches"), b.im, b.log, b.paths.LogDir())
}

// Runs an external tool inside dir, failing on a non-zero exit.
func (b *base) tool(ctx context.Context, stage, dir string, args ...string) error {
	res, err := execute.Run(ctx, execute.Cmd{
		Args:    args,
		Dir:     dir,
		Log:     b.log,
		LogDir:  b.paths.LogDir(),
		LogName: b.name + ":" + stage,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with status %d (log: %s)", args[0], res.ExitCode, res.LogFile)
	}
	return nil
}

// Copies a finished build product into the builder's output directory.
func (b *base) export(src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	dst := filepath.Join(b.paths.Output, name)
	if err := os.WriteFile(dst, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	b.log.Info("exported artifact", "artifact", name)
	return nil
}

// Wraps an artifact-producing run function with the bypass check. When a
// bypass bundle is present the bundle is extracted into the output
// directory instead of running fn.
func (b *base) bypassable(fn engine.RunFunc) engine.RunFunc {
	return func(ctx context.Context) error {
		done, err := b.byp.Run(ctx, true)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		return fn(ctx)
	}
}

// Wraps a preparatory run function so it becomes a no-op when the
// builder is bypassed.
func (b *base) skippable(fn engine.RunFunc) engine.RunFunc {
	return func(ctx context.Context) error {
		done, err := b.byp.Run(ctx, false)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		return fn(ctx)
	}
}

// Returns the clean and distclean stages every builder carries. Both are
// excluded from ALL wildcards so they only run when named.
func (b *base) cleanStages() []*engine.Stage {
	return []*engine.Stage{
		{
			Name:        "clean",
			Description: "Remove the build workspace.",
			Run: func(ctx context.Context) error {
				return b.reset(b.paths.Build)
			},
		},
		{
			Name:        "distclean",
			Description: "Remove the build workspace and all outputs.",
			Run: func(ctx context.Context) error {
				if err := b.reset(b.paths.Build); err != nil {
					return err
				}
				return b.reset(b.paths.Output)
			},
		},
	}
}

// Empties dir and recreates it, dropping any state store kept inside.
func (b *base) reset(dir string) error {
	b.log.Info("removing directory", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return err
	}
	if dir == b.paths.Build {
		b.state = state.Open(filepath.Join(dir, stateFileName))
	}
	return nil
}

// Reports whether other participates in this run.
func (b *base) enabled(other string) bool {
	if b.env.Enabled == nil {
		return true
	}
	return b.env.Enabled(other)
}
