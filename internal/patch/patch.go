package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/embersoc/ember/internal/execute"
	"github.com/embersoc/ember/internal/paths"
	"github.com/embersoc/ember/internal/source"
)

var ErrPatch = errors.New("patch failed")

// Manages an ordered, named set of patches for one source tree.
//
// Patches are imported into a dedicated cache directory under zero-padded
// sequence-number prefixes so replay order is deterministic and visible on
// disk. Cached patches no longer part of the requested set are removed.
type Patcher struct {
	cacheDir string
	im       *source.Importer
	log      *slog.Logger
	logDir   string

	set []string // Cached patch paths, in application order.
}

// Creates a patcher caching into cacheDir.
//
// The importer resolves patch references; logDir receives persisted output
// from patch tool invocations.
func New(cacheDir string, im *source.Importer, log *slog.Logger, logDir string) (*Patcher, error) {
	if err := os.MkdirAll(cacheDir, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", ErrPatch, err)
	}
	return &Patcher{cacheDir: cacheDir, im: im, log: log, logDir: logDir}, nil
}

// Imports the given patch references into the cache, in order, and removes
// any cached patch not in the set. Reports whether anything changed: a new,
// modified, or removed patch.
//
// Each imported patch must parse as a unified diff; a malformed patch is
// rejected here rather than failing mid-application later.
func (p *Patcher) Import(ctx context.Context, refs []string) (bool, error) {
	changed := false
	p.set = nil

	active := make(map[string]bool, len(refs))
	for seq, ref := range refs {
		name := fmt.Sprintf("%04d_%s", seq, filepath.Base(ref))
		target := filepath.Join(p.cacheDir, name)

		imported, err := p.im.Import(ctx, ref, target, source.Options{})
		if err != nil {
			return false, err
		}
		if imported {
			if err := p.validate(target); err != nil {
				return false, err
			}
			changed = true
		}

		p.set = append(p.set, target)
		active[name] = true
	}

	entries, err := os.ReadDir(p.cacheDir)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPatch, err)
	}
	for _, e := range entries {
		if active[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(p.cacheDir, e.Name())); err != nil {
			return false, fmt.Errorf("%w: remove stale patch %s: %v", ErrPatch, e.Name(), err)
		}
		p.log.Debug("removed stale cached patch", "name", e.Name())
		changed = true
	}

	return changed, nil
}

// Replays the active patch set against the target source tree, in filename
// order.
//
// A patch that fails to apply cleanly is fatal, naming the offending file.
// Exit status 2 from patch(1) is a tool invocation failure and is reported
// separately from a patch that was tried and rejected.
func (p *Patcher) Apply(ctx context.Context, targetDir string) error {
	for i, cached := range p.set {
		name := filepath.Base(cached)
		p.log.Info(fmt.Sprintf("applying patch (%d/%d) %s", i+1, len(p.set), name))

		res, err := execute.Run(ctx, execute.Cmd{
			Args:    []string{"patch", "-tNp1", "-d", targetDir, "-i", cached},
			Log:     p.log,
			LogDir:  p.logDir,
			LogName: "patch",
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPatch, err)
		}
		switch res.ExitCode {
		case 0:
		case 1:
			return fmt.Errorf("%w: patch %s did not apply correctly", ErrPatch, name)
		default:
			return fmt.Errorf("%w: `patch` failed to execute correctly (status %d)", ErrPatch, res.ExitCode)
		}
	}
	return nil
}

// Checks that a cached patch parses as a unified diff, logging how many
// files it touches.
func (p *Patcher) validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatch, err)
	}
	files, err := diff.ParseMultiFileDiff(data)
	if err != nil || len(files) == 0 {
		return fmt.Errorf("%w: %s is not a readable unified diff", ErrPatch, filepath.Base(path))
	}
	p.log.Debug("validated patch", "name", filepath.Base(path), "files", len(files))
	return nil
}
