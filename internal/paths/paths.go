package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Content of the cache directory tag written into a fresh build root.
//
// The signature line is fixed by the cachedir spec (http://bford.info/cachedir/)
// and tells backup tools to skip the tree.
const cacheDirTag = `Signature: 8a477f597d28d172789f06886806bc55
# This file is a cache directory tag created by ember.
# For information about cache directory tags, see:
#	http://bford.info/cachedir/
`

// Directory roots for one build invocation.
//
// Sources is the user-supplied sources directory and is shared by every
// builder. BuildRoot and OutputRoot are shared parents; Build and Output are
// the per-builder subdirectories, equal to the roots when the paths are not
// specialized to a builder.
type BuildPaths struct {
	Sources    string // User sources directory (read-only inputs).
	BuildRoot  string // Root of all build workspaces.
	Build      string // This builder's build workspace.
	OutputRoot string // Root of all output directories.
	Output     string // This builder's output directory.
}

// Creates the root build paths, establishing the build root on disk.
//
// A CACHEDIR.TAG file is written when the build root is first created so
// backup tools skip the workspace.
func New(sources, buildRoot, outputRoot string) (*BuildPaths, error) {
	if _, err := os.Stat(buildRoot); os.IsNotExist(err) {
		if err := os.MkdirAll(buildRoot, DefaultDirMode); err != nil {
			return nil, fmt.Errorf("create build root: %w", err)
		}
		tag := filepath.Join(buildRoot, "CACHEDIR.TAG")
		if err := os.WriteFile(tag, []byte(cacheDirTag), DefaultFileMode); err != nil {
			return nil, fmt.Errorf("write cache tag: %w", err)
		}
	}

	if err := os.MkdirAll(outputRoot, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}

	return &BuildPaths{
		Sources:    sources,
		BuildRoot:  buildRoot,
		Build:      buildRoot,
		OutputRoot: outputRoot,
		Output:     outputRoot,
	}, nil
}

// Returns a copy of the paths specialized to the named builder.
//
// The builder's build workspace and output directory are created on demand.
// Respecializing an already-specialized BuildPaths rebases on the shared
// roots, so builders can reach each other's declared outputs.
func (p *BuildPaths) Respecialize(builder string) (*BuildPaths, error) {
	out := &BuildPaths{
		Sources:    p.Sources,
		BuildRoot:  p.BuildRoot,
		Build:      filepath.Join(p.BuildRoot, builder),
		OutputRoot: p.OutputRoot,
		Output:     filepath.Join(p.OutputRoot, builder),
	}

	if err := os.MkdirAll(out.Build, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("create build workspace for %s: %w", builder, err)
	}
	if err := os.MkdirAll(out.Output, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("create output directory for %s: %w", builder, err)
	}

	return out, nil
}

// Returns the shared directory for persisted process logs.
func (p *BuildPaths) LogDir() string {
	return filepath.Join(p.OutputRoot, "logs")
}
