package builders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/source"

	"github.com/opencontainers/go-digest"
)

// Builds the root filesystem using buildroot.
//
// Sources come from a buildroot release version or an explicit source
// URL. The user's saved configuration (rootfs.config) is imported by
// content hash, same as the kernel and U-Boot builders.
type RootFS struct {
	base

	opts struct {
		Version   string   `yaml:"version"`
		SourceURL string   `yaml:"sourceurl"`
		Patches   []string `yaml:"patches"`
	}

	flags struct {
		RootfsJobs int `help:"Parallel make jobs for the rootfs build." placeholder:"N"`
	}
}

// Contributes the rootfs builder's CLI flags.
func (b *RootFS) Flags() any { return &b.flags }

func NewRootFS() *RootFS {
	b := &RootFS{}
	b.name = "rootfs"
	b.desc = "Build the root filesystem using buildroot."
	return b
}

func (b *RootFS) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	return env.Config.Builder(b.name).Decode(&b.opts)
}

func (b *RootFS) Stages() []*engine.Stage {
	stages := []*engine.Stage{
		{
			Name:         "fetch",
			Description:  "Download or copy the buildroot sources.",
			Check:        b.check,
			Run:          b.skippable(b.fetch),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
		{
			Name:         "prepare",
			Description:  "Extract the buildroot tree, apply patches, and import the user config.",
			Check:        b.check,
			Run:          b.skippable(b.prepare),
			Requires:     []string{"fetch"},
			After:        []string{"fetch"},
			IncludeInAll: true,
		},
		{
			Name:        "defconfig",
			Description: "Regenerate the buildroot configuration from a named defconfig.",
			Check:       b.check,
			Run:         b.skippable(b.defconfig),
			Requires:    []string{"prepare"},
			After:       []string{"prepare"},
			Before:      []string{"build"},
		},
		{
			Name:         "build",
			Description:  "Build the root filesystem and export the generated images.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     []string{"prepare"},
			After:        []string{"prepare"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *RootFS) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	if b.opts.Version == "" && b.opts.SourceURL == "" {
		b.log.Error("set `version` or `sourceurl` (file://... is valid) in the rootfs builder configuration")
		return false, nil
	}
	return true, nil
}

func (b *RootFS) treeDir() string {
	return filepath.Join(b.paths.Build, "buildroot")
}

func (b *RootFS) fetch(ctx context.Context) error {
	src := b.opts.SourceURL
	if src == "" {
		src = fmt.Sprintf("https://buildroot.org/downloads/buildroot-%s.tar.gz", b.opts.Version)
	}
	changed, err := b.im.Import(ctx, src, "buildroot.tar.gz", source.Options{})
	if err != nil {
		return err
	}
	if changed {
		return b.state.Update(func(m map[string]any) {
			m["tree_ready"] = false
		})
	}
	return nil
}

func (b *RootFS) prepare(ctx context.Context) error {
	patcher, err := b.patcher()
	if err != nil {
		return err
	}
	patchesChanged, err := patcher.Import(ctx, b.opts.Patches)
	if err != nil {
		return err
	}
	if patchesChanged {
		if err := b.state.Update(func(m map[string]any) {
			m["tree_ready"] = false
		}); err != nil {
			return err
		}
	}

	if b.state.Bool("tree_ready") {
		b.log.Info("the buildroot source tree has already been extracted, skipping")
	} else {
		if err := b.im.Untar(ctx, "buildroot.tar.gz", b.treeDir()); err != nil {
			return err
		}
		if err := patcher.Apply(ctx, b.treeDir()); err != nil {
			return err
		}
		if err := b.state.Update(func(m map[string]any) {
			m["tree_ready"] = true
		}); err != nil {
			return err
		}
	}

	if err := b.importUserConfig(ctx); err != nil {
		return err
	}
	return b.export(filepath.Join(b.treeDir(), ".config"), "rootfs.config")
}

// Imports the user's saved buildroot configuration through a staging
// copy, keyed by content hash.
func (b *RootFS) importUserConfig(ctx context.Context) error {
	staged := filepath.Join(b.paths.Build, ".config")
	changed, err := b.im.Import(ctx, "rootfs.config", staged, source.Options{IgnoreTimestamps: true, Optional: true})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	data, err := os.ReadFile(staged)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dgst := digest.FromBytes(data)
	if b.state.String("user_config_hash") == dgst.String() {
		return nil
	}
	if err := os.WriteFile(filepath.Join(b.treeDir(), ".config"), data, 0644); err != nil {
		return err
	}
	return b.state.Update(func(m map[string]any) {
		m["user_config_hash"] = dgst.String()
	})
}

func (b *RootFS) defconfig(ctx context.Context) error {
	b.log.Info("running defconfig")
	if err := b.tool(ctx, "defconfig", b.treeDir(), "make", "defconfig"); err != nil {
		return err
	}
	if err := b.export(filepath.Join(b.treeDir(), ".config"), "rootfs.config"); err != nil {
		return err
	}
	b.log.Warn("the output file rootfs.config has been created; copy it to your sources directory to keep it")
	return nil
}

func (b *RootFS) build(ctx context.Context) error {
	b.log.Info("running make")
	args := []string{"make"}
	if b.flags.RootfsJobs > 0 {
		args = append(args, fmt.Sprintf("-j%d", b.flags.RootfsJobs))
	}
	if err := b.tool(ctx, "build", b.treeDir(), args...); err != nil {
		return err
	}

	images, err := filepath.Glob(filepath.Join(b.treeDir(), "output", "images", "*"))
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no images found under output/images after build")
	}
	for _, image := range images {
		info, err := os.Stat(image)
		if err != nil || info.IsDir() {
			continue
		}
		if err := b.export(image, filepath.Base(image)); err != nil {
			return err
		}
	}
	return nil
}
