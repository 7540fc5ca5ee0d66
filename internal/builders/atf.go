package builders

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/source"
)

// Builds the ARM trusted firmware (bl31.elf). ZynqMP only; on other
// series the builder declares no stages.
type ATF struct {
	base

	opts struct {
		Tag          string   `yaml:"tag"`
		SourceURL    string   `yaml:"sourceurl"`
		CrossCompile string   `yaml:"cross_compile"`
		Patches      []string `yaml:"patches"`
	}
	cross string
}

func NewATF() *ATF {
	b := &ATF{}
	b.name = "atf"
	b.desc = "Build the ARM trusted firmware."
	return b
}

func (b *ATF) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	if err := env.Config.Builder(b.name).Decode(&b.opts); err != nil {
		return err
	}
	b.cross = b.opts.CrossCompile
	if b.cross == "" {
		b.cross = "aarch64-none-elf-"
	}
	return nil
}

func (b *ATF) Stages() []*engine.Stage {
	if b.env.Config.Series != config.SeriesZynqMP {
		return nil
	}
	stages := []*engine.Stage{
		{
			Name:         "fetch",
			Description:  "Download or copy the trusted firmware sources.",
			Check:        b.check,
			Run:          b.skippable(b.fetch),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
		{
			Name:         "prepare",
			Description:  "Extract the source tree and apply patches.",
			Check:        b.check,
			Run:          b.skippable(b.prepare),
			Requires:     []string{"fetch"},
			After:        []string{"fetch"},
			IncludeInAll: true,
		},
		{
			Name:         "build",
			Description:  "Build the trusted firmware and export bl31.elf.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     []string{"prepare"},
			After:        []string{"prepare"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *ATF) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	ok := true
	if b.opts.Tag == "" && b.opts.SourceURL == "" {
		b.log.Error("set `tag` or `sourceurl` (file://... is valid) in the atf builder configuration")
		ok = false
	}
	if _, err := exec.LookPath(b.cross + "gcc"); err != nil {
		b.log.Error("unable to locate cross compiler", "compiler", b.cross+"gcc")
		ok = false
	}
	return ok, nil
}

func (b *ATF) treeDir() string {
	return filepath.Join(b.paths.Build, "atf")
}

func (b *ATF) fetch(ctx context.Context) error {
	src := b.opts.SourceURL
	if src == "" {
		src = fmt.Sprintf("https://github.com/Xilinx/arm-trusted-firmware/archive/refs/tags/%s.tar.gz", b.opts.Tag)
	}
	changed, err := b.im.Import(ctx, src, "atf.tar.gz", source.Options{})
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

func (b *ATF) prepare(ctx context.Context) error {
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
		b.log.Info("the trusted firmware source tree has already been extracted, skipping")
		return nil
	}
	if err := b.im.Untar(ctx, "atf.tar.gz", b.treeDir()); err != nil {
		return err
	}
	if err := patcher.Apply(ctx, b.treeDir()); err != nil {
		return err
	}
	return b.state.Update(func(m map[string]any) {
		m["tree_ready"] = true
	})
}

func (b *ATF) build(ctx context.Context) error {
	b.log.Info("running make")
	err := b.tool(ctx, "build", b.treeDir(),
		"make", "CROSS_COMPILE="+b.cross, "PLAT=zynqmp", "RESET_TO_BL31=1")
	if err != nil {
		return err
	}

	elf := filepath.Join(b.treeDir(), "build", "zynqmp", "release", "bl31", "bl31.elf")
	if _, err := os.Stat(elf); err != nil {
		return fmt.Errorf("bl31.elf not found after build")
	}
	return b.export(elf, "bl31.elf")
}
