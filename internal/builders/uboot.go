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

	"github.com/opencontainers/go-digest"
)

// Builds the U-Boot bootloader.
//
// Sources come from a release tag (fetched from the Xilinx mirror) or an
// explicit source URL. The tree is extracted once and tracked through the
// state store; user configuration is imported by content hash so repeated
// runs never disturb make's freshness detection.
type UBoot struct {
	base

	opts struct {
		Tag          string   `yaml:"tag"`
		SourceURL    string   `yaml:"sourceurl"`
		CrossCompile string   `yaml:"cross_compile"`
		Patches      []string `yaml:"patches"`
	}
	cross string
}

func NewUBoot() *UBoot {
	b := &UBoot{}
	b.name = "uboot"
	b.desc = "Build the U-Boot bootloader."
	return b
}

func (b *UBoot) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	if err := env.Config.Builder(b.name).Decode(&b.opts); err != nil {
		return err
	}
	b.cross = b.opts.CrossCompile
	if b.cross == "" {
		switch env.Config.Series {
		case config.SeriesZynq:
			b.cross = "arm-none-eabi-"
		case config.SeriesZynqMP:
			b.cross = "aarch64-none-elf-"
		}
	}
	return nil
}

func (b *UBoot) Stages() []*engine.Stage {
	stages := []*engine.Stage{
		{
			Name:         "fetch",
			Description:  "Download or copy the U-Boot sources.",
			Check:        b.check,
			Run:          b.skippable(b.fetch),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
		{
			Name:         "prepare",
			Description:  "Extract the source tree, apply patches, and import user configuration.",
			Check:        b.check,
			Run:          b.skippable(b.prepare),
			Requires:     []string{"fetch"},
			After:        []string{"fetch"},
			IncludeInAll: true,
		},
		{
			Name:        "defconfig",
			Description: "Generate the default U-Boot configuration for the target series.",
			Check:       b.check,
			Run:         b.skippable(b.defconfig),
			Requires:    []string{"prepare"},
			After:       []string{"prepare"},
			Before:      []string{"build"},
		},
		{
			Name:         "build",
			Description:  "Build U-Boot and export u-boot.elf.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     []string{"prepare"},
			After:        []string{"prepare"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *UBoot) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	ok := true
	if b.opts.Tag == "" && b.opts.SourceURL == "" {
		b.log.Error("set `tag` or `sourceurl` (file://... is valid) in the uboot builder configuration")
		ok = false
	}
	if _, err := exec.LookPath(b.cross + "gcc"); err != nil {
		b.log.Error("unable to locate cross compiler", "compiler", b.cross+"gcc")
		ok = false
	}
	return ok, nil
}

func (b *UBoot) fetch(ctx context.Context) error {
	src := b.opts.SourceURL
	if src == "" {
		src = fmt.Sprintf("https://github.com/Xilinx/u-boot-xlnx/archive/refs/tags/%s.tar.gz", b.opts.Tag)
	}
	changed, err := b.im.Import(ctx, src, "u-boot.tar.gz", source.Options{})
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

func (b *UBoot) prepare(ctx context.Context) error {
	treeDir := filepath.Join(b.paths.Build, "u-boot")

	patcher, err := b.patcher()
	if err != nil {
		return err
	}
	refs := append([]string{"builtin:///uboot/config_user.patch"}, b.opts.Patches...)
	patchesChanged, err := patcher.Import(ctx, refs)
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
		b.log.Info("the U-Boot source tree has already been extracted, skipping")
	} else {
		if err := b.im.Untar(ctx, "u-boot.tar.gz", treeDir); err != nil {
			return err
		}
		if err := patcher.Apply(ctx, treeDir); err != nil {
			return err
		}
		if err := b.state.Update(func(m map[string]any) {
			m["tree_ready"] = true
		}); err != nil {
			return err
		}
	}

	if err := b.importUserConfig(ctx, treeDir); err != nil {
		return err
	}

	changed, err := b.im.Import(ctx, "u-boot.config_user.h", filepath.Join(treeDir, "include/config_user.h"), source.Options{})
	if err != nil {
		return err
	}
	if changed {
		// The include was introduced by a patch, so make's dependency
		// tracking may not notice updates to it. Touch the headers
		// that include it.
		err := b.tool(ctx, "prepare", treeDir, "touch", "--no-create",
			filepath.Join(treeDir, "include/configs/xilinx_zynqmp.h"),
			filepath.Join(treeDir, "include/configs/zynq-common.h"))
		if err != nil {
			return err
		}
	}

	return b.export(filepath.Join(treeDir, ".config"), "u-boot.config")
}

// Imports the user's saved configuration through a staging copy, keyed by
// content hash. The tree's .config is rewritten by make, so a direct
// import would fight make's caching.
func (b *UBoot) importUserConfig(ctx context.Context, treeDir string) error {
	staged := filepath.Join(b.paths.Build, ".config")
	changed, err := b.im.Import(ctx, "u-boot.config", staged, source.Options{IgnoreTimestamps: true, Optional: true})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	f, err := os.Open(staged)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	dgst, err := digest.FromReader(f)
	if err != nil {
		return err
	}
	if b.state.String("user_config_hash") == dgst.String() {
		return nil
	}
	data, err := os.ReadFile(staged)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(treeDir, ".config"), data, 0644); err != nil {
		return err
	}
	return b.state.Update(func(m map[string]any) {
		m["user_config_hash"] = dgst.String()
	})
}

func (b *UBoot) defconfig(ctx context.Context) error {
	var defconfig string
	switch b.env.Config.Series {
	case config.SeriesZynq:
		defconfig = "xilinx_zynq_virt_defconfig"
	case config.SeriesZynqMP:
		defconfig = "xilinx_zynqmp_virt_defconfig"
	default:
		return fmt.Errorf("unknown series %q", b.env.Config.Series)
	}

	treeDir := filepath.Join(b.paths.Build, "u-boot")
	b.log.Info("running defconfig", "defconfig", defconfig)
	if err := b.tool(ctx, "defconfig", treeDir, "make", "CROSS_COMPILE="+b.cross, defconfig); err != nil {
		return err
	}

	if err := b.export(filepath.Join(treeDir, ".config"), "u-boot.config"); err != nil {
		return err
	}
	b.log.Warn("the output file u-boot.config has been created; copy it to your sources directory to keep it")
	return nil
}

func (b *UBoot) build(ctx context.Context) error {
	treeDir := filepath.Join(b.paths.Build, "u-boot")
	b.log.Info("running make")
	if err := b.tool(ctx, "build", treeDir, "make", "CROSS_COMPILE="+b.cross); err != nil {
		return err
	}

	elf := filepath.Join(treeDir, "u-boot.elf")
	if _, err := os.Stat(elf); err != nil {
		return fmt.Errorf("u-boot.elf not found after build")
	}
	return b.export(elf, "u-boot.elf")
}
