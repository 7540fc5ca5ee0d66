package builders

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/execute"
	"github.com/embersoc/ember/internal/source"
)

// Builds the device tree.
//
// The device-tree generator sources and the hardware design (system.xsa)
// produce the automatic dts files, which are combined with the user's
// system-user.dtsi into a composite tree compiled by dtc.
type DTB struct {
	base

	opts struct {
		Tag       string   `yaml:"tag"`
		SourceURL string   `yaml:"sourceurl"`
		CPUID     string   `yaml:"cpu_id"`
		Patches   []string `yaml:"patches"`
	}
}

func NewDTB() *DTB {
	b := &DTB{}
	b.name = "dtb"
	b.desc = "Build the device tree."
	return b
}

func (b *DTB) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	if err := env.Config.Builder(b.name).Decode(&b.opts); err != nil {
		return err
	}
	if b.opts.CPUID == "" {
		switch env.Config.Series {
		case config.SeriesZynq:
			b.opts.CPUID = "ps7_cortexa9_0"
		case config.SeriesZynqMP:
			b.opts.CPUID = "psu_cortexa53_0"
		}
	}
	return nil
}

func (b *DTB) Stages() []*engine.Stage {
	stages := []*engine.Stage{
		{
			Name:         "fetch",
			Description:  "Download or copy the device-tree generator sources.",
			Check:        b.check,
			Run:          b.skippable(b.fetch),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
		{
			Name:         "prepare",
			Description:  "Extract the generator, produce the automatic dts files, and import user dts files.",
			Check:        b.check,
			Run:          b.skippable(b.prepare),
			Requires:     []string{"fetch"},
			After:        []string{"fetch"},
			IncludeInAll: true,
		},
		{
			Name:         "build",
			Description:  "Compile the composite device tree and export system.dtb.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     []string{"prepare"},
			After:        []string{"prepare"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *DTB) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	ok := true
	if b.opts.Tag == "" && b.opts.SourceURL == "" {
		b.log.Error("set `tag` or `sourceurl` (file://... is valid) in the dtb builder configuration")
		ok = false
	}
	for _, tool := range []string{"dtc", "xsct"} {
		if _, err := exec.LookPath(tool); err != nil {
			b.log.Error("unable to locate tool; did you source the Vivado environment files?", "tool", tool)
			ok = false
		}
	}
	return ok, nil
}

func (b *DTB) dtsDir() string {
	return filepath.Join(b.paths.Build, "dts")
}

func (b *DTB) fetch(ctx context.Context) error {
	src := b.opts.SourceURL
	if src == "" {
		src = fmt.Sprintf("https://github.com/Xilinx/device-tree-xlnx/archive/refs/tags/%s.tar.gz", b.opts.Tag)
	}
	changed, err := b.im.Import(ctx, src, "dtg.tar.gz", source.Options{})
	if err != nil {
		return err
	}
	if changed {
		return b.state.Update(func(m map[string]any) {
			m["tree_ready"] = false
			m["dts_generated"] = false
		})
	}
	return nil
}

func (b *DTB) prepare(ctx context.Context) error {
	changed, err := b.im.Import(ctx, "system.xsa", "system.xsa", source.Options{})
	if err != nil {
		return err
	}
	if changed {
		if err := b.state.Update(func(m map[string]any) {
			m["dts_generated"] = false
		}); err != nil {
			return err
		}
	}

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
			m["dts_generated"] = false
		}); err != nil {
			return err
		}
	}

	if !b.state.Bool("tree_ready") {
		if err := b.im.Untar(ctx, "dtg.tar.gz", filepath.Join(b.paths.Build, "dtg")); err != nil {
			return err
		}
		if err := patcher.Apply(ctx, filepath.Join(b.paths.Build, "dtg")); err != nil {
			return err
		}
		if err := b.state.Update(func(m map[string]any) {
			m["tree_ready"] = true
		}); err != nil {
			return err
		}
	}

	if b.state.Bool("dts_generated") {
		b.log.Info("the automatic dts files have already been generated")
	} else if err := b.generateDTS(ctx); err != nil {
		return err
	}

	b.log.Info("importing source", "source", "system-user.dtsi")
	userDtsi := filepath.Join(b.paths.Sources, "system-user.dtsi")
	data, err := os.ReadFile(userDtsi)
	if err != nil {
		return fmt.Errorf("no source file named \"system-user.dtsi\"")
	}
	return os.WriteFile(filepath.Join(b.dtsDir(), "system-user.dtsi"), data, 0644)
}

// Generates the automatic dts files from the hardware design by driving
// xsct with a generation script.
func (b *DTB) generateDTS(ctx context.Context) error {
	workDir, err := os.MkdirTemp("", "xsct_workdir")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	if err := os.RemoveAll(b.dtsDir()); err != nil {
		return err
	}
	xsa, err := os.ReadFile(filepath.Join(b.paths.Build, "system.xsa"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, "system.xsa"), xsa, 0644); err != nil {
		return err
	}

	script := fmt.Sprintf(`set hw_design [hsi open_hw_design system.xsa]
hsi set_repo_path %s/dtg
hsi create_sw_design device-tree -os device_tree -proc %s
hsi generate_target -dir dts
`, b.paths.Build, b.opts.CPUID)

	res, err := execute.Run(ctx, execute.Cmd{
		Args:    []string{"xsct"},
		Dir:     workDir,
		Stdin:   strings.NewReader(script),
		Log:     b.log,
		LogDir:  b.paths.LogDir(),
		LogName: b.name + ":prepare",
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("unable to generate automatic dts files (log: %s)", res.LogFile)
	}
	if err := b.state.Update(func(m map[string]any) {
		m["dts_generated"] = true
	}); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(workDir, "dts"), b.dtsDir()); err != nil {
		return err
	}

	b.log.Debug("appending #include for system-user.dtsi")
	top, err := os.OpenFile(filepath.Join(b.dtsDir(), "system-top.dts"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer top.Close()
	_, err = top.WriteString("\n#include \"system-user.dtsi\"")
	return err
}

func (b *DTB) build(ctx context.Context) error {
	b.log.Info("running cpp to generate the composite dts")
	err := b.tool(ctx, "build", b.dtsDir(),
		"cpp", "-nostdinc", "-undef", "-x", "assembler-with-cpp", "system-top.dts", "-o", "composite.dts")
	if err != nil {
		return err
	}

	b.log.Info("running dtc to generate the dtb")
	err = b.tool(ctx, "build", b.dtsDir(),
		"dtc", "-I", "dts", "-O", "dtb", "-o", "composite.dtb", "composite.dts")
	if err != nil {
		return err
	}

	if err := b.export(filepath.Join(b.dtsDir(), "composite.dts"), "system.dts"); err != nil {
		return err
	}
	return b.export(filepath.Join(b.dtsDir(), "composite.dtb"), "system.dtb")
}
