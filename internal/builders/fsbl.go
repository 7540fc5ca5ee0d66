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

// Builds the first-stage boot loader.
//
// The FSBL sources are generated from the hardware design (system.xsa)
// by the Xilinx hsi tooling and compiled in place, so the hardware
// design is the only input; there is nothing to fetch.
type FSBL struct {
	base

	opts struct {
		CPUID string `yaml:"cpu_id"`
	}
}

func NewFSBL() *FSBL {
	b := &FSBL{}
	b.name = "fsbl"
	b.desc = "Build the first-stage boot loader."
	return b
}

func (b *FSBL) Configure(env *Env) error {
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

func (b *FSBL) Stages() []*engine.Stage {
	stages := []*engine.Stage{
		{
			Name:         "build",
			Description:  "Generate and build the FSBL from the hardware design.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *FSBL) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	if _, err := exec.LookPath("xsct"); err != nil {
		b.log.Error("unable to locate tool; did you source the Vivado environment files?", "tool", "xsct")
		return false, nil
	}
	return true, nil
}

func (b *FSBL) build(ctx context.Context) error {
	if _, err := b.im.Import(ctx, "system.xsa", "system.xsa", source.Options{}); err != nil {
		return err
	}
	app := "zynq_fsbl"
	if b.env.Config.Series == config.SeriesZynqMP {
		app = "zynqmp_fsbl"
	}
	if err := b.generateApp(ctx, "build", app, b.opts.CPUID, "fsbl.elf"); err != nil {
		return err
	}
	return b.export(filepath.Join(b.paths.Build, "fsbl.elf"), "fsbl.elf")
}

// Generates and compiles a standalone firmware application from the
// hardware design by driving xsct, leaving the built ELF at out inside
// the build workspace. The hardware design must already be imported as
// system.xsa.
func (b *base) generateApp(ctx context.Context, stage, app, proc, out string) error {
	workDir, err := os.MkdirTemp("", "xsct_workdir")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	xsa, err := os.ReadFile(filepath.Join(b.paths.Build, "system.xsa"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, "system.xsa"), xsa, 0644); err != nil {
		return err
	}

	b.log.Info("generating firmware application", "app", app)
	script := fmt.Sprintf(`set hw_design [hsi open_hw_design system.xsa]
hsi generate_app -app %s -proc %s -os standalone -dir app -compile
`, app, proc)

	res, err := execute.Run(ctx, execute.Cmd{
		Args:    []string{"xsct"},
		Dir:     workDir,
		Stdin:   strings.NewReader(script),
		Log:     b.log,
		LogDir:  b.paths.LogDir(),
		LogName: b.name + ":" + stage,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("unable to generate %s (log: %s)", app, res.LogFile)
	}

	elf, err := os.ReadFile(filepath.Join(workDir, "app", "executable.elf"))
	if err != nil {
		return fmt.Errorf("executable.elf not found after generating %s: %w", app, err)
	}
	return os.WriteFile(filepath.Join(b.paths.Build, out), elf, 0644)
}
