package builders

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/source"
)

// Builds the platform management unit firmware. ZynqMP only; on other
// series the builder declares no stages.
//
// Like the FSBL, the PMU firmware is generated from the hardware design
// by the Xilinx hsi tooling and compiled in place.
type PMU struct {
	base
}

func NewPMU() *PMU {
	b := &PMU{}
	b.name = "pmu"
	b.desc = "Build the platform management unit firmware."
	return b
}

func (b *PMU) Configure(env *Env) error {
	return b.configure(env)
}

func (b *PMU) Stages() []*engine.Stage {
	if b.env.Config.Series != config.SeriesZynqMP {
		return nil
	}
	stages := []*engine.Stage{
		{
			Name:         "build",
			Description:  "Generate and build the PMU firmware from the hardware design.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *PMU) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	if _, err := exec.LookPath("xsct"); err != nil {
		b.log.Error("unable to locate tool; did you source the Vivado environment files?", "tool", "xsct")
		return false, nil
	}
	return true, nil
}

func (b *PMU) build(ctx context.Context) error {
	if _, err := b.im.Import(ctx, "system.xsa", "system.xsa", source.Options{}); err != nil {
		return err
	}
	if err := b.generateApp(ctx, "build", "zynqmp_pmufw", "psu_pmu_0", "pmufw.elf"); err != nil {
		return err
	}
	return b.export(filepath.Join(b.paths.Build, "pmufw.elf"), "pmufw.elf")
}
