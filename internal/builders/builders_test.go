package builders

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/paths"
)

func testEnv(t *testing.T, series, extra string) *Env {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ember.yaml")
	if err := os.WriteFile(cfgPath, []byte("series: "+series+"\n"+extra), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := os.MkdirAll(cfg.SourcesDirectory, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	bp, err := paths.New(cfg.SourcesDirectory, cfg.BuildDirectory, cfg.OutputDirectory)
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	return &Env{
		Config:  cfg,
		Paths:   bp,
		Log:     slog.New(slog.DiscardHandler),
		Enabled: func(string) bool { return true },
	}
}

func stageByName(t *testing.T, b Builder, name string) *engine.Stage {
	t.Helper()
	for _, s := range b.Stages() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("builder %s has no stage %q", b.Name(), name)
	return nil
}

func TestAllBuildersDeclareStages(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	for _, b := range All() {
		if err := b.Configure(env); err != nil {
			t.Fatalf("%s Configure: %v", b.Name(), err)
		}
		stages := b.Stages()
		if len(stages) == 0 {
			t.Fatalf("%s declares no stages", b.Name())
		}
		seen := make(map[string]bool)
		for _, s := range stages {
			if seen[s.Name] {
				t.Fatalf("%s declares stage %q twice", b.Name(), s.Name)
			}
			seen[s.Name] = true
		}
		for _, name := range []string{"clean", "distclean"} {
			s := stageByName(t, b, name)
			if s.IncludeInAll {
				t.Fatalf("%s stage %s is included in ALL", b.Name(), name)
			}
		}
	}
}

func TestKernelSequencesConfigBeforeBuild(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	k := NewKernel()
	if err := k.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	g, err := engine.NewGraph(k)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	refs, err := g.Select([]string{"kernel:build"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	entries, err := g.Sequence(refs)
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Ref.Stage)
	}
	want := []string{"fetch", "prepare", "olddefconfig", "build"}
	if !slices.Equal(got, want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
}

func TestKernelProfileDefaultsFromSeries(t *testing.T) {
	env := testEnv(t, "zynq", "")
	k := NewKernel()
	if err := k.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if k.targetArch != "arm" || k.cross != "arm-none-eabi-" {
		t.Fatalf("arch = %q cross = %q, want arm / arm-none-eabi-", k.targetArch, k.cross)
	}

	env = testEnv(t, "zynqmp", "")
	k = NewKernel()
	if err := k.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if k.targetArch != "arm64" || k.cross != "aarch64-none-elf-" {
		t.Fatalf("arch = %q cross = %q, want arm64 / aarch64-none-elf-", k.targetArch, k.cross)
	}
}

func TestKernelRejectsUnknownProfile(t *testing.T) {
	env := testEnv(t, "zynqmp", "builders:\n  kernel:\n    profile: mips\n")
	k := NewKernel()
	if err := k.Configure(env); err == nil {
		t.Fatalf("Configure accepted profile mips")
	}
}

func TestKernelCustomProfileNeedsArchAndCross(t *testing.T) {
	env := testEnv(t, "zynqmp", `builders:
  kernel:
    profile: custom
    tag: v6.6
`)
	k := NewKernel()
	if err := k.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ok, err := k.check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatalf("check passed without ARCH and CROSS_COMPILE")
	}
}

func TestKbuildValue(t *testing.T) {
	args := []string{"ARCH=arm", "CROSS_COMPILE=a-", "ARCH=arm64"}
	if v := kbuildValue(args, "ARCH"); v != "arm64" {
		t.Fatalf("kbuildValue(ARCH) = %q, want %q", v, "arm64")
	}
	if v := kbuildValue(args, "CROSS_COMPILE"); v != "a-" {
		t.Fatalf("kbuildValue(CROSS_COMPILE) = %q, want %q", v, "a-")
	}
	if v := kbuildValue(args, "LLVM"); v != "" {
		t.Fatalf("kbuildValue(LLVM) = %q, want empty", v)
	}
}

func TestUBootCrossCompileOverride(t *testing.T) {
	env := testEnv(t, "zynqmp", "builders:\n  uboot:\n    cross_compile: riscv64-linux-gnu-\n")
	u := NewUBoot()
	if err := u.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if u.cross != "riscv64-linux-gnu-" {
		t.Fatalf("cross = %q, want riscv64-linux-gnu-", u.cross)
	}
}

func TestCleanResetsWorkspace(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	u := NewUBoot()
	if err := u.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	marker := filepath.Join(u.paths.Build, "leftover.txt")
	if err := os.WriteFile(marker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	clean := stageByName(t, u, "clean")
	if err := clean.Run(context.Background()); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("leftover.txt survived clean")
	}
	if _, err := os.Stat(u.paths.Build); err != nil {
		t.Fatalf("build workspace missing after clean: %v", err)
	}
}

func TestBootImgDependsOnEnabledBuilders(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	env.Enabled = func(name string) bool { return name != "rootfs" }
	b := NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	build := stageByName(t, b, "build")
	if slices.Contains(build.Requires, "rootfs:build") {
		t.Fatalf("build requires rootfs:build despite rootfs being disabled")
	}
	for _, want := range []string{"fsbl:build", "pmu:build", "atf:build", "uboot:build", "dtb:build", "kernel:build"} {
		if !slices.Contains(build.Requires, want) {
			t.Fatalf("build does not require %s", want)
		}
	}
}

func TestBootImgSkipsFirmwareOutsideZynqMP(t *testing.T) {
	env := testEnv(t, "zynq", "")
	b := NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	build := stageByName(t, b, "build")
	for _, ref := range []string{"pmu:build", "atf:build"} {
		if slices.Contains(build.Requires, ref) {
			t.Fatalf("zynq build requires %s", ref)
		}
	}
	if !slices.Contains(build.Requires, "fsbl:build") {
		t.Fatalf("zynq build does not require fsbl:build")
	}
}

func TestFirmwareBuildersGatedBySeries(t *testing.T) {
	env := testEnv(t, "zynq", "")
	for _, b := range []Builder{NewPMU(), NewATF()} {
		if err := b.Configure(env); err != nil {
			t.Fatalf("%s Configure: %v", b.Name(), err)
		}
		if stages := b.Stages(); len(stages) != 0 {
			t.Fatalf("%s declares %d stages on zynq", b.Name(), len(stages))
		}
	}
	f := NewFSBL()
	if err := f.Configure(env); err != nil {
		t.Fatalf("fsbl Configure: %v", err)
	}
	stageByName(t, f, "build")

	env = testEnv(t, "zynqmp", "")
	for _, b := range []Builder{NewFSBL(), NewPMU(), NewATF()} {
		if err := b.Configure(env); err != nil {
			t.Fatalf("%s Configure: %v", b.Name(), err)
		}
		stageByName(t, b, "build")
	}
}

func TestFSBLProcessorDefaultsFromSeries(t *testing.T) {
	env := testEnv(t, "zynq", "")
	f := NewFSBL()
	if err := f.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.opts.CPUID != "ps7_cortexa9_0" {
		t.Fatalf("cpu_id = %q, want ps7_cortexa9_0", f.opts.CPUID)
	}

	env = testEnv(t, "zynqmp", "builders:\n  fsbl:\n    cpu_id: psu_cortexa53_1\n")
	f = NewFSBL()
	if err := f.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.opts.CPUID != "psu_cortexa53_1" {
		t.Fatalf("cpu_id = %q, want psu_cortexa53_1", f.opts.CPUID)
	}
}

func TestBootImgWriteBIF(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	b := NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := b.writeBIF(); err != nil {
		t.Fatalf("writeBIF: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.paths.Build, "boot.bif"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	bif := string(data)
	for _, want := range []string{"fsbl.elf", "pmufw.elf", "bl31.elf", "system.dtb", "u-boot.elf", "load=0x00100000"} {
		if !strings.Contains(bif, want) {
			t.Fatalf("bif missing %q:\n%s", want, bif)
		}
	}

	env = testEnv(t, "zynq", "")
	b = NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := b.writeBIF(); err != nil {
		t.Fatalf("writeBIF: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(b.paths.Build, "boot.bif"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "pmufw.elf") {
		t.Fatalf("zynq bif references the PMU firmware:\n%s", data)
	}
}

func TestBootImgGenerateBootScript(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	b := NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	parts := map[string]partition{
		"kernel": {Index: 2, Offset: 0x140000, Size: 0x1600000},
		"rootfs": {Index: 3, Offset: 0x1740000, Size: 0x8000000},
	}
	if err := b.generateBootScript(parts); err != nil {
		t.Fatalf("generateBootScript: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.paths.Build, "boot.scr"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	script := string(data)
	for _, want := range []string{"sf read 0x00200000 0x00140000 0x01600000", "sf read 0x04000000 0x01740000 0x08000000", "booti"} {
		if !strings.Contains(script, want) {
			t.Fatalf("boot.scr missing %q:\n%s", want, script)
		}
	}
}

func TestBootImgGenerateBootScriptMissingPartitions(t *testing.T) {
	env := testEnv(t, "zynqmp", "")
	b := NewBootImg()
	if err := b.Configure(env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	err := b.generateBootScript(map[string]partition{})
	if err == nil {
		t.Fatalf("generateBootScript succeeded without kernel and rootfs partitions")
	}
}
