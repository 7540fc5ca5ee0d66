package builders

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/embersoc/ember/internal/config"
	"github.com/embersoc/ember/internal/engine"
	"github.com/embersoc/ember/internal/execute"
	"github.com/embersoc/ember/internal/source"

	"github.com/opencontainers/go-digest"
)

// Builds the Linux kernel image and binary kernel RPMs.
//
// The configuration profile selects the kbuild ARCH and cross compiler:
// "arm" and "arm64" carry defaults, "custom" requires ARCH= and
// CROSS_COMPILE= in extra_kbuild_args. A workspace prepared for one
// architecture refuses to build another until distclean.
type Kernel struct {
	base

	opts struct {
		Tag            string   `yaml:"tag"`
		SourceURL      string   `yaml:"sourceurl"`
		Profile        string   `yaml:"profile"`
		ExtraKbuildArg []string `yaml:"extra_kbuild_args"`
		Patches        []string `yaml:"patches"`
	}

	flags struct {
		KernelJobs int `help:"Parallel make jobs for the kernel build." placeholder:"N"`
	}

	kbuildArgs []string
	targetArch string
	cross      string
}

// Contributes the kernel builder's CLI flags.
func (b *Kernel) Flags() any { return &b.flags }

func NewKernel() *Kernel {
	b := &Kernel{}
	b.name = "kernel"
	b.desc = "Build the Linux kernel image."
	return b
}

func (b *Kernel) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	if err := env.Config.Builder(b.name).Decode(&b.opts); err != nil {
		return err
	}
	if b.opts.Profile == "" {
		switch env.Config.Series {
		case config.SeriesZynq:
			b.opts.Profile = "arm"
		case config.SeriesZynqMP:
			b.opts.Profile = "arm64"
		}
	}
	switch b.opts.Profile {
	case "arm":
		b.kbuildArgs = []string{"ARCH=arm", "CROSS_COMPILE=arm-none-eabi-"}
	case "arm64":
		b.kbuildArgs = []string{"ARCH=arm64", "CROSS_COMPILE=aarch64-none-elf-"}
	case "custom":
	default:
		return fmt.Errorf("builders.kernel.profile must be one of \"arm\", \"arm64\", \"custom\", not %q", b.opts.Profile)
	}
	b.kbuildArgs = append(b.kbuildArgs, b.opts.ExtraKbuildArg...)
	b.targetArch = kbuildValue(b.kbuildArgs, "ARCH")
	b.cross = kbuildValue(b.kbuildArgs, "CROSS_COMPILE")
	return nil
}

// Returns the value of the last name=value entry in args, or "".
func kbuildValue(args []string, name string) string {
	value := ""
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			value = v
		}
	}
	return value
}

func (b *Kernel) Stages() []*engine.Stage {
	stages := []*engine.Stage{
		{
			Name:         "fetch",
			Description:  "Download or copy the kernel sources.",
			Check:        b.check,
			Run:          b.skippable(b.fetch),
			After:        []string{"distclean", "clean"},
			IncludeInAll: true,
		},
		{
			Name:         "prepare",
			Description:  "Extract the source tree, apply patches, and import the user config.",
			Check:        b.check,
			Run:          b.skippable(b.prepare),
			Requires:     []string{"fetch"},
			After:        []string{"fetch"},
			IncludeInAll: true,
		},
		{
			Name:        "defconfig",
			Description: "Run `make defconfig`.",
			Check:       b.check,
			Run:         b.skippable(b.defconfig),
			Requires:    []string{"prepare"},
			After:       []string{"prepare"},
			Before:      []string{"olddefconfig"},
		},
		{
			Name:         "olddefconfig",
			Description:  "Run `make olddefconfig` to ensure config consistency.",
			Check:        b.check,
			Run:          b.skippable(b.olddefconfig),
			Requires:     []string{"prepare"},
			After:        []string{"prepare"},
			IncludeInAll: true,
		},
		{
			Name:         "build",
			Description:  "Build the kernel and package binary RPMs.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     []string{"olddefconfig"},
			After:        []string{"olddefconfig"},
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *Kernel) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	ok := true
	if b.opts.Tag == "" && b.opts.SourceURL == "" {
		b.log.Error("set `tag` or `sourceurl` (file://... is valid) in the kernel builder configuration")
		ok = false
	}
	if b.targetArch == "" || b.cross == "" {
		b.log.Error("profile \"custom\" requires ARCH=... and CROSS_COMPILE=... in builders.kernel.extra_kbuild_args")
		return false, nil
	}
	if _, err := exec.LookPath(b.cross + "gcc"); err != nil {
		b.log.Error("unable to locate cross compiler", "compiler", b.cross+"gcc")
		ok = false
	}
	return ok, nil
}

func (b *Kernel) treeDir() string {
	return filepath.Join(b.paths.Build, "linux")
}

func (b *Kernel) fetch(ctx context.Context) error {
	src := b.opts.SourceURL
	if src == "" {
		src = fmt.Sprintf("https://github.com/Xilinx/linux-xlnx/archive/refs/tags/%s.tar.gz", b.opts.Tag)
	}
	changed, err := b.im.Import(ctx, src, "linux.tar.gz", source.Options{})
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

func (b *Kernel) prepare(ctx context.Context) error {
	if arch := b.state.String("target_arch"); arch != "" && arch != b.targetArch {
		return fmt.Errorf("the existing workspace has ARCH=%s, you requested ARCH=%s; run kernel:distclean", arch, b.targetArch)
	}
	if cross := b.state.String("cross_compile"); cross != "" && cross != b.cross {
		return fmt.Errorf("the existing workspace has CROSS_COMPILE=%s, you requested CROSS_COMPILE=%s; run kernel:distclean", cross, b.cross)
	}
	if err := b.state.Update(func(m map[string]any) {
		m["target_arch"] = b.targetArch
		m["cross_compile"] = b.cross
	}); err != nil {
		return err
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
		}); err != nil {
			return err
		}
	}

	if b.state.Bool("tree_ready") {
		b.log.Info("the linux source tree has already been extracted, skipping")
	} else {
		if err := b.im.Untar(ctx, "linux.tar.gz", b.treeDir()); err != nil {
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
	return b.export(filepath.Join(b.treeDir(), ".config"), "kernel.config")
}

// Imports the user's saved kernel configuration through a staging copy,
// keyed by content hash, so repeated imports never disturb make caching.
func (b *Kernel) importUserConfig(ctx context.Context) error {
	staged := filepath.Join(b.paths.Build, "user.config")
	changed, err := b.im.Import(ctx, "kernel.config", staged, source.Options{IgnoreTimestamps: true, Optional: true})
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
		m["built_config_hash"] = nil
	})
}

func (b *Kernel) defconfig(ctx context.Context) error {
	b.log.Info("running defconfig")
	args := append([]string{"make"}, b.kbuildArgs...)
	if err := b.tool(ctx, "defconfig", b.treeDir(), append(args, "defconfig")...); err != nil {
		return err
	}
	if err := b.state.Update(func(m map[string]any) {
		m["user_config_hash"] = nil
	}); err != nil {
		return err
	}
	if err := b.export(filepath.Join(b.treeDir(), ".config"), "kernel.config"); err != nil {
		return err
	}
	b.log.Warn("the output file kernel.config has been created; copy it to your sources directory to keep it")
	return nil
}

func (b *Kernel) olddefconfig(ctx context.Context) error {
	cfg := filepath.Join(b.treeDir(), ".config")
	data, err := os.ReadFile(cfg)
	if err != nil {
		return fmt.Errorf("no kernel configuration file was found; use kernel:defconfig to generate one")
	}

	if b.state.String("built_config_hash") == digest.FromBytes(data).String() {
		b.log.Info("olddefconfig has already been run on this config file")
	} else {
		b.log.Info("running olddefconfig to ensure config consistency")
		args := append([]string{"make"}, b.kbuildArgs...)
		if err := b.tool(ctx, "olddefconfig", b.treeDir(), append(args, "olddefconfig")...); err != nil {
			return err
		}
		built, err := os.ReadFile(cfg)
		if err != nil {
			return err
		}
		if err := b.state.Update(func(m map[string]any) {
			m["built_config_hash"] = digest.FromBytes(built).String()
		}); err != nil {
			return err
		}
	}
	return b.export(cfg, "kernel.config.built")
}

func (b *Kernel) build(ctx context.Context) error {
	stale, _ := filepath.Glob(filepath.Join(b.paths.Output, "ember-kernel-*.rpm"))
	stale = append(stale, filepath.Join(b.paths.Output, "vmlinux"), filepath.Join(b.paths.Output, "Image.gz"))
	for _, path := range stale {
		if err := os.Remove(path); err == nil {
			b.log.Debug("removed pre-existing output", "output", path)
		}
	}

	if _, err := b.im.Import(ctx, "builtin:///kernel/binkernel.spec", "binkernel.spec", source.Options{}); err != nil {
		return err
	}

	b.log.Info("running make")
	args := append([]string{"make"}, b.kbuildArgs...)
	if b.flags.KernelJobs > 0 {
		args = append(args, fmt.Sprintf("-j%d", b.flags.KernelJobs))
	}
	if err := b.tool(ctx, "build", b.treeDir(), args...); err != nil {
		return err
	}

	if err := b.export(filepath.Join(b.treeDir(), "vmlinux"), "vmlinux"); err != nil {
		return err
	}
	image := filepath.Join("arch", b.targetArch, "boot", "Image.gz")
	if b.targetArch == "arm" {
		image = filepath.Join("arch/arm/boot", "zImage")
	}
	if err := b.export(filepath.Join(b.treeDir(), image), filepath.Base(image)); err != nil {
		return err
	}

	if err := b.buildRPMs(ctx); err != nil {
		return err
	}
	return b.export(filepath.Join(b.treeDir(), ".config"), "kernel.config.built")
}

// Packages the built kernel into binary RPMs via rpmbuild.
func (b *Kernel) buildRPMs(ctx context.Context) error {
	b.log.Info("building kernel RPMs")
	spec := filepath.Join(b.paths.Build, "binkernel.spec")
	data, err := os.ReadFile(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.treeDir(), "binkernel.spec"), data, 0644); err != nil {
		return err
	}

	b.log.Debug("identifying kernel release")
	res, err := execute.Run(ctx, execute.Cmd{
		Args: append(append([]string{"make", "-s"}, b.kbuildArgs...), "kernelrelease"),
		Dir:  b.treeDir(),
		Log:  b.log,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("kernel `kernelrelease` exited with status %d", res.ExitCode)
	}
	release := strings.TrimSpace(string(res.Output))
	b.log.Debug("identified kernel release", "release", release)

	rpmDir := filepath.Join(b.paths.Build, "rpmbuild")
	if err := os.RemoveAll(rpmDir); err != nil {
		return err
	}
	if err := os.MkdirAll(rpmDir, 0755); err != nil {
		return err
	}

	target := "armv7hl"
	if b.targetArch == "arm64" {
		target = "aarch64"
	}
	b.log.Info("running rpmbuild")
	err = b.tool(ctx, "build", b.treeDir(), "rpmbuild",
		"--define=_topdir "+rpmDir,
		"--define=_builddir .",
		"--define=rpm_release "+strconv.FormatInt(time.Now().Unix(), 10),
		"--define=kernelrelease "+release,
		"--define=kernel_makeargs "+strings.Join(b.kbuildArgs, " "),
		"--target", target,
		"-bb", "binkernel.spec")
	if err != nil {
		return err
	}

	rpms, err := filepath.Glob(filepath.Join(rpmDir, "RPMS", "*", "*.rpm"))
	if err != nil {
		return err
	}
	for _, rpm := range rpms {
		if err := b.export(rpm, filepath.Base(rpm)); err != nil {
			return err
		}
	}
	return nil
}
