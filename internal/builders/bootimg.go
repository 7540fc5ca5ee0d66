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
	"github.com/embersoc/ember/internal/source"
)

// Assembles the flashable boot image from the other builders' outputs.
//
// A single build stage imports the built firmware, bootloader, device
// tree, kernel, and root filesystem, parses the flash partition scheme
// out of the built device tree, generates a boot script when the user
// supplies none, and drives bootgen and mkimage to produce BOOT.BIN and
// the boot script FIT image.
type BootImg struct {
	base

	opts struct {
		DTBAddress int64  `yaml:"dtb_address"`
		KernelLoad int64  `yaml:"kernel_address"`
		RootFSLoad int64  `yaml:"rootfs_address"`
		BootScript string `yaml:"boot_script"`
	}
}

// One assembled boot artifact: the file produced in the build workspace,
// the name it is exported under, and the flash partition label it maps to.
type bootArtifact struct {
	built     string
	name      string
	partition string
}

func NewBootImg() *BootImg {
	b := &BootImg{}
	b.name = "bootimg"
	b.desc = "Assemble the flashable boot image."
	return b
}

func (b *BootImg) Configure(env *Env) error {
	if err := b.configure(env); err != nil {
		return err
	}
	if err := env.Config.Builder(b.name).Decode(&b.opts); err != nil {
		return err
	}
	if b.opts.DTBAddress == 0 {
		b.opts.DTBAddress = 0x00100000
	}
	if b.opts.KernelLoad == 0 {
		b.opts.KernelLoad = 0x00200000
	}
	if b.opts.RootFSLoad == 0 {
		b.opts.RootFSLoad = 0x04000000
	}
	return nil
}

func (b *BootImg) Stages() []*engine.Stage {
	deps := []string{"clean", "distclean"}
	others := []string{"fsbl", "uboot", "dtb", "kernel", "rootfs"}
	if b.env.Config.Series == config.SeriesZynqMP {
		others = append(others, "pmu", "atf")
	}
	for _, other := range others {
		if b.enabled(other) {
			deps = append(deps, other+":build")
		}
	}
	stages := []*engine.Stage{
		{
			Name:         "build",
			Description:  "Assemble BOOT.BIN, the boot script, and the flash helper.",
			Check:        b.check,
			Run:          b.bypassable(b.build),
			Requires:     deps,
			After:        deps,
			IncludeInAll: true,
		},
	}
	return append(stages, b.cleanStages()...)
}

func (b *BootImg) check(ctx context.Context) (bool, error) {
	if b.byp.Bypassed() {
		return true, nil
	}
	ok := true
	for tool, hint := range map[string]string{
		"bootgen": "did you source the Vivado environment files?",
		"mkimage": "is uboot-tools (CentOS) or u-boot-tools (Ubuntu) installed?",
		"unzip":   "",
		"dtc":     "",
	} {
		if _, err := exec.LookPath(tool); err != nil {
			if hint == "" {
				b.log.Error("unable to locate tool", "tool", tool)
			} else {
				b.log.Error("unable to locate tool", "tool", tool, "hint", hint)
			}
			ok = false
		}
	}
	return ok, nil
}

func (b *BootImg) build(ctx context.Context) error {
	if err := b.writeBIF(); err != nil {
		return err
	}

	bootScript := b.opts.BootScript
	if bootScript == "" {
		bootScript = "bootimg.boot.scr"
	}
	if _, err := b.im.Import(ctx, bootScript, "boot.scr", source.Options{Optional: true}); err != nil {
		return err
	}

	b.log.Info("importing prior build products")
	if err := b.importArtifacts(ctx); err != nil {
		return err
	}

	parts, err := b.flashPartitions(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(b.paths.Build, "boot.scr")); err != nil {
		if err := b.generateBootScript(parts); err != nil {
			return err
		}
	}

	if err := b.extractBitstream(ctx); err != nil {
		return err
	}

	b.log.Info("generating BOOT.BIN")
	err = b.tool(ctx, "build", b.paths.Build,
		"bootgen", "-o", "BOOT.BIN", "-w", "on", "-image", "boot.bif", "-arch", b.env.Config.Series)
	if err != nil {
		return err
	}

	b.log.Info("generating boot.scr FIT image")
	err = b.tool(ctx, "build", b.paths.Build,
		"mkimage", "-c", "none", "-A", "arm", "-T", "script", "-d", "boot.scr", "boot.scr.ub")
	if err != nil {
		return err
	}

	outputs := []bootArtifact{
		{"BOOT.BIN", "BOOT.BIN", "boot"},
		{"boot.scr.ub", "bootscr.ub", "bootscr"},
		{b.kernelImage(), "kernel.bin", "kernel"},
		{"rootfs.cpio.uboot", "rootfs.ub", "rootfs"},
	}
	for _, out := range outputs {
		built := filepath.Join(b.paths.Build, out.built)
		if _, err := os.Stat(built); err != nil {
			return fmt.Errorf("%s not found after build", out.built)
		}
		if err := b.export(built, out.name); err != nil {
			return err
		}
	}

	return b.generateFlashScript(ctx, parts, outputs)
}

// Returns the file name of the kernel image for the target series.
func (b *BootImg) kernelImage() string {
	if b.env.Config.Series == config.SeriesZynq {
		return "zImage"
	}
	return "Image.gz"
}

// Writes the bootgen image description for the target series.
func (b *BootImg) writeBIF() error {
	var bif string
	if b.env.Config.Series == config.SeriesZynqMP {
		bif = fmt.Sprintf(`the_ROM_image:
{
	[bootloader, destination_cpu=a53-0] fsbl.elf
	[pmufw_image] pmufw.elf
	[destination_device=pl] system.bit
	[destination_cpu=a53-0, exception_level=el-3, trustzone] bl31.elf
	[destination_cpu=a53-0, load=0x%08x] system.dtb
	[destination_cpu=a53-0, exception_level=el-2] u-boot.elf
}
`, b.opts.DTBAddress)
	} else {
		bif = `the_ROM_image:
{
	[bootloader] fsbl.elf
	system.bit
	u-boot.elf
}
`
	}
	return os.WriteFile(filepath.Join(b.paths.Build, "boot.bif"), []byte(bif), 0644)
}

// Imports the build products from the other builders' output
// directories. When a builder is disabled its artifact is imported from
// the user sources instead, so a prebuilt file can stand in for it.
func (b *BootImg) importArtifacts(ctx context.Context) error {
	built := []struct {
		builder string
		name    string
	}{
		{"fsbl", "fsbl.elf"},
		{"uboot", "u-boot.elf"},
		{"dtb", "system.dtb"},
		{"kernel", b.kernelImage()},
		{"rootfs", "rootfs.cpio.uboot"},
	}
	if b.env.Config.Series == config.SeriesZynqMP {
		built = append(built, []struct {
			builder string
			name    string
		}{
			{"pmu", "pmufw.elf"},
			{"atf", "bl31.elf"},
		}...)
	}
	for _, art := range built {
		src := art.name
		if b.enabled(art.builder) {
			other, err := b.paths.Respecialize(art.builder)
			if err != nil {
				return err
			}
			src = filepath.Join(other.Output, art.name)
		}
		if _, err := b.im.Import(ctx, src, art.name, source.Options{Quiet: true}); err != nil {
			return err
		}
	}
	return nil
}

// Decompiles the built device tree and parses the flash partition scheme
// out of it.
func (b *BootImg) flashPartitions(ctx context.Context) (map[string]partition, error) {
	b.log.Info("parsing flash partition scheme from dts")
	err := b.tool(ctx, "build", b.paths.Build,
		"dtc", "-I", "dtb", "-O", "dts", "system.dtb", "-o", "system.dts")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.paths.Build, "system.dts"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDTSPartitions(f)
}

// Generates boot.scr from the flash partition scheme when the user
// supplies none.
func (b *BootImg) generateBootScript(parts map[string]partition) error {
	b.log.Info("generating boot.scr automatically")
	kernel, kok := parts["kernel"]
	rootfs, rok := parts["rootfs"]
	if !kok || !rok || kernel.Size == 0 || rootfs.Size == 0 {
		return fmt.Errorf("unable to find \"kernel\" and \"rootfs\" partitions in the device tree; supply a boot script source manually")
	}
	boot := "booti"
	if b.env.Config.Series == config.SeriesZynq {
		boot = "bootz"
	}
	script := fmt.Sprintf(`sf read 0x%08x 0x%08x 0x%08x;
sf read 0x%08x 0x%08x 0x%08x;
%s 0x%08x 0x%08x 0x%08x
`,
		b.opts.KernelLoad, kernel.Offset, kernel.Size,
		b.opts.RootFSLoad, rootfs.Offset, rootfs.Size,
		boot, b.opts.KernelLoad, b.opts.RootFSLoad, b.opts.DTBAddress)
	return os.WriteFile(filepath.Join(b.paths.Build, "boot.scr"), []byte(script), 0644)
}

// Extracts the single bitstream from the hardware design archive.
func (b *BootImg) extractBitstream(ctx context.Context) error {
	if _, err := b.im.Import(ctx, "system.xsa", "system.xsa", source.Options{}); err != nil {
		return err
	}
	xsaDir := filepath.Join(b.paths.Build, "xsa")
	if err := os.RemoveAll(xsaDir); err != nil {
		return err
	}
	if err := os.MkdirAll(xsaDir, 0755); err != nil {
		return err
	}
	b.log.Info("extracting XSA")
	if err := b.tool(ctx, "build", xsaDir, "unzip", "-x", "../system.xsa"); err != nil {
		return err
	}
	bitfiles, err := filepath.Glob(filepath.Join(xsaDir, "*.bit"))
	if err != nil {
		return err
	}
	if len(bitfiles) != 1 {
		return fmt.Errorf("expected exactly one bitfile in the XSA, found %d", len(bitfiles))
	}
	return os.Rename(bitfiles[0], filepath.Join(b.paths.Build, "system.bit"))
}

// Generates the flash.sh helper from the builtin template, mapping each
// exported artifact to its flash partition index.
func (b *BootImg) generateFlashScript(ctx context.Context, parts map[string]partition, outputs []bootArtifact) error {
	b.log.Info("generating flash.sh helper script")
	var entries []string
	for _, out := range outputs {
		part, ok := parts[out.partition]
		if !ok {
			b.log.Info("unable to generate flash.sh", "missing_partition", out.partition)
			return nil
		}
		entries = append(entries, fmt.Sprintf("%d:%s", part.Index, out.name))
	}

	if _, err := b.im.Import(ctx, "builtin:///bootimg/flash.sh", "flash.template.sh", source.Options{Quiet: true}); err != nil {
		return err
	}
	template, err := os.ReadFile(filepath.Join(b.paths.Build, "flash.template.sh"))
	if err != nil {
		return err
	}
	script := strings.Replace(string(template), "###PARTITIONS###", strings.Join(entries, " "), 1)
	dst := filepath.Join(b.paths.Output, "flash.sh")
	if err := os.WriteFile(dst, []byte(script), 0755); err != nil {
		return err
	}
	b.log.Info("exported artifact", "artifact", "flash.sh")
	return nil
}
