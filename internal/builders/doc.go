// Package builders holds the concrete builders: U-Boot, the Linux
// kernel, the device tree, the buildroot root filesystem, and the final
// boot image. Each builder declares its stages against the orchestration
// engine and owns its own build workspace, output directory, state
// store, and bypass resolver.
package builders
