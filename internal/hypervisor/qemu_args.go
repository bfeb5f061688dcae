package hypervisor

import (
	"fmt"
	"strings"
)

// BuildArgs constructs the qemu-system-* argument vector for cfg. Grounded
// directly on torvmremix's internal/vm/qemu_args.go BuildArgs: q35 machine
// type, accel-matched cpu flag, virtio-blk-pci primary disk, a cdrom for
// the seed, user-mode networking with a single hostfwd rule, serial output
// to a file, and -display none (this spec never needs a graphical console).
func BuildArgs(cfg Config) ([]string, error) {
	if cfg.OverlayPath == "" {
		return nil, fmt.Errorf("overlay path is required")
	}
	if cfg.SeedPath == "" {
		return nil, fmt.Errorf("seed path is required")
	}
	if strings.ContainsRune(cfg.OverlayPath, 0) || strings.ContainsRune(cfg.SeedPath, 0) {
		return nil, fmt.Errorf("path contains a null byte")
	}

	memMB := cfg.MemoryMB
	if memMB <= 0 {
		memMB = 512
	}

	args := []string{}
	args = append(args, machineArgs(cfg)...)
	args = append(args, "-m", fmt.Sprintf("%d", memMB))
	args = append(args, blockArgs(cfg)...)
	args = append(args,
		"-cdrom", cfg.SeedPath,
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", cfg.HostSSHPort),
		"-device", "virtio-net-pci,netdev=net0",
		"-display", "none",
	)
	if cfg.SerialLogPath != "" {
		args = append(args, "-serial", "file:"+cfg.SerialLogPath)
	}

	return args, nil
}

// machineArgs selects the machine type and accelerator, matching cpu flags
// to the accelerator the way torvmremix's machineArgs does: cpu=host only
// makes sense paired with a hardware accelerator, cpu=qemu64 is the
// portable fallback under pure software emulation.
func machineArgs(cfg Config) []string {
	if cfg.Accelerated {
		return []string{
			"-machine", "q35,accel=kvm",
			"-cpu", "host",
		}
	}
	return []string{
		"-machine", "q35,accel=tcg",
		"-cpu", "qemu64",
	}
}

// blockArgs attaches the overlay as a virtio-blk-pci drive. cache=none +
// aio=native is safe and fast under KVM; cache=writeback is used under TCG
// where aio=native isn't available, matching torvmremix's split.
func blockArgs(cfg Config) []string {
	cache := "writeback"
	aio := "threads"
	if cfg.Accelerated {
		cache = "none"
		aio = "native"
	}
	return []string{
		"-drive", fmt.Sprintf("file=%s,if=none,id=drive0,format=qcow2,cache=%s,aio=%s", cfg.OverlayPath, cache, aio),
		"-device", "virtio-blk-pci,drive=drive0",
	}
}
