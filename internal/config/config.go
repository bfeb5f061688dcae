// Package config holds carapaced's runtime configuration: directory
// layout, pool sizing, VM defaults, and the environment-variable overrides
// named in the external interfaces contract. Adapted from the teacher's
// internal/config/config.go — same struct-plus-DefaultConfig-plus-
// FindBinary shape, fields renamed from the OCI/kit domain to the
// pool/runner/server domain this spec actually has.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds carapaced's runtime configuration.
type Config struct {
	// DataDir is the base directory for per-runner work directories.
	DataDir string

	// BinDir is searched (after PATH) for the qemu-img binary — see
	// FindBinary. The qemu-system-* binary is HypervisorBinary or, when
	// that is empty, looked up on PATH.
	BinDir string

	// ListenAddr is the Control Server's loopback HTTP listen address.
	ListenAddr string

	// BaseImagePath is the shared read-only qcow2 base image every
	// runner's overlay is backed by. Overridable via IMAGE_PATH.
	BaseImagePath string

	// DefaultMemoryMB is the default per-VM memory in megabytes.
	DefaultMemoryMB int

	// PoolTargetSize is the warm pool's steady-state target slot count.
	PoolTargetSize int

	// PoolMaxSize is the hard cap on concurrent (warm+booting+active) VMs.
	PoolMaxSize int

	// MaxWarmAge, if non-zero, evicts warm slots older than this on scan.
	MaxWarmAge time.Duration

	// DefaultAcquireTimeout is used by acquire() when the caller supplies none.
	DefaultAcquireTimeout time.Duration

	// SSHWaitTimeout bounds how long boot() waits for the TCP+shell
	// readiness probe before declaring a boot-failure.
	SSHWaitTimeout time.Duration

	// TaskTimeout is the default run() timeout when a caller supplies none.
	TaskTimeout time.Duration

	// PortBase is the first port in the runner's loopback port range
	// (BASE + counter mod 100, per spec §4.2).
	PortBase int

	// EnableAccel controls whether boot() attempts hardware acceleration
	// when /dev/kvm is readable. Overridable via ENABLE_ACCEL.
	EnableAccel bool

	// ArchOverride forces a guest architecture ("amd64"/"arm64") instead
	// of the host's own. Overridable via ARCH_OVERRIDE.
	ArchOverride string

	// HypervisorBinary overrides auto-detected qemu-system-* binary
	// selection. Overridable via HYPERVISOR_BINARY.
	HypervisorBinary string

	// ReuseSeedIfPresent opts into reusing a pre-built key pair (an
	// id_private file colocated with the base image) instead of minting one
	// per boot; the key is copied into the runner's work directory. Only
	// the key is reused: a fresh seed image carrying its public key is
	// still built on every boot. Never a silent default — see DESIGN.md's
	// Open Questions.
	ReuseSeedIfPresent bool
}

// DefaultConfig returns the default configuration, matching the spec's
// stated defaults (512 MiB memory, 120s SSH-wait budget, etc.).
func DefaultConfig() *Config {
	base := filepath.Join(os.TempDir(), "carapaceos")

	cfg := &Config{
		DataDir:               base,
		BinDir:                executableDir(),
		ListenAddr:            "127.0.0.1:8077",
		BaseImagePath:         "",
		DefaultMemoryMB:       512,
		PoolTargetSize:        2,
		PoolMaxSize:           16,
		MaxWarmAge:            0,
		DefaultAcquireTimeout: 30 * time.Second,
		SSHWaitTimeout:        120 * time.Second,
		TaskTimeout:           5 * time.Minute,
		PortBase:              22220,
		EnableAccel:           true,
		ReuseSeedIfPresent:    false,
	}
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv applies the environment-variable overrides named in the spec's
// external interfaces section: ENABLE_ACCEL, ARCH_OVERRIDE,
// HYPERVISOR_BINARY, IMAGE_PATH.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ENABLE_ACCEL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableAccel = b
		}
	}
	if v := os.Getenv("ARCH_OVERRIDE"); v != "" {
		c.ArchOverride = v
	}
	if v := os.Getenv("HYPERVISOR_BINARY"); v != "" {
		c.HypervisorBinary = v
	}
	if v := os.Getenv("IMAGE_PATH"); v != "" {
		c.BaseImagePath = v
	}
}

// EnsureDirs creates all directories Config references.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found. Adapted verbatim from the
// teacher's internal/config/config.go.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/local/bin", "/usr/bin", "/opt/homebrew/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// HostArch returns the guest architecture to target: ArchOverride if set,
// else the host's own GOARCH ("amd64" or "arm64").
func (c *Config) HostArch() string {
	if c.ArchOverride != "" {
		return c.ArchOverride
	}
	return runtime.GOARCH
}
