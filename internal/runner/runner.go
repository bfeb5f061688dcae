// Package runner manages one VM from boot to destruction: work directory
// layout, key and seed material, the hypervisor child process, and the
// exec'd ssh/scp channel used for run/upload/download. State shape and the
// per-instance mutex discipline are adapted from the teacher's
// internal/lifecycle.Instance; the state machine itself is simplified to
// this spec's "boot once, run many, shut down once" lifecycle — there is
// no pause/resume here.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/hypervisor"
	"github.com/clark235/carapaceos/internal/overlay"
	"github.com/clark235/carapaceos/internal/seed"
	"github.com/clark235/carapaceos/internal/sshkey"
)

// portCounter is a process-scoped monotonic counter. Ports are allocated
// as PortBase + (counter mod 100), matching cloudhv.go's atomic subnet
// counter pattern adapted from IP subnets to TCP ports. Per spec §4.2 and
// §9, this caps safe concurrency at 100 runners; collisions are a known,
// documented limitation, not silently patched with a probe-before-commit
// scheme.
var portCounter uint32

func nextPort(base int) int {
	idx := atomic.AddUint32(&portCounter, 1) - 1
	return base + int(idx%100)
}

// Options configures a single runner.
type Options struct {
	BaseImagePath  string
	WorkDir        string // parent directory for this runner's unique subdirectory
	MemoryMB       int
	PortBase       int
	SSHWaitTimeout time.Duration
	TaskTimeout    time.Duration
	EnableAccel    bool
	Arch           string
	HypervisorBin  string
	QemuImgBin     string
	ReuseSeed      bool // see config.ReuseSeedIfPresent
}

// Result is the outcome of a single run() call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner manages one VM's full lifecycle. Grounded on the teacher's
// lifecycle.Instance: a per-instance mutex guards mutable fields, and
// public methods take the lock individually rather than holding it across
// the I/O they perform.
type Runner struct {
	mu sync.Mutex

	opts    Options
	dir     string
	booted  bool
	shut    bool
	port    int
	keys    *sshkey.Pair
	overlay overlay.Overlay
	hv      *hypervisor.Handle

	runMu sync.Mutex // serializes run()/upload()/download() — single-flight per spec §9
}

// New prepares a runner's work directory but does not boot it.
func New(opts Options) (*Runner, error) {
	if opts.BaseImagePath == "" {
		return nil, apierr.New(apierr.Usage, "base image path is required")
	}

	dir, err := os.MkdirTemp(opts.WorkDir, "carapaceos-run-")
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create work directory", err)
	}

	return &Runner{
		opts:    opts,
		dir:     dir,
		overlay: overlay.NewQcowOverlay(opts.QemuImgBin),
	}, nil
}

// WorkDir returns the runner's unique work directory.
func (r *Runner) WorkDir() string {
	return r.dir
}

// Port returns the allocated loopback SSH port. Zero before boot.
func (r *Runner) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Booted reports whether boot() has completed successfully.
func (r *Runner) Booted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.booted
}

func (r *Runner) path(name string) string {
	return filepath.Join(r.dir, name)
}

// Boot prepares a key pair and seed, creates a copy-on-write overlay,
// allocates a loopback port, spawns the hypervisor, and waits for
// readiness. All-or-nothing: any failure cleans up everything boot()
// created before returning, per spec §4.2.
func (r *Runner) Boot(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.booted {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	defer func() {
		if err != nil {
			os.Remove(r.path("id_private"))
			os.Remove(r.path("id_private.pub"))
			os.Remove(r.path("seed.iso"))
		}
	}()

	keys, err := r.prepareKeys()
	if err != nil {
		return apierr.Wrap(apierr.BootFailure, "prepare keys", err)
	}

	seedPath := r.path("seed.iso")
	if err := seed.BuildSeed(seed.Options{
		AuthorizedPublicKey: keys.AuthorizedKeysLine,
		OutputPath:          seedPath,
	}); err != nil {
		return apierr.Wrap(apierr.BootFailure, "build seed", err)
	}

	overlayPath := r.path("overlay.qcow2")
	if _, err := r.overlay.Create(ctx, r.opts.BaseImagePath, overlayPath); err != nil {
		return apierr.Wrap(apierr.BootFailure, "create overlay", err)
	}

	port := nextPort(r.opts.PortBase)
	accel := r.opts.EnableAccel && hypervisor.DetectAccel()

	serialLog := r.path("boot.log")
	hv, err := hypervisor.Launch(ctx, hypervisor.Config{
		OverlayPath:   overlayPath,
		SeedPath:      seedPath,
		MemoryMB:      r.opts.MemoryMB,
		HostSSHPort:   port,
		SerialLogPath: serialLog,
		Accelerated:   accel,
		Arch:          r.opts.Arch,
		Binary:        r.opts.HypervisorBin,
	})
	if err != nil {
		r.overlay.Remove(overlayPath)
		return apierr.Wrap(apierr.BootFailure, "launch hypervisor", err)
	}

	defer func() {
		if err != nil {
			hv.Kill()
			r.overlay.Remove(overlayPath)
		}
	}()

	waitTimeout := r.opts.SSHWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 120 * time.Second
	}

	if err = waitForReadiness(ctx, hv, port, r.path("id_private"), waitTimeout); err != nil {
		return apierr.Wrap(apierr.BootFailure, "wait for readiness", err)
	}

	r.mu.Lock()
	r.keys = keys
	r.port = port
	r.hv = hv
	r.booted = true
	r.mu.Unlock()

	return nil
}

func (r *Runner) prepareKeys() (*sshkey.Pair, error) {
	privatePath := r.path("id_private")

	if r.opts.ReuseSeed {
		if pair, err := sshkey.LoadPair(filepath.Join(filepath.Dir(r.opts.BaseImagePath), "id_private")); err == nil {
			if err := pair.WriteFiles(privatePath); err != nil {
				return nil, err
			}
			return pair, nil
		}
	}

	pair, err := sshkey.Generate()
	if err != nil {
		return nil, err
	}
	if err := pair.WriteFiles(privatePath); err != nil {
		return nil, err
	}
	return pair, nil
}

// sshLoginUser is the guest account cloud-init's user-data grants the
// authorized key to. cloudinit.go's user-data only sets
// ssh_authorized_keys on the default distro user and disable_root: false;
// it never provisions a "carapace" account, so the runner logs in as
// root, per spec §6.
const sshLoginUser = "root"

func (r *Runner) privateKeyPath() string {
	return r.path("id_private")
}

// Shutdown attempts a graceful in-guest power-off, waits a short grace
// period, then kills the hypervisor child. Regardless of path, the work
// directory is removed unless keepWorkDir is set. Idempotent: a second
// call is a no-op. Never returns an error — per spec §4.2, shutdown
// swallows all failures.
func (r *Runner) Shutdown(ctx context.Context, keepWorkDir bool) {
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return
	}
	r.shut = true
	hv := r.hv
	booted := r.booted
	r.mu.Unlock()

	if booted && hv != nil {
		_, _ = r.runRemote(ctx, "sudo poweroff", 5*time.Second)
		done := make(chan struct{})
		go func() {
			hv.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			if err := hv.Kill(); err != nil {
				log.Printf("runner: kill hypervisor: %v", err)
			}
		}
	} else if hv != nil {
		hv.Kill()
	}

	r.archiveSerialLog()

	if !keepWorkDir {
		if err := os.RemoveAll(r.dir); err != nil {
			log.Printf("runner: remove work dir %s: %v", r.dir, err)
		}
	}
}

func (r *Runner) archiveSerialLog() {
	src := r.path("boot.log")
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	dest := filepath.Join(os.TempDir(), fmt.Sprintf("carapaceos-serial-%s.log", filepath.Base(r.dir)))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		log.Printf("runner: archive serial log: %v", err)
	}
}
