// carapaced is the control-plane daemon for ephemeral, network-isolated
// VMs: it keeps a warm pool of booted VMs ready for immediate use and
// exposes acquire/run/release over a local HTTP API. Daemon wiring
// (config → backend → registry → API server → signal handling) is
// adapted from the teacher's cmd/aegisd/main.go, trimmed of the
// lifecycle/router/daemon/tether/secrets machinery this spec has no
// component for — this daemon has exactly one VM backend (QEMU), one
// pool, and one HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clark235/carapaceos/internal/api"
	"github.com/clark235/carapaceos/internal/config"
	"github.com/clark235/carapaceos/internal/hypervisor"
	"github.com/clark235/carapaceos/internal/overlay"
	"github.com/clark235/carapaceos/internal/pool"
	"github.com/clark235/carapaceos/internal/registry"
	"github.com/clark235/carapaceos/internal/runner"
	"github.com/clark235/carapaceos/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.Version())
		return
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if cfg.BaseImagePath == "" {
		log.Fatal("IMAGE_PATH is not set: a base qcow2 image is required")
	}

	arch := cfg.HostArch()
	accel := cfg.EnableAccel && hypervisor.DetectAccel()
	log.Printf("carapaceos %s starting (arch=%s accel=%v)", version.Version(), arch, accel)

	overlay.CleanStale(cfg.DataDir, 1*time.Hour)

	qemuImgBin := config.FindBinary("qemu-img", cfg.BinDir)
	hypervisorBin := cfg.HypervisorBinary

	p := pool.New(pool.Config{
		TargetSize:     cfg.PoolTargetSize,
		MaxSize:        cfg.PoolMaxSize,
		MemoryMB:       cfg.DefaultMemoryMB,
		MaxWarmAge:     cfg.MaxWarmAge,
		BootTimeout:    cfg.SSHWaitTimeout + 30*time.Second,
		NewRunnerOptions: func() runner.Options {
			return runner.Options{
				BaseImagePath:  cfg.BaseImagePath,
				WorkDir:        cfg.DataDir,
				MemoryMB:       cfg.DefaultMemoryMB,
				PortBase:       cfg.PortBase,
				SSHWaitTimeout: cfg.SSHWaitTimeout,
				TaskTimeout:    cfg.TaskTimeout,
				EnableAccel:    cfg.EnableAccel,
				Arch:           arch,
				HypervisorBin:  hypervisorBin,
				QemuImgBin:     qemuImgBin,
				ReuseSeed:      cfg.ReuseSeedIfPresent,
			}
		},
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer startCancel()
	if err := p.Start(startCtx); err != nil {
		log.Fatalf("pool failed to reach first warm slot: %v", err)
	}
	log.Printf("pool started: %s", p.StatusLine())

	reg := registry.New()

	server := api.NewServer(cfg, p, reg)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	pidPath := cfg.DataDir + "/carapaced.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Printf("carapaced ready (pid %d, listening on %s)", os.Getpid(), server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Per spec §4.2/§4.4: release every active runner and stop the pool
	// before closing the listener, so nothing can acquire a VM from a
	// pool that's already unwinding; the listener close then rejects
	// in-flight requests rather than draining them to completion.
	p.Stop()
	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Println("carapaced stopped")
}
