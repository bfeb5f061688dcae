package runner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
)

// waitForReadiness implements the two-phase probe from spec §4.2: first a
// bare TCP connect to the forwarded port, then a trivial remote command
// that must echo back its sentinel. Grounded on spec's explicit choice of
// exec'd ssh over an in-process client, adapted from tailscale's own
// dial-and-retry shape for readiness waits.
func waitForReadiness(ctx context.Context, hv interface{ Exited() bool }, port int, keyPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if hv.Exited() {
			return fmt.Errorf("hypervisor exited before readiness")
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d never opened within %v", port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	const attempts = 20
	for i := 0; i < attempts; i++ {
		out, err := runSSHOnce(ctx, "127.0.0.1", port, keyPath, "echo SSH_OK", 5*time.Second)
		if err == nil && strings.TrimSpace(out) == "SSH_OK" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("readiness command never succeeded within %v", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("readiness command did not succeed after %d attempts", attempts)
}

// runRemote is a convenience wrapper used internally (shutdown's poweroff)
// that doesn't go through the public single-flight Run().
func (r *Runner) runRemote(ctx context.Context, command string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	return runSSHOnce(ctx, "127.0.0.1", port, r.privateKeyPath(), command, timeout)
}

// runSSHOnce execs ssh once, returning its stdout (stderr is folded into
// the error on failure). Flags disable host
// key checking (ephemeral VM, ephemeral host key — nothing to pin against)
// and point at the private key file, per spec §6's remote-shell contract.
func runSSHOnce(ctx context.Context, host string, port int, keyPath, command string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=5",
		"-p", fmt.Sprintf("%d", port),
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, fmt.Sprintf("%s@%s", sshLoginUser, host), command)

	cmd := exec.CommandContext(cctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("ssh: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// Run executes command over the remote shell channel and collects its
// full output. Returns normally even on a non-zero guest exit code;
// transport failures (timeout, process error) are surfaced as an error.
// Single-flight: concurrent calls against the same runner serialize on
// runMu, per spec §9's per-runner concurrency note.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	r.mu.Lock()
	booted := r.booted
	port := r.port
	r.mu.Unlock()
	if !booted {
		return Result{}, apierr.New(apierr.Usage, "runner is not booted")
	}
	if timeout <= 0 {
		timeout = r.opts.TaskTimeout
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=5",
		"-p", fmt.Sprintf("%d", port),
		"-i", r.privateKeyPath(),
		fmt.Sprintf("%s@127.0.0.1", sshLoginUser),
		command,
	}
	cmd := exec.CommandContext(cctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil && cctx.Err() != nil {
		return Result{}, apierr.Wrap(apierr.Transport, "ssh command timed out", cctx.Err())
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, apierr.Wrap(apierr.Transport, "ssh transport failure", runErr)
		}
	}

	return Result{
		Stdout:   strings.TrimRight(stdout.String(), " \t\r\n"),
		Stderr:   strings.TrimRight(stderr.String(), " \t\r\n"),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// RunPipeline invokes Run for each command in order. With stopOnError
// (default true in callers), a non-zero exit or transport error halts the
// pipeline and returns the results accumulated so far plus stopped=true.
func (r *Runner) RunPipeline(ctx context.Context, commands []string, stopOnError bool) ([]Result, bool, error) {
	results := make([]Result, 0, len(commands))
	for _, cmd := range commands {
		res, err := r.Run(ctx, cmd, 0)
		if err != nil {
			return results, true, err
		}
		results = append(results, res)
		if stopOnError && res.ExitCode != 0 {
			return results, true, nil
		}
	}
	return results, false, nil
}

// Upload copies a single local file to the guest via scp.
func (r *Runner) Upload(ctx context.Context, localPath, remotePath string) error {
	return r.scp(ctx, localPath, fmt.Sprintf("%s@127.0.0.1:%s", sshLoginUser, remotePath), false)
}

// Download copies a single guest file to the host via scp.
func (r *Runner) Download(ctx context.Context, remotePath, localPath string) error {
	return r.scp(ctx, fmt.Sprintf("%s@127.0.0.1:%s", sshLoginUser, remotePath), localPath, true)
}

func (r *Runner) scp(ctx context.Context, src, dst string, _ bool) error {
	r.mu.Lock()
	booted := r.booted
	port := r.port
	r.mu.Unlock()
	if !booted {
		return apierr.New(apierr.Usage, "runner is not booted")
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	defer cancel()

	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-P", fmt.Sprintf("%d", port),
		"-i", r.privateKeyPath(),
		src, dst,
	}
	cmd := exec.CommandContext(cctx, "scp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apierr.Wrap(apierr.Transport, "scp transport failure", fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return nil
}
