package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/runner"
)

// fakeRunnerOptions returns Options pointing at a nonexistent base image so
// every real Boot() would fail fast; tests below exercise the pool's state
// machine through its exported surface (and, in places, its internal
// fields and drainWaitersLocked) and don't depend on a real hypervisor
// being bootable in this environment.
func fakeRunnerOptions(dir string) runner.Options {
	return runner.Options{
		BaseImagePath: "/nonexistent/base.qcow2",
		WorkDir:       dir,
	}
}

func newTestPool(t *testing.T, target, max int) *Pool {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		TargetSize:       target,
		MaxSize:          max,
		RefillDebounce:   10 * time.Millisecond,
		BootRetryDelay:   50 * time.Millisecond,
		BootTimeout:      2 * time.Second,
		NewRunnerOptions: func() runner.Options { return fakeRunnerOptions(dir) },
	})
}

func TestStartFailsWhenAllBootsFail(t *testing.T) {
	p := newTestPool(t, 2, 4)
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail since base image does not exist")
	}
	if apierr.KindOf(err) != apierr.BootFailure {
		t.Errorf("expected BootFailure kind, got %v", apierr.KindOf(err))
	}
}

func TestAcquireRejectsAfterStop(t *testing.T) {
	p := newTestPool(t, 0, 4)
	p.Stop()
	_, err := p.Acquire(context.Background(), 50*time.Millisecond)
	if apierr.KindOf(err) != apierr.PoolStopped {
		t.Errorf("expected PoolStopped, got %v", err)
	}
}

func TestAcquireTimesOutWhenNothingWarm(t *testing.T) {
	p := newTestPool(t, 0, 4) // target 0: nothing ever warms
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	start := time.Now()
	_, err := p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	if apierr.KindOf(err) != apierr.PoolExhausted {
		t.Errorf("expected PoolExhausted, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("expected timeout within 100-300ms, got %v", elapsed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := newTestPool(t, 0, 4)
	p.Stop()
	p.Stop()
}

func TestStatsReflectsTargetAndMax(t *testing.T) {
	p := newTestPool(t, 3, 10)
	stats := p.Stats()
	if stats.TargetSize != 3 || stats.MaxSize != 10 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReleaseOfUnknownRunnerIsShutDownAndIgnored(t *testing.T) {
	p := newTestPool(t, 0, 4)
	r, err := runner.New(fakeRunnerOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	// Release of a runner never tracked by any slot should not panic and
	// should still shut the runner down.
	p.Release(r)
	time.Sleep(20 * time.Millisecond)
	if r.Booted() {
		t.Error("unbooted runner should not report booted after release")
	}
	if _, err := os.Stat(r.WorkDir()); !os.IsNotExist(err) {
		t.Error("released runner's work directory should be removed by shutdown")
	}
}

func TestResizeUpdatesTargetSize(t *testing.T) {
	p := newTestPool(t, 1, 10)
	p.Resize(5)
	if got := p.Stats().TargetSize; got != 5 {
		t.Errorf("expected target size 5, got %d", got)
	}
}

func TestFIFOWaiterOrderOnManualWarm(t *testing.T) {
	// Directly exercises drainWaitersLocked's FIFO contract without
	// depending on a real boot: two waiters enqueue, then two slots are
	// manually marked warm one at a time, and each warming must satisfy
	// the longest-waiting queued caller first.
	p := newTestPool(t, 0, 4)
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	type outcome struct {
		order int
		r     *runner.Runner
		err   error
	}
	results := make(chan outcome, 2)

	r1, _ := runner.New(fakeRunnerOptions(t.TempDir()))
	r2, _ := runner.New(fakeRunnerOptions(t.TempDir()))

	go func() {
		r, err := p.Acquire(context.Background(), time.Second)
		results <- outcome{order: 1, r: r, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		r, err := p.Acquire(context.Background(), time.Second)
		results <- outcome{order: 2, r: r, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.slots["slot-a"] = &slot{id: "slot-a", state: stateWarm, runner: r1, warmSince: time.Now()}
	p.drainWaitersLocked()
	p.mu.Unlock()

	first := <-results
	if first.err != nil || first.r != r1 {
		t.Fatalf("expected first waiter to receive r1, got %+v", first)
	}

	p.mu.Lock()
	p.slots["slot-b"] = &slot{id: "slot-b", state: stateWarm, runner: r2, warmSince: time.Now()}
	p.drainWaitersLocked()
	p.mu.Unlock()

	second := <-results
	if second.err != nil || second.r != r2 {
		t.Fatalf("expected second waiter to receive r2, got %+v", second)
	}
}

func TestStatusLineIsNonEmpty(t *testing.T) {
	p := newTestPool(t, 1, 4)
	if p.StatusLine() == "" {
		t.Error("expected non-empty status line")
	}
}
