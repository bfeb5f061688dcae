// Package pool pre-boots and hands out runners so acquisition latency
// approaches zero while preserving per-runner isolation. All mutable state
// sits behind one mutex, and each queued waiter gets its own result
// channel; the locking discipline is grounded on oriys-nova's
// internal/pool.Pool — deliberately without its
// warm-VM-reuse-after-release behaviour, which spec §4.3 forbids outright
// ("no recycling" is the isolation invariant here, not an optimisation to
// preserve).
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/runner"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Slot state machine, per spec §4.3.
type slotState int

const (
	stateBooting slotState = iota
	stateWarm
	stateActive
	stateDead
)

func (s slotState) String() string {
	switch s {
	case stateBooting:
		return "booting"
	case stateWarm:
		return "warm"
	case stateActive:
		return "active"
	default:
		return "dead"
	}
}

type slot struct {
	id        string
	state     slotState
	runner    *runner.Runner
	warmSince time.Time
	bootErr   error
}

// Config configures a Pool. Fields map directly to the spec §4.3 algorithm
// parameters.
type Config struct {
	TargetSize        int
	MaxSize           int
	MemoryMB          int
	MaxWarmAge        time.Duration // 0 disables staleness eviction
	RefillDebounce    time.Duration
	BootRetryDelay    time.Duration
	NewRunnerOptions  func() runner.Options
	BootTimeout       time.Duration
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	Warm       int
	Booting    int
	Active     int
	Total      int
	Waiters    int
	TargetSize int
	MaxSize    int
}

type waiter struct {
	ch chan acquireResult
}

type acquireResult struct {
	runner *runner.Runner
	err    error
}

// Pool manages a set of warm runners.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	slots    map[string]*slot
	waiters  *list.List // of *waiter, FIFO
	started  bool
	stopping bool

	refillTimer *time.Timer
	sem         *semaphore.Weighted
}

// New creates a Pool. Start must be called before Acquire.
func New(cfg Config) *Pool {
	if cfg.RefillDebounce <= 0 {
		cfg.RefillDebounce = 50 * time.Millisecond
	}
	if cfg.BootRetryDelay <= 0 {
		cfg.BootRetryDelay = 5 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		slots:   make(map[string]*slot),
		waiters: list.New(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
	}
}

// Start marks the pool started, triggers an initial refill to target size,
// and blocks until at least one slot reaches warm — or returns an error if
// every initial boot attempt failed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.refill(ctx)

	deadline := time.Now().Add(p.cfg.BootTimeout)
	if p.cfg.BootTimeout <= 0 {
		deadline = time.Now().Add(2 * time.Minute)
	}
	for {
		p.mu.Lock()
		warm, booting := p.countLocked(stateWarm), p.countLocked(stateBooting)
		p.mu.Unlock()
		if warm >= 1 {
			return nil
		}
		if booting == 0 {
			return apierr.New(apierr.BootFailure, "pool: all initial boot attempts failed")
		}
		if time.Now().After(deadline) {
			return apierr.New(apierr.BootFailure, "pool: timed out waiting for first warm slot")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Acquire returns the oldest warm runner, transitioning its slot to
// active. If none is warm, it enqueues a FIFO waiter with the given
// timeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*runner.Runner, error) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil, apierr.New(apierr.PoolStopped, "pool is stopped")
	}

	p.evictStaleLocked()

	if s := p.oldestWarmLocked(); s != nil {
		s.state = stateActive
		p.mu.Unlock()
		p.scheduleRefill()
		return s.runner, nil
	}

	w := &waiter{ch: make(chan acquireResult, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.runner, res.err
	case <-timer.C:
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, apierr.New(apierr.PoolExhausted, "acquire timed out waiting for a warm runner")
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release locates the owning slot, marks it dead, schedules (without
// awaiting) the runner's shutdown, removes the slot from the registry, and
// triggers a refill. Unknown runners are shut down and otherwise ignored.
func (p *Pool) Release(r *runner.Runner) {
	p.mu.Lock()
	var found *slot
	for _, s := range p.slots {
		if s.runner == r {
			found = s
			break
		}
	}
	if found == nil {
		p.mu.Unlock()
		go r.Shutdown(context.Background(), false)
		return
	}
	found.state = stateDead
	delete(p.slots, found.id)
	p.mu.Unlock()

	go r.Shutdown(context.Background(), false)
	p.scheduleRefill()
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Warm:       p.countLocked(stateWarm),
		Booting:    p.countLocked(stateBooting),
		Active:     p.countLocked(stateActive),
		Total:      len(p.slots),
		Waiters:    p.waiters.Len(),
		TargetSize: p.cfg.TargetSize,
		MaxSize:    p.cfg.MaxSize,
	}
}

// StatusLine renders Stats as a short human-readable line for logging.
func (p *Pool) StatusLine() string {
	s := p.Stats()
	return fmt.Sprintf("warm=%d booting=%d active=%d total=%d waiters=%d target=%d max=%d",
		s.Warm, s.Booting, s.Active, s.Total, s.Waiters, s.TargetSize, s.MaxSize)
}

// Resize changes the target size. It does no range check of its own; the
// /pool/resize handler accepts only 0..16. It kicks the refill loop
// immediately so growth converges promptly.
func (p *Pool) Resize(target int) {
	p.mu.Lock()
	p.cfg.TargetSize = target
	p.mu.Unlock()
	p.scheduleRefill()
}

// Stop transitions to stopping, rejects all pending waiters, shuts down
// every non-dead runner in parallel, and clears the registry. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	if p.refillTimer != nil {
		p.refillTimer.Stop()
	}

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.ch <- acquireResult{err: apierr.New(apierr.PoolStopped, "pool stopped")}
	}
	p.waiters.Init()

	runners := make([]*runner.Runner, 0, len(p.slots))
	for _, s := range p.slots {
		if s.state != stateDead && s.runner != nil {
			runners = append(runners, s.runner)
		}
	}
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			r.Shutdown(context.Background(), false)
		}(r)
	}
	wg.Wait()
}

func (p *Pool) countLocked(want slotState) int {
	n := 0
	for _, s := range p.slots {
		if s.state == want {
			n++
		}
	}
	return n
}

func (p *Pool) oldestWarmLocked() *slot {
	var oldest *slot
	for _, s := range p.slots {
		if s.state != stateWarm {
			continue
		}
		if oldest == nil || s.warmSince.Before(oldest.warmSince) {
			oldest = s
		}
	}
	return oldest
}

// evictStaleLocked marks warm slots whose age exceeds MaxWarmAge as dead,
// shutting down their runners asynchronously. Called during acquire
// candidate selection, per spec §4.3.
func (p *Pool) evictStaleLocked() {
	if p.cfg.MaxWarmAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.MaxWarmAge)
	for id, s := range p.slots {
		if s.state == stateWarm && s.warmSince.Before(cutoff) {
			r := s.runner
			delete(p.slots, id)
			go r.Shutdown(context.Background(), false)
			go p.scheduleRefill()
		}
	}
}

// scheduleRefill debounces refill() invocations per spec §4.3's "after any
// acquisition or release, and on configurable debounce" rule.
func (p *Pool) scheduleRefill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return
	}
	if p.refillTimer != nil {
		return
	}
	p.refillTimer = time.AfterFunc(p.cfg.RefillDebounce, func() {
		p.mu.Lock()
		p.refillTimer = nil
		p.mu.Unlock()
		p.refill(context.Background())
	})
}

// refill computes needed = target_size - (warm+booting) and
// can_boot = max_size - total, then starts min(needed, can_boot) boots
// concurrently via an errgroup, bounded additionally by a weighted
// semaphore sized to MaxSize.
func (p *Pool) refill(ctx context.Context) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	warm, booting := p.countLocked(stateWarm), p.countLocked(stateBooting)
	needed := p.cfg.TargetSize - (warm + booting)
	canBoot := p.cfg.MaxSize - len(p.slots)
	p.mu.Unlock()

	n := needed
	if canBoot < n {
		n = canBoot
	}
	if n <= 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			p.bootOne(gctx)
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) bootOne(ctx context.Context) {
	id := uuid.NewString()
	s := &slot{id: id, state: stateBooting}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.slots[id] = s
	p.mu.Unlock()

	r, err := runner.New(p.cfg.NewRunnerOptions())
	if err == nil {
		bootCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.BootTimeout > 0 {
			bootCtx, cancel = context.WithTimeout(ctx, p.cfg.BootTimeout)
			defer cancel()
		}
		err = r.Boot(bootCtx)
	}

	p.mu.Lock()
	if err != nil {
		s.state = stateDead
		s.bootErr = err
		delete(p.slots, id)
		p.mu.Unlock()
		log.Printf("pool: boot failed for slot %s: %v", id, err)
		time.AfterFunc(p.cfg.BootRetryDelay, func() { p.scheduleRefill() })
		return
	}

	s.state = stateWarm
	s.runner = r
	s.warmSince = time.Now()
	p.drainWaitersLocked()
	p.mu.Unlock()
}

// drainWaitersLocked hands freshly-warmed slots to the longest-waiting
// waiters in arrival order until the queue empties or no warm slots
// remain, per spec §4.3's FIFO fairness rule. Caller holds p.mu.
func (p *Pool) drainWaitersLocked() {
	for p.waiters.Len() > 0 {
		s := p.oldestWarmLocked()
		if s == nil {
			return
		}
		front := p.waiters.Front()
		w := p.waiters.Remove(front).(*waiter)
		s.state = stateActive
		w.ch <- acquireResult{runner: s.runner}
	}
}
