// Package sched implements the multi-CPU scheduler: one goroutine per
// simulated CPU, each with a local run queue and a shared global queue,
// round-robin by default with an optional fair (lowest-runs-first) mode,
// and a big-kernel-lock or fine-grained rebalancing policy selected at
// construction time.
package sched

import (
	"context"
	"sync"
	"time"

	"task"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

/// Locking selects how cpuLoop rebalances against the global run queue.
type Locking int

const (
	// BigKernelLock always takes the global queue lock to rebalance,
	// guaranteeing every CPU reaches its fair share every time it looks.
	BigKernelLock Locking = iota
	// FineGrained skips rebalancing this round rather than block on a
	// contended global queue lock.
	FineGrained
)

/// Config_t carries every build-time knob the original kernel compiled in,
/// exposed here as constructor arguments instead.
type Config_t struct {
	NCPUs     int
	Fair      bool
	Timeslice time.Duration
	Locking   Locking
}

type cpu_t struct {
	id    int
	mu    sync.Mutex
	runq  []*task.Task_t
	nextq []*task.Task_t
}

/// Sched_t owns the per-CPU and global run queues and drives the task
/// table's lifecycle operations as tasks finish their timeslice, block, or
/// die. Mirrors sched.c/sched_util.c.
type Sched_t struct {
	cfg   Config_t
	cpus  []*cpu_t
	table *task.Table_t
	log   *zap.SugaredLogger

	globalMu sync.Mutex
	global   []*task.Task_t
}

/// New builds a scheduler over ncpus simulated CPUs and wires itself into
/// table's OnEnqueue hook, so every task.Create/Clone/wakeup lands on the
/// global run queue without task needing to import sched.
func New(cfg Config_t, table *task.Table_t, log *zap.SugaredLogger) *Sched_t {
	if cfg.NCPUs < 1 {
		cfg.NCPUs = 1
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = 10 * time.Millisecond
	}
	s := &Sched_t{cfg: cfg, table: table, log: log}
	s.cpus = make([]*cpu_t, cfg.NCPUs)
	for i := range s.cpus {
		s.cpus[i] = &cpu_t{id: i}
	}
	table.OnEnqueue = s.enqueueGlobal
	return s
}

func (s *Sched_t) enqueueGlobal(t *task.Task_t) {
	s.globalMu.Lock()
	s.global = append(s.global, t)
	s.globalMu.Unlock()
}

// rebalance pulls tasks from the global queue onto cpu's local queue up to
// its ceil(nuser/ncpus) fair share. Under FineGrained locking it gives up
// immediately if the global queue is contended rather than block; under
// BigKernelLock it always waits for the lock, guaranteeing the share is
// reached. Mirrors the BKL-vs-FGL rebalancing split sched.c describes.
func (s *Sched_t) rebalance(cpu *cpu_t) {
	nuser, _ := s.table.Counts()
	target := (nuser + len(s.cpus) - 1) / len(s.cpus)
	if target < 1 {
		target = 1
	}

	if s.cfg.Locking == FineGrained {
		if !s.globalMu.TryLock() {
			return
		}
	} else {
		s.globalMu.Lock()
	}
	defer s.globalMu.Unlock()

	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	for len(cpu.runq) < target && len(s.global) > 0 {
		cpu.runq = append(cpu.runq, s.global[0])
		s.global = s.global[1:]
	}
}

// pickNext pops the next task to run from cpu's local queue, swapping in
// nextq and rebalancing against the global queue first if the local queue
// is empty. In fair mode the task with the fewest Runs so far is chosen
// instead of strict FIFO. Mirrors sched_yield's queue-selection half.
func (s *Sched_t) pickNext(cpu *cpu_t) *task.Task_t {
	cpu.mu.Lock()
	if len(cpu.runq) == 0 && len(cpu.nextq) > 0 {
		cpu.runq, cpu.nextq = cpu.nextq, cpu.runq[:0]
	}
	empty := len(cpu.runq) == 0
	cpu.mu.Unlock()

	if empty {
		s.rebalance(cpu)
	}

	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if len(cpu.runq) == 0 {
		return nil
	}
	idx := 0
	if s.cfg.Fair {
		for i, t := range cpu.runq {
			if t.Runs < cpu.runq[idx].Runs {
				idx = i
			}
		}
	}
	t := cpu.runq[idx]
	cpu.runq = append(cpu.runq[:idx], cpu.runq[idx+1:]...)
	return t
}

// runOne gives t one timeslice, then reinserts it (on this CPU's nextq),
// destroys it (if it died or was killed during the slice), or leaves it
// off every queue (if it blocked in Waitpid — MakeZombieOrFree's OnEnqueue
// call is what brings it back). Mirrors the per-task portion of
// sched_yield/task_run; the original's register-frame save/restore and
// iret have no counterpart since no real code executes during a slice
// here.
func (s *Sched_t) runOne(ctx context.Context, cpu *cpu_t, t *task.Task_t, ticker *time.Ticker) {
	ok, start := t.BeginSlice()
	if !ok {
		s.table.Destroy(t, -1)
		return
	}

	select {
	case <-ctx.Done():
	case <-ticker.C:
	}

	switch t.EndSlice(start) {
	case task.TASK_DYING:
		s.table.Destroy(t, -1)
	case task.TASK_NOT_RUNNABLE:
		// blocked (e.g. in Waitpid); left off every queue until woken.
	default:
		cpu.mu.Lock()
		cpu.nextq = append(cpu.nextq, t)
		cpu.mu.Unlock()
	}
}

// cpuLoop drives one simulated CPU until ctx is cancelled or there is
// nothing left to run: no user tasks and no kernel tasks. The original
// halts the real CPU in that case; the simulator just returns, ending
// this goroutine cleanly rather than spinning forever.
func (s *Sched_t) cpuLoop(ctx context.Context, cpu *cpu_t) error {
	ticker := time.NewTicker(s.cfg.Timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		nuser, nkernel := s.table.Counts()
		if nuser == 0 && nkernel == 0 {
			return nil
		}
		t := s.pickNext(cpu)
		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}
		s.runOne(ctx, cpu, t, ticker)
	}
}

/// Run starts every CPU's loop plus any extra long-running kernel tasks
/// (the swap and OOM reaper loops, in practice) under one errgroup, so a
/// panic or error in any of them cancels the whole simulated machine
/// instead of leaving it wedged. Mirrors the kernel's boot sequence
/// starting CPUs and the swap/oom kernel threads together.
func (s *Sched_t) Run(ctx context.Context, extra ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range s.cpus {
		cpu := cpu
		g.Go(func() error { return s.cpuLoop(gctx, cpu) })
	}
	for _, fn := range extra {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

/// Lens reports each CPU's queued task count (runq plus nextq), for the
/// metrics exporter, plus the global queue's length.
func (s *Sched_t) Lens() (perCPU []int, global int) {
	perCPU = make([]int, len(s.cpus))
	for i, cpu := range s.cpus {
		cpu.mu.Lock()
		perCPU[i] = len(cpu.runq) + len(cpu.nextq)
		cpu.mu.Unlock()
	}
	s.globalMu.Lock()
	global = len(s.global)
	s.globalMu.Unlock()
	return
}
