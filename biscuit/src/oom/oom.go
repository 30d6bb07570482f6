// Package oom implements the out-of-memory reaper: a periodic free-memory
// check and, under pressure, a scored walk of every live user task that
// kills the one mapping the most present pages.
package oom

import (
	"context"
	"sync/atomic"
	"time"

	"defs"
	"mem"
	"oommsg"
	"pgtbl"
	"task"

	"go.uber.org/zap"
)

/// Engine owns the periodic check and the scoring walk. One process runs
/// exactly one Engine.
type Engine struct {
	table  *task.Table_t
	phys   *mem.Physmem_t
	pt     *pgtbl.PageTable_t
	log    *zap.SugaredLogger
	period time.Duration

	kills uint64
}

func New(table *task.Table_t, log *zap.SugaredLogger, period time.Duration) *Engine {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Engine{table: table, phys: table.Phys(), pt: table.PT(), log: log, period: period}
}

// score counts a task's present user PTEs: the more of physical memory a
// task pins down, the more likely it is the OOM kill target. Mirrors
// get_oom_score/read_all_pte.
func (e *Engine) score(t *task.Task_t) int {
	n := 0
	w := &pgtbl.Walker_t{
		PTE: func(entry *uint64, va uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 {
				n++
			}
			return 0
		},
	}
	e.pt.WalkUserPages(t.Pml4, w)
	return n
}

/// ScoreEntry names one live user task's OOM score, for the metrics
/// exporter's profile snapshot.
type ScoreEntry struct {
	Pid   defs.Pid_t
	Score int
}

/// ScoreTable reports every live user task's current OOM score, without
/// killing anything. Shares killHighestScore's walk and skip rule.
func (e *Engine) ScoreTable() []ScoreEntry {
	var out []ScoreEntry
	for _, t := range e.table.All() {
		if t.Type == defs.TASK_TYPE_KERNEL {
			continue
		}
		out = append(out, ScoreEntry{Pid: t.Pid, Score: e.score(t)})
	}
	return out
}

func (e *Engine) anyDying() bool {
	for _, t := range e.table.All() {
		if t.GetStatus() == task.TASK_DYING {
			return true
		}
	}
	return false
}

// killHighestScore destroys the live user task with the highest score,
// reporting whether one was found. Mirrors oom_kill.
func (e *Engine) killHighestScore() bool {
	var best *task.Task_t
	bestScore := -1
	for _, t := range e.table.All() {
		if t.Type == defs.TASK_TYPE_KERNEL {
			continue
		}
		s := e.score(t)
		if s > bestScore {
			bestScore = s
			best = t
		}
	}
	if best == nil {
		return false
	}
	atomic.AddUint64(&e.kills, 1)
	if e.log != nil {
		e.log.Warnw("oom kill", "pid", best.Pid, "score", bestScore)
	}
	e.table.Destroy(best, -int(defs.ENOMEM))
	return true
}

/// TryFree is the hook fault.Handler_t.OOM wires to: an allocation failed,
/// free up a frame by killing the highest-scoring task if one exists.
func (e *Engine) TryFree() bool {
	return e.killHighestScore()
}

/// Check runs one pass: skip this round if a task is already dying (its
/// own death will free memory shortly), otherwise kill the highest-scoring
/// task if free memory is below threshold. Mirrors oom_thread's body.
func (e *Engine) Check() {
	if e.anyDying() {
		return
	}
	if e.phys.CountTotalFree() >= defs.MEMORY_THRESHOLD {
		return
	}
	if e.log != nil {
		e.log.Debugw("under memory pressure", "free", e.phys.CountTotalFree(), "threshold", defs.MEMORY_THRESHOLD)
	}
	e.killHighestScore()
}

/// Kills reports the running total of OOM kills, for the metrics exporter.
func (e *Engine) Kills() uint64 {
	return atomic.LoadUint64(&e.kills)
}

/// Run drives Check on a timer and services direct escalation requests on
/// oommsg.OomCh until ctx is cancelled. Suitable as one of sched.Sched_t.
/// Run's supervised kernel tasks.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Check()
		case msg := <-oommsg.OomCh:
			e.killHighestScore()
			msg.Resume <- true
		}
	}
}
