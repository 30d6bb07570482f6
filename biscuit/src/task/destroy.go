package task

import "defs"

// MakeZombieOrFree attaches child to parent once child has finished dying.
// If parent is itself dying, child is freed immediately: parent's own
// imminent teardown will never look at its zombie list again. If parent
// is blocked in Waitpid for this child (or for any child), child is freed
// right away too and its pid/status delivered over parent.Woken — unlike
// the original, which always parks the zombie and separately wakes the
// parent, leaving a later caller to free it; queuing when a waiter is
// already listening has nothing left to defer to. Otherwise child is
// queued on parent.zombies for a future Waitpid/ReapZombies to collect and
// free. Mirrors make_zombie_or_free.
func (t *Table_t) MakeZombieOrFree(child *Task_t, parent *Task_t) {
	parent.mu.Lock()
	if parent.Status == TASK_DYING {
		parent.mu.Unlock()
		t.free(child)
		return
	}
	delete(parent.children, child.Pid)
	if parent.Wait == WaitAny || parent.Wait == child.Pid {
		parent.ExitStatus = child.ExitStatus
		parent.Status = TASK_RUNNABLE
		pid := child.Pid
		parent.mu.Unlock()
		t.free(child)
		parent.Woken <- pid
		if t.OnEnqueue != nil {
			t.OnEnqueue(parent)
		}
		return
	}
	parent.zombies = append(parent.zombies, child)
	parent.mu.Unlock()
}

/// Destroy tears a task down: marks it DYING, reaps its own zombie
/// children (a dying task's already-dead children are fully freed here
/// rather than left dangling), hands it to its parent via
/// MakeZombieOrFree (or frees it directly if it has none), and updates the
/// table's live counts. Mirrors task_destroy; the original's CPU-affinity
/// bookkeeping and its infinite monitor() loop for the "nothing left to
/// run" case have no counterpart in the simulator.
func (t *Table_t) Destroy(task *Task_t, exitStatus int) {
	task.mu.Lock()
	if task.destroying {
		task.mu.Unlock()
		return
	}
	task.destroying = true
	task.Status = TASK_DYING
	task.ExitStatus = exitStatus
	task.Note.Kill()
	task.mu.Unlock()

	t.ReapZombies(task)

	var parent *Task_t
	if task.Ppid > 0 {
		parent = t.Get(task.Ppid)
	}
	if parent != nil {
		t.MakeZombieOrFree(task, parent)
	} else {
		t.free(task)
	}

	if task.Type == defs.TASK_TYPE_USER {
		t.countAdd(task.Type, -1)
	}
}
