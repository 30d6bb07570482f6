package task

import "defs"

// reapZombiesLocked frees every zombie task already on t's list and, if
// one of them is the specific child (or any child, under WaitAny) t is
// waiting for, returns its pid. Mirrors reap_zombies. Caller holds
// parent.mu.
func (t *Table_t) reapZombiesLocked(parent *Task_t) defs.Pid_t {
	ret := WaitNone
	for _, z := range parent.zombies {
		if parent.Wait == WaitAny || parent.Wait == z.Pid {
			ret = z.Pid
			parent.ExitStatus = z.ExitStatus
		}
		t.free(z)
	}
	parent.zombies = nil
	return ret
}

/// ReapZombies frees every zombie child of parent and reports the pid of
/// the one parent was waiting for, or WaitNone if none matched (or parent
/// wasn't waiting on anything). Exported so TaskDestroy can reap a dying
/// task's own zombie children before it tears itself down.
func (t *Table_t) ReapZombies(parent *Task_t) defs.Pid_t {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	return t.reapZombiesLocked(parent)
}

/// SetWaiting records what parent is blocking on: WaitAny for "any child",
/// or a specific pid. Mirrors set_task_waiting.
func (t *Table_t) SetWaiting(parent *Task_t, pid defs.Pid_t) {
	parent.mu.Lock()
	parent.Wait = pid
	parent.mu.Unlock()
}

/// Waitpid implements sys_waitpid/sys_wait. pid == WaitAny waits for any
/// child; a positive pid waits for that specific child. Returns ECHILD if
/// parent has no children or asked to wait on itself. If a matching
/// zombie already exists the call returns immediately; otherwise it blocks
/// on parent.Woken, which MakeZombieOrFree delivers to once that child
/// actually dies.
//
// The original suspends the whole task (sched_yield, never returning
// until rescheduled with a result written into its register frame). This
// port has no register frame to write a result into and no reentrant
// scheduler call to make from inside a syscall handler, so the blocking
// step is a channel receive on the calling goroutine instead — the
// simulated CPU this task runs on is free to run other tasks while this
// goroutine blocks, same effect without reusing the original's mechanism.
func (t *Table_t) Waitpid(parent *Task_t, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	parent.mu.Lock()
	if (len(parent.children) == 0 && len(parent.zombies) == 0) || pid == parent.Pid {
		parent.mu.Unlock()
		return 0, 0, defs.ECHILD
	}
	parent.Wait = pid
	if got := t.reapZombiesLocked(parent); got != WaitNone {
		status := parent.ExitStatus
		parent.Wait = WaitNone
		parent.mu.Unlock()
		return got, status, 0
	}
	// No zombie matched yet: this task stops being schedulable until a
	// child delivers one over Woken. The scheduler consults Status, not
	// this call directly, to decide whether to keep running it.
	parent.Status = TASK_NOT_RUNNABLE
	parent.mu.Unlock()

	got := <-parent.Woken
	parent.mu.Lock()
	status := parent.ExitStatus
	parent.Wait = WaitNone
	if parent.Status == TASK_NOT_RUNNABLE {
		parent.Status = TASK_RUNNABLE
	}
	parent.mu.Unlock()
	return got, status, 0
}
