package sysent

import (
	"defs"
	"task"
)

/// Getpid reports cur's own pid. Mirrors sys_getpid.
func (s *Syscalls_t) Getpid(cur *task.Task_t) defs.Pid_t {
	return cur.Pid
}

/// Getcpuid reports the id of the simulated CPU driving this call. The
/// original reads this_cpu->cpu_id off a per-core struct; nothing here
/// tracks which CPU is "current" for a task between slices (sched
/// rebalances tasks across CPUs freely), so the id is threaded through as
/// an explicit parameter from whichever cpu_t the caller is acting on
/// behalf of, rather than read back out of task state. Mirrors
/// sys_getcpuid.
func (s *Syscalls_t) Getcpuid(cpuID int) int {
	return cpuID
}

/// Kill destroys the task named by pid. Mirrors sys_kill; the original's
/// permission check (a task may only kill its own descendants) is left to
/// the caller, same as pid2task's permission argument is in task.Get.
func (s *Syscalls_t) Kill(pid defs.Pid_t) defs.Err_t {
	t := s.Table.Get(pid)
	if t == nil {
		return defs.ESRCH
	}
	s.Table.Destroy(t, -1)
	return 0
}

/// Fork clones parent into a new task sharing its address space under
/// copy-on-write. Mirrors sys_fork.
func (s *Syscalls_t) Fork(parent *task.Task_t) (defs.Pid_t, defs.Err_t) {
	child, err := s.Table.Clone(parent)
	if err != nil {
		return 0, defs.ENOMEM
	}
	return child.Pid, 0
}

/// Wait blocks parent until any child exits, reporting its pid and exit
/// status. Mirrors sys_wait.
func (s *Syscalls_t) Wait(parent *task.Task_t) (defs.Pid_t, int, defs.Err_t) {
	return s.Table.Waitpid(parent, task.WaitAny)
}

/// Waitpid blocks parent until the specific child pid exits. Mirrors
/// sys_waitpid.
func (s *Syscalls_t) Waitpid(parent *task.Task_t, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	return s.Table.Waitpid(parent, pid)
}

// Yield is a no-op. The original suspends the calling task and reschedules
// immediately; here every task's timeslice is already driven by sched's
// own ticker, and a task is a passive state object between slices rather
// than a goroutine that could unwind early back into the scheduler.
// Exposed so callers exercising the full syscall surface have something to
// call for SYS_yield, rather than silently skipping it.
func (s *Syscalls_t) Yield(cur *task.Task_t) {
}

/// Cputs writes data to the configured output sink. Mirrors sys_cputs;
/// the original validates the source range lies in user memory first,
/// which has no counterpart here since data is already an ordinary Go
/// byte slice rather than a user-space pointer needing copy-in.
func (s *Syscalls_t) Cputs(data []byte) int {
	if s.Out == nil {
		return len(data)
	}
	n, err := s.Out.Write(data)
	if err != nil {
		return -int(defs.EIO)
	}
	return n
}

// Cgetc always reports no character available. The original reads from a
// real console input buffer; this simulator has no console device, so
// there is nothing to return other than the "nothing waiting" case.
// Mirrors sys_cgetc's empty-buffer path.
func (s *Syscalls_t) Cgetc() int {
	return 0
}
