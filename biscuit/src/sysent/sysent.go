// Package sysent implements the syscall surface a task's user-space code
// would invoke: memory-management requests (mquery/mmap/munmap/mprotect/
// madvise), forwarded straight to the already-complete vma package, and
// process-lifecycle requests (fork/wait/waitpid/kill/getpid/getcpuid/
// yield), forwarded to task.
//
// Nothing in this simulator executes real user-space instructions, so
// there is no register frame carrying a syscall number and six argument
// registers to decode generically the way syscall_handler does. Each
// syscall is instead an ordinary, explicitly-typed Go method taking the
// calling task as its first argument; a test harness or cmd/kmmd's own
// driver loop calls whichever one it means to exercise directly.
package sysent

import (
	"io"

	"mem"
	"pgtbl"
	"task"
)

/// Syscalls_t is the table every syscall method hangs off of: the task
/// table every syscall that names a pid consults, and the sink sys_cputs
/// writes to.
type Syscalls_t struct {
	Table *task.Table_t
	phys  *mem.Physmem_t
	pt    *pgtbl.PageTable_t
	// Out backs Cputs. A nil Out discards the written bytes.
	Out io.Writer
}

func New(table *task.Table_t, out io.Writer) *Syscalls_t {
	return &Syscalls_t{Table: table, phys: table.Phys(), pt: table.PT(), Out: out}
}
