// Package task implements the task table: allocation, exec-image loading,
// and teardown of the schedulable unit the rest of the kernel drives. A
// task owns one address space (pml4 + VMA set), one accounting record, and
// the liveness bookkeeping a killer and a waiting parent both observe.
package task

import (
	"sync"

	"accnt"
	"defs"
	"limits"
	"mem"
	"pgtbl"
	"vma"

	"github.com/pkg/errors"
)

// Note_t tracks the liveness state other tasks observe about this one: a
// kill request is recorded here rather than delivered synchronously, since
// nothing in the simulator can interrupt another goroutine's call stack.
// The killed task notices Killed at its next suspension point; Killch is
// closed as soon as Kill records the request.
// Replaces tinfo.Tnote_t's runtime.Gptr-based goroutine-local lookup with a
// field owned directly by the Task_t it describes.
type Note_t struct {
	mu     sync.Mutex
	Alive  bool
	Killed bool
	Killch chan bool
}

func newNote() *Note_t {
	return &Note_t{Alive: true, Killch: make(chan bool, 1)}
}

// Kill marks the note killed and closes Killch, waking anyone blocked
// receiving from it. Safe
// to call more than once.
func (n *Note_t) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Killed {
		return
	}
	n.Killed = true
	close(n.Killch)
}

func (n *Note_t) IsKilled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Killed
}

// WaitAny and WaitNone are the sentinel values Task_t.Wait takes: WaitNone
// means the task isn't blocked in waitpid, WaitAny means it asked to wait
// for any child (sys_waitpid with pid==-1). Any other value names the
// specific child pid being waited for. Mirrors set_task_waiting's use of a
// task's own pointer as the "any child" sentinel, adapted to a pid since
// Go code names tasks by pid rather than pointer identity across the table.
const (
	WaitNone defs.Pid_t = 0
	WaitAny  defs.Pid_t = -1
)

/// Task_t is one schedulable unit: an address space, a run-state, and the
/// parent/child/zombie bookkeeping fork and wait drive.
type Task_t struct {
	mu sync.Mutex

	Pid  defs.Pid_t
	Ppid defs.Pid_t
	Type defs.TaskType_t

	Status TaskState_t
	Runs   int

	Pml4   *mem.Pmap_t
	Pml4Pa mem.Pa_t
	Space  *vma.Space_t

	Accnt *accnt.Usage_t
	Note  *Note_t

	// ExitStatus is the value a parent's waitpid eventually observes.
	ExitStatus int

	// Wait is WaitNone, WaitAny, or a specific child pid: set by
	// SetWaiting, consulted by ReapZombies.
	Wait defs.Pid_t
	// Woken delivers the reaped child's pid to a blocked Waitpid call.
	Woken chan defs.Pid_t

	children map[defs.Pid_t]bool
	zombies  []*Task_t

	// destroying latches true the first time Destroy actually runs for
	// this task, so a sys_kill racing the scheduler's own destroy-on-died
	// path (EndSlice returning TASK_DYING) can't tear the same task down
	// twice.
	destroying bool
}

type TaskState_t = defs.TaskState_t

const (
	TASK_RUNNABLE     = defs.TASK_RUNNABLE
	TASK_RUNNING      = defs.TASK_RUNNING
	TASK_NOT_RUNNABLE = defs.TASK_NOT_RUNNABLE
	TASK_DYING        = defs.TASK_DYING
	TASK_DEAD         = defs.TASK_DEAD
)

/// Table_t is the dense pid->task map every lifecycle operation works
/// through. Mirrors the fixed-size pid array task_init allocates, backed
/// here by an ordinary slice since the simulator has no fixed kernel VA to
/// park it at.
type Table_t struct {
	mu         sync.Mutex
	tasks      []*Task_t
	nuser      int
	nkernel    int
	kernelPml4 *mem.Pmap_t
	phys       *mem.Physmem_t
	pt         *pgtbl.PageTable_t

	// OnEnqueue, if set, is called with every task that becomes runnable:
	// fresh tasks from Create/Clone, and a parent woken by a child's
	// death. The scheduler wires this in at startup so task does not
	// need to import sched (sched already imports task). Mirrors the
	// mem.OnFree/swap decoupling idiom used throughout this tree.
	OnEnqueue func(*Task_t)
	// Enlist, if set, is passed to every pgtbl.UserMapping this table
	// builds (segment population in Create, COW setup in Clone), so a
	// freshly installed user mapping lands on the swap engine's clock
	// list. Wired from the swap engine's Enlist method at startup, the
	// same idiom as OnEnqueue.
	Enlist func(*mem.Page_t)
}

func NewTable(phys *mem.Physmem_t, pt *pgtbl.PageTable_t, kernelPml4 *mem.Pmap_t) *Table_t {
	return &Table_t{
		tasks:      make([]*Task_t, defs.PID_MAX),
		kernelPml4: kernelPml4,
		phys:       phys,
		pt:         pt,
	}
}

/// Get looks up a task by pid, honoring pid==0 as "no such task" (0 is
/// never allocated). Mirrors pid2task without the permission check, which
/// belongs to the syscall entry point, not the table.
func (t *Table_t) Get(pid defs.Pid_t) *Task_t {
	if pid <= 0 || int(pid) >= len(t.tasks) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasks[pid]
}

// allocPid finds the lowest unused pid by linear scan, exactly as
// task_alloc does, and claims it for task.
func (t *Table_t) allocPid(task *Task_t) (defs.Pid_t, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := 1; pid < len(t.tasks); pid++ {
		if t.tasks[pid] == nil {
			t.tasks[pid] = task
			return defs.Pid_t(pid), nil
		}
	}
	return 0, errors.New("task: out of pids")
}

func (t *Table_t) freePid(pid defs.Pid_t) {
	t.mu.Lock()
	t.tasks[pid] = nil
	t.mu.Unlock()
}

func (t *Table_t) countAdd(typ defs.TaskType_t, delta int) {
	t.mu.Lock()
	if typ == defs.TASK_TYPE_USER {
		t.nuser += delta
	} else {
		t.nkernel += delta
	}
	t.mu.Unlock()
}

/// Counts reports the live user/kernel task counts, for the scheduler's
/// halt-when-nothing-left-to-do check and the metrics exporter.
func (t *Table_t) Counts() (nuser, nkernel int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nuser, t.nkernel
}

/// All returns a snapshot of every live task, for the OOM score walk and
/// the metrics exporter. Mirrors the pid2task(pid,0) loop oom_kill/
/// oom_thread run over the whole pid range.
func (t *Table_t) All() []*Task_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task_t, 0, t.nuser+t.nkernel)
	for _, tk := range t.tasks {
		if tk != nil {
			out = append(out, tk)
		}
	}
	return out
}

/// Phys exposes the table's allocator, for packages (oom) that need to
/// check free memory without duplicating a reference to it.
func (t *Table_t) Phys() *mem.Physmem_t { return t.phys }

/// PT exposes the table's page-table walker, for the OOM score walk.
func (t *Table_t) PT() *pgtbl.PageTable_t { return t.pt }

// alloc builds a fresh task with its own address space and claims a pid
// for it. Mirrors task_alloc; the hardware interrupt-frame setup
// task_alloc performs has no counterpart here since the simulator has no
// real register file to initialize.
func (t *Table_t) alloc(ppid defs.Pid_t) (*Task_t, error) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, errors.New("task: sysprocs limit reached")
	}
	pml4, pa, err := t.pt.NewPML4(t.kernelPml4)
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, errors.Wrap(err, "task: new pml4")
	}
	task := &Task_t{
		Ppid:     ppid,
		Status:   TASK_RUNNABLE,
		Pml4:     pml4,
		Pml4Pa:   pa,
		Space:    vma.NewSpace(),
		Accnt:    &accnt.Usage_t{},
		Note:     newNote(),
		Wait:     WaitNone,
		Woken:    make(chan defs.Pid_t, 1),
		children: make(map[defs.Pid_t]bool),
	}
	pid, err2 := t.allocPid(task)
	if err2 != nil {
		limits.Syslimit.Sysprocs.Give()
		t.phys.Decref(pa)
		return nil, err2
	}
	task.Pid = pid
	return task, nil
}

/// Segment describes one piece of a freshly created task's initial image.
/// Exec segments are backed by img, at [FileOff,FileOff+FileSz) of it;
/// anonymous segments (Exec false) are zero-filled. Mirrors the PT_LOAD
/// program headers task_load_elf iterates.
type Segment struct {
	Name    string
	VA      uint64
	MemSz   uint64
	FileOff uint64
	FileSz  uint64
	Flags   uint64
	Exec    bool
}

// Create allocates a task, lays out segments (eagerly populated, not
// demand-paged: only the copy-on-write path is lazy here), adds a stack
// VMA, and for a user task registers it with the table's live counts and
// hands it to OnEnqueue. img supplies the bytes for every Exec segment;
// it may be nil if no segment sets Exec. Mirrors task_create/task_load_elf.
func (t *Table_t) Create(typ defs.TaskType_t, img vma.ExecImage, segments []Segment) (*Task_t, error) {
	task, err := t.alloc(0)
	if err != nil {
		return nil, err
	}
	task.Type = typ

	for _, seg := range segments {
		var v *vma.Vma_t
		var verr defs.Err_t
		if seg.Exec {
			v, verr = vma.AddExecutableVma(task.Space, seg.Name, seg.VA, seg.MemSz, seg.Flags, seg.FileOff, seg.FileSz)
		} else {
			v, verr = vma.AddAnonymousVma(task.Space, seg.Name, seg.VA, seg.MemSz, seg.Flags)
		}
		if verr != 0 {
			t.free(task)
			return nil, errors.Wrapf(verr, "task: add vma %s", seg.Name)
		}
		src := img
		if !seg.Exec {
			src = nil
		}
		if perr := vma.PopulateVmaRange(task.Space, t.pt, task.Pml4, v.VmBase, v.VmEnd-v.VmBase, src, t.Enlist); perr != 0 {
			t.free(task)
			return nil, errors.Wrapf(perr, "task: populate vma %s", seg.Name)
		}
	}

	stackFlags := uint64(defs.VM_READ | defs.VM_WRITE)
	if _, verr := vma.AddAnonymousVma(task.Space, "stack", defs.USTACK_TOP, defs.PAGE_SIZE, stackFlags); verr != 0 {
		t.free(task)
		return nil, errors.Wrap(verr, "task: add stack vma")
	}
	if perr := vma.PopulateVmaRange(task.Space, t.pt, task.Pml4, defs.USTACK_TOP, defs.PAGE_SIZE, nil, t.Enlist); perr != 0 {
		t.free(task)
		return nil, errors.Wrap(perr, "task: populate stack vma")
	}

	if typ == defs.TASK_TYPE_USER {
		t.countAdd(typ, 1)
		if t.OnEnqueue != nil {
			t.OnEnqueue(task)
		}
	}
	return task, nil
}

// free tears down a task's address space and drops its pid. Mirrors
// task_free; the kernel-pml4 switch the original performs when freeing
// the current task has no counterpart since nothing here simulates CR3.
func (t *Table_t) free(task *Task_t) {
	t.freePid(task.Pid)
	t.pt.UnmapUserPages(task.Pml4)
	task.Space.FreeVmas()
	t.phys.Decref(task.Pml4Pa)
	limits.Syslimit.Sysprocs.Give()
}

/// GetStatus returns t's current run state.
func (t *Task_t) GetStatus() TaskState_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// BeginSlice transitions t to TASK_RUNNING and bumps its run count, unless
// it is already dying or has been killed, in which case it reports false
// and leaves t untouched for the scheduler to destroy instead. Returns the
// accounting timestamp to pass to EndSlice.
func (t *Task_t) BeginSlice() (ok bool, start int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == TASK_DYING || t.Note.IsKilled() {
		return false, 0
	}
	t.Status = TASK_RUNNING
	t.Runs++
	return true, t.Accnt.Now()
}

// EndSlice charges the elapsed time since start to t's accounting record,
// drops it back to TASK_RUNNABLE if it finished the slice still running
// (as opposed to having blocked or died during it), and reports the
// resulting status.
func (t *Task_t) EndSlice(start int) TaskState_t {
	t.Accnt.Finish(start)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == TASK_RUNNING {
		t.Status = TASK_RUNNABLE
	}
	return t.Status
}
