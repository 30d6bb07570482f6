package sysent

import (
	"bytes"
	"testing"

	"defs"
	"mem"
	"pgtbl"
	"task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Syscalls_t, *task.Table_t, *task.Task_t) {
	phys := mem.NewPhysmem(256, nil)
	pt := pgtbl.New(phys)
	tbl := task.NewTable(phys, pt, &mem.Pmap_t{})
	tk, err := tbl.Create(defs.TASK_TYPE_USER, nil, nil)
	require.NoError(t, err)
	return New(tbl, nil), tbl, tk
}

func TestMmapNullBelowUserLimSucceeds(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE)
	addr, err := s.Mmap(tk, 0, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	require.Equal(t, defs.Err_t(0), err)
	assert.Less(t, addr+defs.PAGE_SIZE, uint64(defs.USER_LIM))
}

func TestMmapAboveUserLimFails(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE | defs.MAP_FIXED)
	addr, err := s.Mmap(tk, defs.USER_LIM-defs.PAGE_SIZE/2, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	assert.Equal(t, defs.EINVAL, err)
	assert.Zero(t, addr)
}

func TestMmapRejectsNonAnonymous(t *testing.T) {
	s, _, tk := newFixture(t)
	_, err := s.Mmap(tk, 0x400000, defs.PAGE_SIZE, defs.VM_READ, defs.MAP_PRIVATE)
	assert.Equal(t, defs.EINVAL, err)
}

func TestMmapFixedOverwriteSplitsExistingVma(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE)
	base, err := s.Mmap(tk, 0x400000, 3*defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	require.Equal(t, defs.Err_t(0), err)

	fixedFlags := flags | defs.MAP_FIXED
	mid := base + defs.PAGE_SIZE
	got, ferr := s.Mmap(tk, mid, defs.PAGE_SIZE, defs.VM_READ, fixedFlags)
	require.Equal(t, defs.Err_t(0), ferr)
	assert.Equal(t, mid, got)

	before := tk.Space.Find(base)
	middle := tk.Space.Find(mid)
	after := tk.Space.Find(mid + defs.PAGE_SIZE)
	require.NotNil(t, before)
	require.NotNil(t, middle)
	require.NotNil(t, after)
	assert.NotSame(t, before, middle)
	assert.NotSame(t, middle, after)
}

func TestMunmapThenMqueryReportsUnmapped(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE)
	addr, err := s.Mmap(tk, 0x500000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), s.Munmap(tk, addr, defs.PAGE_SIZE))
	info, mapped, qerr := s.Mquery(tk, addr)
	require.Equal(t, defs.Err_t(0), qerr)
	assert.False(t, mapped)
	assert.Nil(t, info.Vma)
}

func TestMprotectRWThenReadOnlyYieldsRead(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE)
	addr, err := s.Mmap(tk, 0x600000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), s.Mprotect(tk, addr, defs.PAGE_SIZE, defs.VM_READ))
	v := tk.Space.Find(addr)
	require.NotNil(t, v)
	assert.Zero(t, v.VmFlags&defs.VM_WRITE)
	assert.NotZero(t, v.VmFlags&defs.VM_READ)
}

func TestMadviseDontneedUnmapsWillneedRepopulates(t *testing.T) {
	s, _, tk := newFixture(t)
	flags := uint64(defs.MAP_ANONYMOUS | defs.MAP_PRIVATE)
	addr, err := s.Mmap(tk, 0x700000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE, flags)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), s.Madvise(tk, addr, defs.PAGE_SIZE, defs.MADV_DONTNEED))
	_, mapped, _ := s.Mquery(tk, addr)
	assert.False(t, mapped)

	require.Equal(t, defs.Err_t(0), s.Madvise(tk, addr, defs.PAGE_SIZE, defs.MADV_WILLNEED))
	_, mapped, _ = s.Mquery(tk, addr)
	assert.True(t, mapped)
}

func TestGetpidGetcpuid(t *testing.T) {
	s, _, tk := newFixture(t)
	assert.Equal(t, tk.Pid, s.Getpid(tk))
	assert.Equal(t, 3, s.Getcpuid(3))
}

func TestForkThenWaitReportsChild(t *testing.T) {
	s, _, parent := newFixture(t)
	childPid, err := s.Fork(parent)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), s.Kill(childPid))
	pid, _, werr := s.Waitpid(parent, childPid)
	require.Equal(t, defs.Err_t(0), werr)
	assert.Equal(t, childPid, pid)
}

func TestKillOfUnknownPidReturnsESRCH(t *testing.T) {
	s, _, _ := newFixture(t)
	assert.Equal(t, defs.ESRCH, s.Kill(defs.Pid_t(99999)))
}

func TestCputsWritesToSink(t *testing.T) {
	var buf bytes.Buffer
	s := New(task.NewTable(mem.NewPhysmem(8, nil), pgtbl.New(mem.NewPhysmem(8, nil)), &mem.Pmap_t{}), &buf)
	n := s.Cputs([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestCputsWithNilSinkDiscards(t *testing.T) {
	s, _, _ := newFixture(t)
	assert.Equal(t, 3, s.Cputs([]byte("abc")))
}

func TestCgetcReportsNothingWaiting(t *testing.T) {
	s, _, _ := newFixture(t)
	assert.Equal(t, 0, s.Cgetc())
}
