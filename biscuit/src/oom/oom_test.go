package oom

import (
	"context"
	"testing"
	"time"

	"defs"
	"mem"
	"oommsg"
	"pgtbl"
	"task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Engine, *task.Table_t) {
	phys := mem.NewPhysmem(512, nil)
	pt := pgtbl.New(phys)
	tbl := task.NewTable(phys, pt, &mem.Pmap_t{})
	return New(tbl, nil, time.Millisecond), tbl
}

func spawnWithPTEs(t *testing.T, tbl *task.Table_t, n int) *task.Task_t {
	flags := uint64(defs.VM_READ | defs.VM_WRITE)
	tk, err := tbl.Create(defs.TASK_TYPE_USER, nil, []task.Segment{
		{Name: "heap", VA: 0x1000, MemSz: uint64(n) * defs.PAGE_SIZE, Flags: flags},
	})
	require.NoError(t, err)
	return tk
}

func TestOomKillsHighestScoringTask(t *testing.T) {
	e, tbl := newFixture(t)
	lo := spawnWithPTEs(t, tbl, 10)
	mid := spawnWithPTEs(t, tbl, 20)
	hi := spawnWithPTEs(t, tbl, 30)

	killed := e.killHighestScore()
	require.True(t, killed)

	assert.Nil(t, tbl.Get(hi.Pid))
	assert.NotNil(t, tbl.Get(lo.Pid))
	assert.NotNil(t, tbl.Get(mid.Pid))
	assert.Equal(t, uint64(1), e.Kills())
}

func TestOomWithNoEligibleTasksDoesNotRun(t *testing.T) {
	e, _ := newFixture(t)
	assert.False(t, e.killHighestScore())
	assert.Equal(t, uint64(0), e.Kills())
}

func TestCheckSkipsWhileATaskIsDying(t *testing.T) {
	e, tbl := newFixture(t)
	prev := defs.MEMORY_THRESHOLD
	defer func() { defs.MEMORY_THRESHOLD = prev }()
	defs.MEMORY_THRESHOLD = e.phys.CountTotalFree() + 1

	dying := spawnWithPTEs(t, tbl, 5)
	dying.Status = task.TASK_DYING
	assert.True(t, e.anyDying())

	e.Check()
	assert.Equal(t, uint64(0), e.Kills(), "Check must not kill while a task is already dying")
}

func TestScoreTableReportsEveryLiveUserTask(t *testing.T) {
	e, tbl := newFixture(t)
	a := spawnWithPTEs(t, tbl, 3)
	b := spawnWithPTEs(t, tbl, 7)

	table := e.ScoreTable()
	byPid := map[defs.Pid_t]int{}
	for _, entry := range table {
		byPid[entry.Pid] = entry.Score
	}
	// Create maps one stack page on top of each task's heap pages.
	assert.Equal(t, 3+1, byPid[a.Pid])
	assert.Equal(t, 7+1, byPid[b.Pid])
}

func TestRunRespondsToOommsgEscalation(t *testing.T) {
	e, tbl := newFixture(t)
	victim := spawnWithPTEs(t, tbl, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	resume := make(chan bool, 1)
	oommsg.OomCh <- oommsg.Oommsg_t{Need: 1, Resume: resume}

	select {
	case <-resume:
	case <-time.After(time.Second):
		t.Fatal("oom engine did not respond to escalation request")
	}
	assert.Nil(t, tbl.Get(victim.Pid))
}
