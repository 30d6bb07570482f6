package defs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMkdevUnmkdevRoundTrip(t *testing.T) {
	d := Mkdev(7, 42)
	maj, min := Unmkdev(d)
	assert.Equal(t, 7, maj)
	assert.Equal(t, 42, min)
}

func TestMkdevRejectsOversizedMinor(t *testing.T) {
	assert.Panics(t, func() { Mkdev(1, 0x100) })
}

func TestErrKnownCodeReportsName(t *testing.T) {
	assert.Equal(t, "invalid argument", EINVAL.Error())
}

func TestErrUnknownCodeFallsBackToNumber(t *testing.T) {
	assert.Equal(t, "errno 999", Err_t(999).Error())
}

func TestErrRcNegatesNonzeroAndLeavesZero(t *testing.T) {
	assert.Equal(t, -int(ENOMEM), ENOMEM.Rc())
	assert.Equal(t, 0, Err_t(0).Rc())
}

func TestTaskStateStringCoversEveryState(t *testing.T) {
	states := []TaskState_t{TASK_RUNNABLE, TASK_RUNNING, TASK_NOT_RUNNABLE, TASK_DYING, TASK_DEAD}
	for _, s := range states {
		assert.NotEmpty(t, s.String())
	}
}
