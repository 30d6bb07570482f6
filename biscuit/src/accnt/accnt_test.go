package accnt

import (
	"testing"

	"util"

	"github.com/stretchr/testify/assert"
)

func TestAddMergesCounters(t *testing.T) {
	parent := &Usage_t{UserNanos: 100, SysNanos: 50}
	child := &Usage_t{UserNanos: 10, SysNanos: 5}

	parent.Add(child)

	assert.Equal(t, int64(110), parent.UserNanos)
	assert.Equal(t, int64(55), parent.SysNanos)
}

func TestFinishCreditsElapsedToSysTime(t *testing.T) {
	u := &Usage_t{}
	start := u.Now()

	u.Finish(start)

	assert.GreaterOrEqual(t, u.SysNanos, int64(0))
}

func TestSnapshotEncodesTwoTimevalPairs(t *testing.T) {
	u := &Usage_t{UserNanos: 2_500_000, SysNanos: 1_000_000_000}

	buf := u.Snapshot()
	assert.Len(t, buf, 32)

	userSecs := util.Readn(buf, 8, 0)
	userUsecs := util.Readn(buf, 8, 8)
	sysSecs := util.Readn(buf, 8, 16)
	sysUsecs := util.Readn(buf, 8, 24)

	assert.Equal(t, 0, userSecs)
	assert.Equal(t, 2500, userUsecs)
	assert.Equal(t, 1, sysSecs)
	assert.Equal(t, 0, sysUsecs)
}

func TestAddUserAndAddSysAreConcurrencySafe(t *testing.T) {
	u := &Usage_t{}
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			u.AddUser(1)
			u.AddSys(1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	assert.Equal(t, int64(100), u.UserNanos)
	assert.Equal(t, int64(100), u.SysNanos)
}
