package metrics

import (
	"bytes"
	"testing"

	"defs"
	"disk"
	"mem"
	"oom"
	"pgtbl"
	"sched"
	"swap"
	"task"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) *Collector {
	phys := mem.NewPhysmem(128, nil)
	pt := pgtbl.New(phys)
	tbl := task.NewTable(phys, pt, &mem.Pmap_t{})
	sch := sched.New(sched.Config_t{NCPUs: 2}, tbl, nil)
	d := disk.NewMem(64, 512, nil)
	sw := swap.New(phys, pt, d, nil)
	oomEngine := oom.New(tbl, nil, 0)

	_, err := tbl.Create(defs.TASK_TYPE_USER, nil, nil)
	require.NoError(t, err)

	return New(tbl, phys, sch, sw, oomEngine, d)
}

func collect(c *Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestDescribeEmitsOneDescPerMetricFamily(t *testing.T) {
	c := newFixture(t)
	ch := make(chan *prometheus.Desc, 64)
	go func() {
		c.Describe(ch)
		close(ch)
	}()
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 12, n)
}

func TestCollectEmitsUserTaskCount(t *testing.T) {
	c := newFixture(t)
	metrics := collect(c)
	require.NotEmpty(t, metrics)

	var pb dto.Metric
	found := false
	for _, m := range metrics {
		if m.Desc() == c.nuserDesc {
			require.NoError(t, m.Write(&pb))
			found = true
			assert.Equal(t, float64(1), pb.GetGauge().GetValue())
		}
	}
	assert.True(t, found, "user_count metric must be emitted")
}

func TestCollectEmitsOneFreeBlocksSeriesPerOrder(t *testing.T) {
	c := newFixture(t)
	metrics := collect(c)

	orders := 0
	for _, m := range metrics {
		if m.Desc() == c.freeOrderDesc {
			orders++
		}
	}
	assert.Equal(t, defs.BUDDY_MAX_ORDER, orders)
}

func TestScoreProfileHasOneSamplePerLiveUserTask(t *testing.T) {
	phys := mem.NewPhysmem(64, nil)
	pt := pgtbl.New(phys)
	tbl := task.NewTable(phys, pt, &mem.Pmap_t{})
	oomEngine := oom.New(tbl, nil, 0)

	_, err := tbl.Create(defs.TASK_TYPE_USER, nil, nil)
	require.NoError(t, err)
	_, err = tbl.Create(defs.TASK_TYPE_USER, nil, nil)
	require.NoError(t, err)

	p := ScoreProfile(oomEngine)
	assert.Len(t, p.Sample, 2)
	assert.Len(t, p.Function, 2)
}

func TestWriteScoreProfileProducesNonEmptyOutput(t *testing.T) {
	phys := mem.NewPhysmem(64, nil)
	pt := pgtbl.New(phys)
	tbl := task.NewTable(phys, pt, &mem.Pmap_t{})
	oomEngine := oom.New(tbl, nil, 0)
	_, err := tbl.Create(defs.TASK_TYPE_USER, nil, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteScoreProfile(oomEngine, &buf))
	assert.NotZero(t, buf.Len())
}
