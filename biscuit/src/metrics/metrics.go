// Package metrics exposes the simulator's live counters as a Prometheus
// collector and the OOM score table as a pprof profile snapshot. Grounded
// on talyz-systemd_exporter's Collector/Describe/Collect shape.
package metrics

import (
	"fmt"

	"disk"
	"mem"
	"oom"
	"sched"
	"swap"
	"task"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kmmd"

/// Collector implements prometheus.Collector over the live subsystems a
/// running simulator owns. Built once at boot and registered with a
/// prometheus.Registry in cmd/kmmd.
type Collector struct {
	phys  *mem.Physmem_t
	sched *sched.Sched_t
	swap  *swap.Engine
	oom   *oom.Engine
	disk  disk.Disk
	table *task.Table_t

	freeOrderDesc   *prometheus.Desc
	freeTotalDesc   *prometheus.Desc
	runqLenDesc     *prometheus.Desc
	globalRunqDesc  *prometheus.Desc
	swapOutsDesc    *prometheus.Desc
	swapInsDesc     *prometheus.Desc
	diskSectorsDesc *prometheus.Desc
	diskBusyDesc    *prometheus.Desc
	diskIdleDesc    *prometheus.Desc
	oomKillsDesc    *prometheus.Desc
	nuserDesc       *prometheus.Desc
	nkernelDesc     *prometheus.Desc
}

func New(table *task.Table_t, phys *mem.Physmem_t, sch *sched.Sched_t, sw *swap.Engine, oomEngine *oom.Engine, d disk.Disk) *Collector {
	return &Collector{
		table: table,
		phys:  phys,
		sched: sch,
		swap:  sw,
		oom:   oomEngine,
		disk:  d,

		freeOrderDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buddy", "free_blocks"),
			"Free blocks in the buddy allocator's order free list.",
			[]string{"order"}, nil,
		),
		freeTotalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buddy", "free_pages_total"),
			"Total free pages across every buddy order.",
			nil, nil,
		),
		runqLenDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sched", "runq_length"),
			"Tasks queued (local + next) on one simulated CPU.",
			[]string{"cpu"}, nil,
		),
		globalRunqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sched", "global_runq_length"),
			"Tasks queued on the scheduler's shared global run queue.",
			nil, nil,
		),
		swapOutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "outs_total"),
			"Pages evicted to the swap device.",
			nil, nil,
		),
		swapInsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "ins_total"),
			"Pages faulted back in from the swap device.",
			nil, nil,
		),
		diskSectorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "disk", "sectors"),
			"Sectors the swap device is configured with.",
			nil, nil,
		),
		diskBusyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "disk", "busy_polls_total"),
			"Polls of the swap device that found it busy.",
			nil, nil,
		),
		diskIdleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "disk", "idle_polls_total"),
			"Polls of the swap device that found it ready.",
			nil, nil,
		),
		oomKillsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "oom", "kills_total"),
			"Tasks destroyed by the OOM reaper.",
			nil, nil,
		),
		nuserDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "user_count"),
			"Live user tasks.",
			nil, nil,
		),
		nkernelDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "kernel_count"),
			"Live kernel tasks.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeOrderDesc
	ch <- c.freeTotalDesc
	ch <- c.runqLenDesc
	ch <- c.globalRunqDesc
	ch <- c.swapOutsDesc
	ch <- c.swapInsDesc
	ch <- c.diskSectorsDesc
	ch <- c.diskBusyDesc
	ch <- c.diskIdleDesc
	ch <- c.oomKillsDesc
	ch <- c.nuserDesc
	ch <- c.nkernelDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.phys.Snapshot()
	for order, n := range snap {
		ch <- prometheus.MustNewConstMetric(c.freeOrderDesc, prometheus.GaugeValue, float64(n), fmt.Sprintf("%d", order))
	}
	ch <- prometheus.MustNewConstMetric(c.freeTotalDesc, prometheus.GaugeValue, float64(c.phys.CountTotalFree()))

	perCPU, global := c.sched.Lens()
	for id, n := range perCPU {
		ch <- prometheus.MustNewConstMetric(c.runqLenDesc, prometheus.GaugeValue, float64(n), fmt.Sprintf("%d", id))
	}
	ch <- prometheus.MustNewConstMetric(c.globalRunqDesc, prometheus.GaugeValue, float64(global))

	outs, ins := c.swap.Counts()
	ch <- prometheus.MustNewConstMetric(c.swapOutsDesc, prometheus.CounterValue, float64(outs))
	ch <- prometheus.MustNewConstMetric(c.swapInsDesc, prometheus.CounterValue, float64(ins))

	stat := c.disk.Stat()
	ch <- prometheus.MustNewConstMetric(c.diskSectorsDesc, prometheus.GaugeValue, float64(stat.Nsectors))
	ch <- prometheus.MustNewConstMetric(c.diskBusyDesc, prometheus.CounterValue, float64(stat.BusyPolls))
	ch <- prometheus.MustNewConstMetric(c.diskIdleDesc, prometheus.CounterValue, float64(stat.IdlePolls))

	ch <- prometheus.MustNewConstMetric(c.oomKillsDesc, prometheus.CounterValue, float64(c.oom.Kills()))

	nuser, nkernel := c.table.Counts()
	ch <- prometheus.MustNewConstMetric(c.nuserDesc, prometheus.GaugeValue, float64(nuser))
	ch <- prometheus.MustNewConstMetric(c.nkernelDesc, prometheus.GaugeValue, float64(nkernel))
}
