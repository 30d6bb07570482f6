// Command kmmd boots the simulated kernel's virtual-memory and
// task-lifecycle subsystems and serves their live state over HTTP:
// Prometheus metrics at /metrics, Go's standard profiles under
// /debug/pprof, and a pprof-format snapshot of the OOM score table at
// /debug/oomscore.
package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"time"

	"defs"
	"disk"
	"fault"
	"mem"
	"metrics"
	"oom"
	"pgtbl"
	"sched"
	"swap"
	"sysent"
	"task"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	listenAddr  = kingpin.Flag("web.listen-address", "Address to serve /metrics and /debug/pprof on.").Default(":9115").String()
	ncpus       = kingpin.Flag("ncpus", "Number of simulated CPUs.").Default("4").Int()
	ntasks      = kingpin.Flag("ntasks", "Initial user tasks spawned at boot.").Default("8").Int()
	physPages   = kingpin.Flag("phys-pages", "Pages of simulated physical memory.").Default("4096").Int()
	locking     = kingpin.Flag("locking", "Scheduler rebalancing policy.").Default("bkl").Enum("bkl", "fgl")
	fairSched   = kingpin.Flag("fair-sched", "Use lowest-runs-first scheduling instead of FIFO.").Bool()
	timeslice   = kingpin.Flag("timeslice-ticks", "Timeslice duration in milliseconds.").Default("10").Int()
	memThresh   = kingpin.Flag("memory-threshold-pages", "Free-page floor below which the OOM reaper fires.").Default("1024").Int64()
	swapBlock   = kingpin.Flag("swap-block", "Max swap-out attempts per pass.").Default("1000").Uint64()
	swapSectors = kingpin.Flag("swap-sectors", "Sectors in the simulated swap device.").Default("65536").Uint64()
)

func main() {
	kingpin.Parse()

	zlog, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	log := zlog.Sugar()

	lockMode := sched.BigKernelLock
	if *locking == "fgl" {
		lockMode = sched.FineGrained
	}

	defs.MEMORY_THRESHOLD = *memThresh
	defs.SWAP_BLOCK = *swapBlock

	phys := mem.NewPhysmem(*physPages, log)
	log.Infow("physical memory configured",
		"pages", *physPages,
		"bytes", humanize.IBytes(uint64(*physPages)*defs.PAGE_SIZE))
	pt := pgtbl.New(phys)
	kernelPml4 := &mem.Pmap_t{}

	table := task.NewTable(phys, pt, kernelPml4)
	sch := sched.New(sched.Config_t{
		NCPUs:     *ncpus,
		Fair:      *fairSched,
		Timeslice: time.Duration(*timeslice) * time.Millisecond,
		Locking:   lockMode,
	}, table, log)

	swapDev := disk.NewMem(*swapSectors, 512, nil)
	swapEngine := swap.New(phys, pt, swapDev, log)
	table.Enlist = swapEngine.Enlist

	oomEngine := oom.New(table, log, 100*time.Millisecond)

	faultHandler := fault.New(phys, pt, swapEngine.Touch)
	faultHandler.OOM = oomEngine.TryFree
	faultHandler.Enlist = swapEngine.Enlist
	_ = sysent.New(table, os.Stdout)

	heapFlags := uint64(defs.VM_READ | defs.VM_WRITE)
	for i := 0; i < *ntasks; i++ {
		segs := []task.Segment{
			{Name: "heap", VA: 0x1000, MemSz: defs.PAGE_SIZE, Flags: heapFlags},
		}
		if _, cerr := table.Create(defs.TASK_TYPE_USER, nil, segs); cerr != nil {
			log.Errorw("failed to spawn initial task", "i", i, "err", cerr)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.New(table, phys, sch, swapEngine, oomEngine, swapDev))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/oomscore", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := metrics.WriteScoreProfile(oomEngine, w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Infow("serving metrics", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server exited", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	swapLoop := func(ctx context.Context) error {
		return swapEngine.Run(ctx, 50*time.Millisecond)
	}
	runErr := sch.Run(ctx, swapLoop, oomEngine.Run)
	if runErr != nil && ctx.Err() == nil {
		log.Errorw("simulator exited", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
