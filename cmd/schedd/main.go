// Command schedd runs the scheduler server: HTTP façade, ready-queue,
// worker registry, and the optional stuck-task reaper, wired together the
// same way the teacher's orchestrator main.go wires its DAG engine,
// tracer, and metrics before serving.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/taskscheduler/internal/config"
	"github.com/swarmguard/taskscheduler/internal/httpapi"
	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/natsqueue"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/queue"
	"github.com/swarmguard/taskscheduler/internal/reaper"
	"github.com/swarmguard/taskscheduler/internal/registry"
	"github.com/swarmguard/taskscheduler/internal/resolver"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

func main() {
	service := "schedd"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, inst := otelinit.InitMetrics(ctx, service)

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		log.Error("create db dir failed", "error", err)
		return
	}

	st, err := store.Open(cfg.DBPath+"/tasks.db", otel.Meter("taskscheduler-store"))
	if err != nil {
		log.Error("open store failed", "error", err)
		return
	}
	defer st.Close()

	q := queue.New(1024)
	res := resolver.New(st)
	reg := registry.New(cfg.WorkerTTL)
	defer reg.Close()

	// The in-process ready-queue is not persisted, so rebuild it from the
	// store: every pending task whose dependencies are met is pushed again,
	// oldest first.
	known, err := st.List(ctx)
	if err != nil {
		log.Error("list tasks for ready-queue rebuild failed", "error", err)
		return
	}
	for i := len(known) - 1; i >= 0; i-- {
		t := known[i]
		if t.Status != store.StatusPending {
			continue
		}
		if ok, err := res.IsEligible(ctx, t); err == nil && ok {
			_ = q.Push(ctx, t.ID, t.Priority)
		}
	}

	facade := scheduler.New(st, q, res, reg, inst)

	if cfg.NATSEnabled {
		nq, err := natsqueue.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("nats connect failed, ready events won't be mirrored", "error", err)
		} else {
			defer nq.Close()
			facade.SetMirror(nq)
			log.Info("mirroring ready events to nats", "url", cfg.NATSURL)
		}
	}

	if cfg.ReaperEnabled {
		rp := reaper.New(facade, cfg.ReaperInterval, log)
		go rp.Run(ctx)
	}

	go sampleQueueDepth(ctx, q, inst)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.New(facade, log, inst, cfg.MaxAttempts)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	log.Info("schedd started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

// sampleQueueDepth periodically publishes each ready-queue lane's length as
// scheduler_queue_depth. QueueDepth is an UpDownCounter rather than a gauge
// (matching the rest of Instruments' counter-based instruments), so each
// tick reports the delta since the last sample instead of an absolute value.
func sampleQueueDepth(ctx context.Context, q *queue.Queue, inst otelinit.Instruments) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastHigh, lastMedium, lastLow int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			high, medium, low := q.Depth()
			inst.QueueDepth.Add(ctx, int64(high)-lastHigh, attribute.String("priority", "high"))
			inst.QueueDepth.Add(ctx, int64(medium)-lastMedium, attribute.String("priority", "medium"))
			inst.QueueDepth.Add(ctx, int64(low)-lastLow, attribute.String("priority", "low"))
			lastHigh, lastMedium, lastLow = int64(high), int64(medium), int64(low)
		}
	}
}
