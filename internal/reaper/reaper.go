// Package reaper reconciles tasks stuck in running because the worker that
// claimed them died without reporting a terminal transition. Adapted from
// the teacher's CancellationManager bookkeeping in cancellation.go: there
// the map tracked executions a submitter could cancel, here it tracks
// running tasks a background sweep can reclaim on the worker's behalf.
// This is an internal reconciliation path, not a submitter-facing
// cancellation API (that remains out of scope).
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/swarmguard/taskscheduler/internal/schederr"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

// StuckAfter is how long a task may sit in running before the reaper
// considers its worker dead and fails it back through the retry controller.
const StuckAfter = 5 * time.Minute

// Reaper periodically scans for stuck running tasks and fails them, letting
// the normal retry controller decide whether they get requeued or
// dead-lettered.
type Reaper struct {
	facade   *scheduler.Facade
	interval time.Duration
	log      *slog.Logger
}

// New builds a Reaper that sweeps every interval.
func New(facade *scheduler.Facade, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{facade: facade, interval: interval, log: log}
}

// Run sweeps on a ticker until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tasks, err := r.facade.List(ctx)
	if err != nil {
		r.log.Warn("reaper list failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-StuckAfter)
	for _, t := range tasks {
		if t.Status != store.StatusRunning || t.StartedAt == nil || t.StartedAt.After(cutoff) {
			continue
		}
		if _, err := r.facade.Fail(ctx, t.ID, t.DispatchToken, "reclaimed by reaper: worker presumed dead"); err != nil {
			// Another transition may have landed between List and Fail
			// (the worker finished right as we scanned it); that's fine,
			// only genuinely stuck races.
			if !isBenignRace(err) {
				r.log.Warn("reaper failed to reclaim task", "task_id", t.ID, "error", err)
			}
			continue
		}
		r.log.Info("reaper reclaimed stuck task", "task_id", t.ID)
	}
}

func isBenignRace(err error) bool {
	return errors.Is(err, schederr.ErrIllegalTransition) || errors.Is(err, schederr.ErrStaleDispatchToken)
}
