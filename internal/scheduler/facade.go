// Package scheduler implements the façade: the single entry point that owns
// the task state machine and keeps the store, ready-queue, dependency
// resolver, retry controller, and worker registry consistent with each
// other. Every transition commits to the store first and only touches the
// queue after that commit succeeds, so a crash between the two never loses
// a task (worst case it sits pending in the store until schedd next starts
// and rebuilds the ready-queue from the store; it never silently vanishes).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/queue"
	"github.com/swarmguard/taskscheduler/internal/registry"
	"github.com/swarmguard/taskscheduler/internal/resolver"
	"github.com/swarmguard/taskscheduler/internal/retry"
	"github.com/swarmguard/taskscheduler/internal/schederr"
	"github.com/swarmguard/taskscheduler/internal/store"
)

// readyPublisher is anything that can announce a task as ready for dispatch.
// internal/natsqueue.Queue satisfies this, letting the façade mirror ready
// events onto a broker for out-of-process observers without making NATS a
// required dependency of the core state machine.
type readyPublisher interface {
	Push(ctx context.Context, id int64, priority store.Priority) error
}

// Facade is the Scheduler Façade: it sequences every state transition tasks
// go through and is the only component allowed to mutate the store.
type Facade struct {
	store    *store.Store
	queue    *queue.Queue
	resolver *resolver.Resolver
	registry *registry.Registry
	inst     otelinit.Instruments
	mirror   readyPublisher
}

// New wires a Facade over its dependencies.
func New(s *store.Store, q *queue.Queue, r *resolver.Resolver, reg *registry.Registry, inst otelinit.Instruments) *Facade {
	return &Facade{store: s, queue: q, resolver: r, registry: reg, inst: inst}
}

// SetMirror attaches a secondary ready-event publisher (e.g. a NATS-backed
// internal/natsqueue.Queue) that receives every id pushed onto the in-process
// ready-queue, for deployments where other processes want to observe
// dispatch-ready tasks without going through the HTTP claim path.
func (f *Facade) SetMirror(m readyPublisher) {
	f.mirror = m
}

func (f *Facade) push(ctx context.Context, id int64, priority store.Priority) error {
	if err := f.queue.Push(ctx, id, priority); err != nil {
		return err
	}
	if f.mirror != nil {
		_ = f.mirror.Push(ctx, id, priority)
	}
	return nil
}

// Submit inserts a new task and, if it has no unmet dependencies, pushes it
// onto the ready-queue immediately.
func (f *Facade) Submit(ctx context.Context, typ string, payload map[string]any, priority store.Priority, dependencies []int64, maxAttempts int) (*store.Task, error) {
	task, err := f.store.Insert(ctx, typ, payload, priority, dependencies, maxAttempts)
	if err != nil {
		return nil, err
	}

	f.inst.TasksSubmitted.Add(ctx, 1, attribute.String("priority", string(priority)))

	eligible, err := f.resolver.IsEligible(ctx, task)
	if err != nil {
		return nil, err
	}
	if eligible {
		if err := f.push(ctx, task.ID, task.Priority); err != nil {
			return nil, fmt.Errorf("push submitted task %d: %w", task.ID, err)
		}
	}
	return task, nil
}

// Get returns the task with the given id.
func (f *Facade) Get(ctx context.Context, id int64) (*store.Task, error) {
	return f.store.Get(ctx, id)
}

// List returns every task, newest first.
func (f *Facade) List(ctx context.Context) ([]*store.Task, error) {
	return f.store.List(ctx)
}

// ListPermanentlyFailed returns every terminally-failed task.
func (f *Facade) ListPermanentlyFailed(ctx context.Context) ([]*store.Task, error) {
	return f.store.ListPermanentlyFailed(ctx)
}

// Claim pops the highest-priority ready task (waiting up to timeout) and
// transitions it pending -> running, stamping it with a fresh dispatch
// token that the claiming worker must echo back on its terminal
// transition. Returns ok=false if no task became ready before timeout, or
// if the popped task was no longer pending; other store errors are returned.
func (f *Facade) Claim(ctx context.Context, workerID string, timeout time.Duration) (task *store.Task, ok bool, err error) {
	start := time.Now()
	id, popped := f.queue.PopHighestBlocking(ctx, timeout)
	if !popped {
		return nil, false, nil
	}

	token := uuid.NewString()
	next, err := f.store.Transition(ctx, id, func(t *store.Task) error {
		if t.Status != store.StatusPending {
			// Lost a race (e.g. reaper already reclaimed it, or it was
			// already claimed); drop silently, the caller just retries.
			return schederr.IllegalTransition(t.ID, string(t.Status), string(store.StatusRunning))
		}
		now := time.Now().UTC()
		t.Status = store.StatusRunning
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.DispatchToken = token
		return nil
	})
	if err != nil {
		if errors.Is(err, schederr.ErrIllegalTransition) {
			return nil, false, nil
		}
		return nil, false, err
	}

	f.inst.TasksTransitioned.Add(ctx, 1, attribute.String("to", string(store.StatusRunning)))
	f.inst.DispatchLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	return next, true, nil
}

// Complete transitions a running task to completed. token must match the
// one issued at claim time, enforcing that only the worker that actually
// holds the task can finish it.
func (f *Facade) Complete(ctx context.Context, id int64, token string) (*store.Task, error) {
	next, err := f.store.Transition(ctx, id, func(t *store.Task) error {
		if t.Status != store.StatusRunning {
			return schederr.IllegalTransition(t.ID, string(t.Status), string(store.StatusCompleted))
		}
		if t.DispatchToken != token {
			return schederr.StaleToken(t.ID)
		}
		now := time.Now().UTC()
		t.Status = store.StatusCompleted
		t.CompletedAt = &now
		t.DispatchToken = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.inst.TasksTransitioned.Add(ctx, 1, attribute.String("to", string(store.StatusCompleted)))

	newlyEligible, err := f.resolver.NewlyEligibleAfter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve successors of task %d: %w", id, err)
	}
	for _, t := range newlyEligible {
		if err := f.push(ctx, t.ID, t.Priority); err != nil {
			return nil, fmt.Errorf("push newly-eligible task %d: %w", t.ID, err)
		}
	}
	return next, nil
}

// Fail transitions a running task to failed, delegating to the retry
// controller to decide between requeuing and terminal failure.
func (f *Facade) Fail(ctx context.Context, id int64, token string, cause string) (*store.Task, error) {
	var outcome retry.Outcome
	next, err := f.store.Transition(ctx, id, func(t *store.Task) error {
		if t.Status != store.StatusRunning {
			return schederr.IllegalTransition(t.ID, string(t.Status), string(store.StatusFailed))
		}
		if t.DispatchToken != token {
			return schederr.StaleToken(t.ID)
		}
		outcome = retry.Apply(t, cause)
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.inst.TasksTransitioned.Add(ctx, 1, attribute.String("to", string(store.StatusFailed)))
	if outcome.Requeue {
		f.inst.RetryAttempts.Add(ctx, 1)
		if err := f.push(ctx, next.ID, next.Priority); err != nil {
			return nil, fmt.Errorf("requeue failed task %d: %w", next.ID, err)
		}
	} else {
		f.inst.DeadLettered.Add(ctx, 1)
	}
	return next, nil
}

// Requeue forces a permanently-failed task back to pending with attempts
// reset, an explicit operator action (not reachable through normal worker
// reporting, so it never violates the automatic-retry-exhaustion invariant).
func (f *Facade) Requeue(ctx context.Context, id int64) (*store.Task, error) {
	next, err := f.store.Transition(ctx, id, func(t *store.Task) error {
		if !(t.Status == store.StatusFailed && t.AttemptCount >= t.MaxAttempts) {
			return schederr.IllegalTransition(t.ID, string(t.Status), string(store.StatusPending))
		}
		t.Status = store.StatusPending
		t.AttemptCount = 0
		t.LastError = ""
		t.DispatchToken = ""
		t.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := f.push(ctx, next.ID, next.Priority); err != nil {
		return nil, fmt.Errorf("push requeued task %d: %w", next.ID, err)
	}
	return next, nil
}

// Heartbeat records a worker as alive.
func (f *Facade) Heartbeat(ctx context.Context, workerID string) {
	f.registry.Heartbeat(workerID)
	f.inst.WorkerHeartbeats.Add(ctx, 1)
}

// ListLiveWorkers returns the ids of workers considered alive.
func (f *Facade) ListLiveWorkers() []string {
	return f.registry.ListLive()
}
