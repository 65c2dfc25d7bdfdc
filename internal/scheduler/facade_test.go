package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/queue"
	"github.com/swarmguard/taskscheduler/internal/registry"
	"github.com/swarmguard/taskscheduler/internal/resolver"
	"github.com/swarmguard/taskscheduler/internal/schederr"
	"github.com/swarmguard/taskscheduler/internal/store"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(64)
	res := resolver.New(st)
	reg := registry.New(time.Minute)
	t.Cleanup(reg.Close)

	return New(st, q, res, reg, otelinit.NewInstruments())
}

// TestSubmitWithNoDependenciesIsImmediatelyReady covers the dependency-free
// path: a task submitted at high priority is claimable right away.
func TestSubmitWithNoDependenciesIsImmediatelyReady(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	task, err := f.Submit(ctx, "send_email", nil, store.PriorityHigh, nil, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimed, ok, err := f.Claim(ctx, "w1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok || claimed.ID != task.ID {
		t.Fatalf("expected to claim submitted task, got ok=%v claimed=%+v", ok, claimed)
	}
	if claimed.Status != store.StatusRunning {
		t.Fatalf("expected running after claim, got %s", claimed.Status)
	}
	if claimed.DispatchToken == "" {
		t.Fatalf("expected a dispatch token to be issued")
	}
}

// TestDependentTaskWaitsThenBecomesEligible mirrors scenario S1: a child
// task only becomes ready once its parent completes.
func TestDependentTaskWaitsThenBecomesEligible(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	parent, err := f.Submit(ctx, "t", nil, store.PriorityHigh, nil, 3)
	if err != nil {
		t.Fatalf("submit parent: %v", err)
	}
	child, err := f.Submit(ctx, "t", nil, store.PriorityHigh, []int64{parent.ID}, 3)
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	claimedParent, ok, err := f.Claim(ctx, "w1", 50*time.Millisecond)
	if err != nil || !ok || claimedParent.ID != parent.ID {
		t.Fatalf("expected to claim parent: ok=%v err=%v claimed=%+v", ok, err, claimedParent)
	}

	// Child must not be ready before its parent completes.
	if _, ok, _ := f.Claim(ctx, "w2", 30*time.Millisecond); ok {
		t.Fatalf("expected child to not be claimable before parent completes")
	}

	if _, err := f.Complete(ctx, parent.ID, claimedParent.DispatchToken); err != nil {
		t.Fatalf("complete parent: %v", err)
	}

	claimedChild, ok, err := f.Claim(ctx, "w1", 50*time.Millisecond)
	if err != nil || !ok || claimedChild.ID != child.ID {
		t.Fatalf("expected child %d to become claimable after parent completed, got claimed=%+v ok=%v err=%v", child.ID, claimedChild, ok, err)
	}
}

// TestFailureRetriesUntilMaxAttemptsThenDeadLetters mirrors scenario S4.
func TestFailureRetriesUntilMaxAttemptsThenDeadLetters(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	task, err := f.Submit(ctx, "t", nil, store.PriorityLow, nil, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		claimed, ok, err := f.Claim(ctx, "w1", 100*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if _, err := f.Fail(ctx, claimed.ID, claimed.DispatchToken, "boom"); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
	}

	final, err := f.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != store.StatusFailed || !final.IsTerminal() {
		t.Fatalf("expected terminally failed task, got %+v", final)
	}

	failed, err := f.ListPermanentlyFailed(ctx)
	if err != nil {
		t.Fatalf("list permanently failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != task.ID {
		t.Fatalf("expected task in dead-letter listing, got %+v", failed)
	}
}

// TestStaleDispatchTokenRejected mirrors invariant 5: only the worker that
// claimed a task can transition it out of running.
func TestStaleDispatchTokenRejected(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Submit(ctx, "t", nil, store.PriorityHigh, nil, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := f.Claim(ctx, "w1", 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	_, err = f.Complete(ctx, claimed.ID, "wrong-token")
	if !errors.Is(err, schederr.ErrStaleDispatchToken) {
		t.Fatalf("expected stale dispatch token error, got %v", err)
	}
}

// TestRequeueRestoresDeadLetteredTask mirrors the operator dlq-retry
// surface: a terminally failed task can be manually reset to pending.
func TestRequeueRestoresDeadLetteredTask(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	task, _ := f.Submit(ctx, "t", nil, store.PriorityHigh, nil, 1)
	claimed, _, _ := f.Claim(ctx, "w1", 100*time.Millisecond)
	if _, err := f.Fail(ctx, claimed.ID, claimed.DispatchToken, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	requeued, err := f.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != store.StatusPending || requeued.AttemptCount != 0 {
		t.Fatalf("expected reset pending task, got %+v", requeued)
	}

	id, ok := f.queue.PopHighest()
	if !ok || id != task.ID {
		t.Fatalf("expected requeued task back on the ready-queue, got id=%d ok=%v", id, ok)
	}
}
