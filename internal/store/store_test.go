package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskscheduler/internal/schederr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	s, err := Open(filepath.Join(dir, "tasks.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Insert(ctx, "send_email", nil, PriorityHigh, nil, 3)
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}
	b, err := s.Insert(ctx, "send_email", nil, PriorityHigh, nil, 3)
	if err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if b.ID <= a.ID {
		t.Fatalf("expected b.ID > a.ID, got a=%d b=%d", a.ID, b.ID)
	}
	if a.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", a.Status)
	}
}

func TestInsertRejectsUnknownDependency(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Insert(context.Background(), "t", nil, PriorityLow, []int64{999}, 3)
	if !errors.Is(err, schederr.ErrInvalidDependency) {
		t.Fatalf("expected ErrInvalidDependency, got %v", err)
	}
}

func TestInsertRejectsUnknownPriority(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Insert(context.Background(), "t", nil, Priority("urgent"), nil, 3)
	if !errors.Is(err, schederr.ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), 12345)
	if !errors.Is(err, schederr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionIsAtomicAndPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, err := s.Insert(ctx, "t", nil, PriorityMedium, nil, 3)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := s.Transition(ctx, task.ID, func(tk *Task) error {
		tk.Status = StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != StatusRunning {
		t.Fatalf("expected running, got %s", updated.Status)
	}

	reloaded, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusRunning {
		t.Fatalf("expected persisted running status, got %s", reloaded.Status)
	}
}

func TestTransitionMutatorErrorLeavesTaskUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _ := s.Insert(ctx, "t", nil, PriorityLow, nil, 3)

	wantErr := errors.New("illegal")
	_, err := s.Transition(ctx, task.ID, func(tk *Task) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}

	reloaded, _ := s.Get(ctx, task.ID)
	if reloaded.Status != StatusPending {
		t.Fatalf("expected status unchanged on mutator error, got %s", reloaded.Status)
	}
}

func TestListPendingWaitersOnlyReturnsTasksWithDependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, _ := s.Insert(ctx, "t", nil, PriorityHigh, nil, 3)
	_, _ = s.Insert(ctx, "t", nil, PriorityHigh, nil, 3) // no deps, not a waiter
	waiter, _ := s.Insert(ctx, "t", nil, PriorityHigh, []int64{root.ID}, 3)

	waiters, err := s.ListPendingWaiters(ctx)
	if err != nil {
		t.Fatalf("list pending waiters: %v", err)
	}
	if len(waiters) != 1 || waiters[0].ID != waiter.ID {
		t.Fatalf("expected exactly waiter task, got %+v", waiters)
	}
}

func TestWarmCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	mp := noopmetric.MeterProvider{}

	s1, err := Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task, err := s1.Insert(context.Background(), "t", nil, PriorityLow, nil, 3)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	s2, err := Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	reloaded, err := s2.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if reloaded.ID != task.ID {
		t.Fatalf("expected task to survive reopen, got %+v", reloaded)
	}
}
