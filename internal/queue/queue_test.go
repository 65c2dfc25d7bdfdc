package queue

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskscheduler/internal/store"
)

func TestPopHighestStrictPriorityOrder(t *testing.T) {
	q := New(8)
	ctx := context.Background()

	_ = q.Push(ctx, 1, store.PriorityLow)
	_ = q.Push(ctx, 2, store.PriorityMedium)
	_ = q.Push(ctx, 3, store.PriorityHigh)

	id, ok := q.PopHighest()
	if !ok || id != 3 {
		t.Fatalf("expected high-priority id 3 first, got %d ok=%v", id, ok)
	}
	id, ok = q.PopHighest()
	if !ok || id != 2 {
		t.Fatalf("expected medium-priority id 2 next, got %d ok=%v", id, ok)
	}
	id, ok = q.PopHighest()
	if !ok || id != 1 {
		t.Fatalf("expected low-priority id 1 last, got %d ok=%v", id, ok)
	}
}

func TestPopHighestEmptyReturnsNotOK(t *testing.T) {
	q := New(8)
	if _, ok := q.PopHighest(); ok {
		t.Fatalf("expected empty queue to report not ok")
	}
}

func TestHighPriorityNeverStarvedByBacklog(t *testing.T) {
	q := New(64)
	ctx := context.Background()
	for i := int64(0); i < 20; i++ {
		_ = q.Push(ctx, i, store.PriorityLow)
	}
	_ = q.Push(ctx, 999, store.PriorityHigh)

	id, ok := q.PopHighest()
	if !ok || id != 999 {
		t.Fatalf("expected high priority task to jump the low backlog, got %d ok=%v", id, ok)
	}
}

func TestPopHighestBlockingWaitsForArrival(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(ctx, 42, store.PriorityMedium)
	}()

	id, ok := q.PopHighestBlocking(ctx, 500*time.Millisecond)
	if !ok || id != 42 {
		t.Fatalf("expected id 42 to arrive, got %d ok=%v", id, ok)
	}
}

func TestPopHighestBlockingTimesOut(t *testing.T) {
	q := New(4)
	_, ok := q.PopHighestBlocking(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on empty queue")
	}
}
