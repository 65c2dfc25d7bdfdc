// Package queue implements the in-process ready-queue: three FIFO lanes
// (high, medium, low) with strict priority draining, so high-priority work
// never waits behind medium/low, and a steady stream of high-priority work
// starves the lower lanes.
package queue

import (
	"context"
	"time"

	"github.com/swarmguard/taskscheduler/internal/store"
)

// Queue is a priority-ordered ready-queue of task ids awaiting dispatch.
type Queue struct {
	high   chan int64
	medium chan int64
	low    chan int64
}

// New creates a Queue with the given per-lane buffer capacity.
func New(capacity int) *Queue {
	return &Queue{
		high:   make(chan int64, capacity),
		medium: make(chan int64, capacity),
		low:    make(chan int64, capacity),
	}
}

func (q *Queue) laneFor(p store.Priority) chan int64 {
	switch p {
	case store.PriorityHigh:
		return q.high
	case store.PriorityMedium:
		return q.medium
	default:
		return q.low
	}
}

// Push enqueues a task id onto its priority's lane. Blocks if that lane's
// buffer is full; callers needing a non-blocking push should size the
// buffer generously or select on ctx.Done().
func (q *Queue) Push(ctx context.Context, id int64, priority store.Priority) error {
	select {
	case q.laneFor(priority) <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PopHighest drains the highest-priority non-empty lane without blocking.
// Returns ok=false if all three lanes are currently empty.
func (q *Queue) PopHighest() (id int64, ok bool) {
	select {
	case id := <-q.high:
		return id, true
	default:
	}
	select {
	case id := <-q.medium:
		return id, true
	default:
	}
	select {
	case id := <-q.low:
		return id, true
	default:
	}
	return 0, false
}

// PopHighestBlocking waits up to timeout for any task to become available,
// then returns the highest-priority one. Go's select over multiple ready
// channels picks uniformly at random, which would break the strict-priority
// guarantee, so after being woken we re-run the non-blocking priority check
// rather than trusting whichever case fired.
func (q *Queue) PopHighestBlocking(ctx context.Context, timeout time.Duration) (id int64, ok bool) {
	if id, ok := q.PopHighest(); ok {
		return id, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.high:
		return id, true
	case id := <-q.medium:
		q.medium <- id
	case id := <-q.low:
		q.low <- id
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
	// A medium or low item arrived but select's uniform-random choice among
	// ready cases doesn't respect priority, and a high item may have landed
	// concurrently — push the woken item back and re-check from the top.
	return q.PopHighest()
}

// Depth reports the current length of each lane, for metrics.
func (q *Queue) Depth() (high, medium, low int) {
	return len(q.high), len(q.medium), len(q.low)
}
