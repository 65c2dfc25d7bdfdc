// Package resilience provides client-side failure handling for the worker's
// calls against the scheduler's HTTP API: a circuit breaker driven by the
// same transition semantics the façade enforces, and a submit-endpoint rate
// limiter, both reporting through this repo's shared otelinit.Instruments
// rather than standing up their own meters.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
)

// Outcome classifies what a call against the scheduler's HTTP API actually
// told the worker, distinguishing a genuinely unreachable backend from a
// benign state-machine race.
type Outcome int

const (
	// Success: the call completed and got a 2xx response.
	Success Outcome = iota
	// Failure: the call errored, timed out, or got an unexpected status —
	// evidence the backend itself may be unhealthy.
	Failure
	// Neutral: the call reached the backend and was rejected with a 409,
	// meaning another actor (most often the reaper reclaiming a task this
	// worker was still executing) won a race with this worker's dispatch
	// token. The backend is fine; tripping the breaker over this would only
	// punish a worker for losing a race it was never going to win anyway.
	Neutral
)

// CircuitBreaker trips on a sustained failure rate over a rolling window and
// probes recovery through a bounded number of half-open requests before
// closing again. Unlike a generic HTTP breaker, RecordOutcome takes the
// three-way Outcome above so stale-dispatch-token races never count against
// the backend's health.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int

	inst otelinit.Instruments
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker over a rolling window, tripping
// once the failure rate across minSamples requests meets failureRateOpen,
// and allowing maxHalfOpenProbes trial requests after halfOpenAfter before
// deciding whether to close or re-open. inst receives transition counters;
// pass otelinit.NewInstruments() for a working no-op-safe default.
func NewCircuitBreaker(inst otelinit.Instruments, windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	if failureRateOpen < 0 {
		failureRateOpen = 0
	}
	if failureRateOpen > 1 {
		failureRateOpen = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   failureRateOpen,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		inst:              inst,
	}
}

// Allow reports whether a request may proceed given the breaker's state.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			// This request is the first half-open probe.
			c.halfOpenProbes = 1
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordOutcome feeds a call's outcome back into the breaker. Neutral
// outcomes (dispatch-token races) never touch the failure window: they
// still count as a used half-open probe, but a probe landing Neutral leaves
// the breaker's verdict on the backend exactly where it was.
func (c *CircuitBreaker) RecordOutcome(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o == Neutral {
		if c.state == stateHalfOpen && c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
		return
	}

	success := o == Success
	c.window.add(success)

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRateOpen {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	if c.inst.WorkerCircuitState != nil {
		c.inst.WorkerCircuitState.Add(context.Background(), 1, attribute.String("state", "open"))
	}
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	if c.inst.WorkerCircuitState != nil {
		c.inst.WorkerCircuitState.Add(context.Background(), 1, attribute.String("state", "closed"))
	}
}

// slidingWindow tracks success/failure counts in fixed time buckets.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

// bucket counts outcomes for one interval; slot identifies that interval so a
// reused ring position is cleared once per interval, not on every add.
type bucket struct {
	success, fail int
	slot          int64
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	slot := now.UnixNano() / w.interval.Nanoseconds()
	if w.data[idx].slot != slot {
		w.data[idx] = bucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	cur := w.nowFn().UnixNano() / w.interval.Nanoseconds()
	for _, b := range w.data {
		if cur-b.slot >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
