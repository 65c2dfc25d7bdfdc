package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
)

// RateLimiter combines a token bucket (smooth sustained rate) with a hard
// per-window cap (burst ceiling), used to guard the submit endpoint against
// a single caller flooding the ready-queue.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64

	inst otelinit.Instruments
}

// NewRateLimiter creates a combined token bucket + fixed window limiter: the
// window count resets once windowDur has elapsed since the window began.
// inst receives drop counters; pass otelinit.NewInstruments() for a
// working no-op-safe default.
func NewRateLimiter(inst otelinit.Instruments, capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		inst:         inst,
	}
}

// Allow attempts to consume a single token.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens, checking the hard window cap first.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		r.drop("window")
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	r.drop("tokens")
	return false
}

func (r *RateLimiter) drop(reason string) {
	if r.inst.SubmitRateLimitDrops != nil {
		r.inst.SubmitRateLimitDrops.Add(context.Background(), 1, attribute.String("reason", reason))
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
