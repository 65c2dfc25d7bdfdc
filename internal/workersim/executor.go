// Package workersim provides a reference executor for the eight task types
// the original system shipped (send_email, process_video, generate_report,
// data_backup, image_processing, send_notification, run_ml_model,
// webhook_trigger), adapted from the teacher's MultiTaskExecutor routing
// table and HTTPTaskExecutor shape in task_executor.go.
package workersim

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Executor runs a single task's payload and returns an error if the
// simulated work failed.
type Executor interface {
	Execute(ctx context.Context, taskType string, payload map[string]any) error
}

// MultiExecutor routes to a per-type handler, falling back to a generic
// simulated handler for any type it doesn't recognize — the same dispatch
// shape as the teacher's MultiTaskExecutor, minus its plugin registry
// (there is no remote plugin transport here, only in-process simulation).
type MultiExecutor struct {
	handlers map[string]func(ctx context.Context, payload map[string]any) error
	rng      *rand.Rand
}

// NewMultiExecutor builds the default handler table for the eight known
// task types.
func NewMultiExecutor(seed int64) *MultiExecutor {
	m := &MultiExecutor{
		handlers: make(map[string]func(ctx context.Context, payload map[string]any) error),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, typ := range []string{
		"send_email", "process_video", "generate_report", "data_backup",
		"image_processing", "send_notification", "run_ml_model", "webhook_trigger",
	} {
		m.handlers[typ] = m.simulated(typ)
	}
	return m
}

// Execute runs the handler registered for taskType, or a generic simulated
// handler if none is registered.
func (m *MultiExecutor) Execute(ctx context.Context, taskType string, payload map[string]any) error {
	h, ok := m.handlers[taskType]
	if !ok {
		h = m.simulated(taskType)
	}
	return h(ctx, payload)
}

// simulated returns a handler that sleeps a plausible duration for typ and
// fails roughly 10% of the time, matching the reference worker's
// random.random() < 0.1 failure injection.
func (m *MultiExecutor) simulated(typ string) func(context.Context, map[string]any) error {
	return func(ctx context.Context, payload map[string]any) error {
		select {
		case <-time.After(workDuration(typ)):
		case <-ctx.Done():
			return ctx.Err()
		}
		if m.rng.Float64() < 0.1 {
			return fmt.Errorf("simulated failure executing %s", typ)
		}
		return nil
	}
}

func workDuration(typ string) time.Duration {
	switch typ {
	case "process_video":
		return 400 * time.Millisecond
	case "generate_report", "data_backup":
		return 250 * time.Millisecond
	case "run_ml_model":
		return 350 * time.Millisecond
	default:
		return 80 * time.Millisecond
	}
}
