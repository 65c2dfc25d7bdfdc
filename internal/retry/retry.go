// Package retry implements the retry controller: the policy invoked when a
// worker reports a task failed, deciding whether to requeue it or let it
// settle into the permanent failed state.
package retry

import (
	"time"

	"github.com/swarmguard/taskscheduler/internal/store"
)

// Outcome reports what the retry controller decided for a failed attempt.
type Outcome struct {
	// Requeue is true if the task should go back to pending and re-enter
	// the ready-queue; false if attempts are exhausted and it is now
	// terminally failed.
	Requeue bool
}

// Apply mutates t in place to reflect a failed attempt: attempt_count is
// incremented, last_error is recorded, and status becomes pending (eligible
// for another dispatch) if attempts remain, or becomes failed as a terminal
// state once attempt_count reaches max_attempts.
func Apply(t *store.Task, cause string) Outcome {
	t.AttemptCount++
	t.LastError = cause
	t.DispatchToken = ""

	if t.AttemptCount < t.MaxAttempts {
		t.Status = store.StatusPending
		return Outcome{Requeue: true}
	}

	t.Status = store.StatusFailed
	now := time.Now().UTC()
	t.CompletedAt = &now
	return Outcome{Requeue: false}
}
