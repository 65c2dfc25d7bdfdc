package store

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Priority selects which ready-queue channel a task enters.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is one of the three known priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Task is the central persisted entity: a unit of deferred work with an
// opaque payload and a lifecycle governed by the façade's state machine.
type Task struct {
	ID             int64             `json:"id"`
	Type           string            `json:"type"`
	Payload        map[string]any    `json:"data"`
	Status         Status            `json:"status"`
	Priority       Priority          `json:"priority"`
	Dependencies   []int64           `json:"dependencies"`
	AttemptCount   int               `json:"retry_count"`
	MaxAttempts    int               `json:"max_retries"`
	LastError      string            `json:"error_message,omitempty"`
	DispatchToken  string            `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// store's lock: slices and the payload map are copied, not aliased.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]int64(nil), t.Dependencies...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// IsTerminal reports whether the task can never transition again:
// completed always, and failed once attempts are exhausted.
func (t *Task) IsTerminal() bool {
	if t.Status == StatusCompleted {
		return true
	}
	if t.Status == StatusFailed && t.AttemptCount >= t.MaxAttempts {
		return true
	}
	return false
}
