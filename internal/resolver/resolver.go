// Package resolver determines dependency eligibility. The teacher's DAG
// engine tracks in-degree counts and decrements them as parents complete
// (Kahn's algorithm); here dependencies are resolved on demand against the
// store instead of a pre-built in-memory graph, since tasks arrive over
// time rather than as one fully-specified workflow.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmguard/taskscheduler/internal/store"
)

// TaskGetter is the subset of the store the resolver needs.
type TaskGetter interface {
	Get(ctx context.Context, id int64) (*store.Task, error)
	ListPendingWaiters(ctx context.Context) ([]*store.Task, error)
}

// Resolver decides whether a task's dependencies are satisfied.
type Resolver struct {
	store TaskGetter
}

// New builds a Resolver over the given store.
func New(s TaskGetter) *Resolver {
	return &Resolver{store: s}
}

// IsEligible reports whether every dependency of task has completed. A task
// with no dependencies is always eligible.
func (r *Resolver) IsEligible(ctx context.Context, task *store.Task) (bool, error) {
	for _, depID := range task.Dependencies {
		dep, err := r.store.Get(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("resolve dependency %d of task %d: %w", depID, task.ID, err)
		}
		if dep.Status != store.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// NewlyEligibleAfter scans every pending task with unmet dependencies and
// returns, in ascending id order, the ones that have become eligible now
// that completedID has finished. This mirrors the in-degree decrement step
// of Kahn's algorithm, computed lazily instead of maintained incrementally.
func (r *Resolver) NewlyEligibleAfter(ctx context.Context, completedID int64) ([]*store.Task, error) {
	waiters, err := r.store.ListPendingWaiters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending waiters: %w", err)
	}

	eligible := make([]*store.Task, 0)
	for _, t := range waiters {
		dependsOnCompleted := false
		for _, depID := range t.Dependencies {
			if depID == completedID {
				dependsOnCompleted = true
				break
			}
		}
		if !dependsOnCompleted {
			continue
		}
		ok, err := r.IsEligible(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible, nil
}
