// Package store provides the durable task persistence layer: a BoltDB-backed
// CRUD store plus an in-memory index, serializing all mutations behind a
// single lock so that concurrent transitions of the same task race safely
// (the loser observes the already-applied state, never a torn write).
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskscheduler/internal/schederr"
)

var bucketTasks = []byte("tasks")

// Store is the durable task persistence abstraction used by the façade.
type Store struct {
	db     *bbolt.DB
	mu     sync.Mutex
	byID   map[int64]*Task
	tracer trace.Tracer

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) a BoltDB-backed task store at dbPath and
// warms the in-memory index from its contents.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("scheduler_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("scheduler_store_write_ms")

	s := &Store{
		db:           db,
		byID:         make(map[int64]*Task),
		tracer:       otel.Tracer("taskscheduler-store"),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			s.byID[t.ID] = &t
			return nil
		})
	})
}

// Insert assigns an id, sets status=pending, attempt_count=0, created_at=now,
// and persists the new task. Fails with ErrInvalidDependency if any
// predecessor id is unknown, or ErrInvalidPriority if priority is unrecognized.
func (s *Store) Insert(ctx context.Context, typ string, payload map[string]any, priority Priority, dependencies []int64, maxAttempts int) (*Task, error) {
	ctx, span := s.tracer.Start(ctx, "store.insert")
	defer span.End()
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "insert")))
	}()

	if !ValidPriority(priority) {
		return nil, schederr.InvalidPriority(string(priority))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range dependencies {
		if _, ok := s.byID[dep]; !ok {
			return nil, schederr.InvalidDependency(dep)
		}
	}

	task := &Task{
		Type:         typ,
		Payload:      payload,
		Status:       StatusPending,
		Priority:     priority,
		Dependencies: append([]int64(nil), dependencies...),
		AttemptCount: 0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		task.ID = int64(id)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(idKey(task.ID), data)
	})
	if err != nil {
		return nil, schederr.StoreFailure("insert", err)
	}

	s.byID[task.ID] = task
	return task.Clone(), nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	_, span := s.tracer.Start(ctx, "store.get")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, schederr.NotFound(id)
	}
	return t.Clone(), nil
}

// List returns every task ordered by descending id (newest first).
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	_, span := s.tracer.Start(ctx, "store.list")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListPendingWaiters returns every pending task with a non-empty dependency
// set, ordered by ascending id (so the resolver enqueues older waiters
// first when scanning for newly-eligible tasks).
func (s *Store) ListPendingWaiters(ctx context.Context) ([]*Task, error) {
	_, span := s.tracer.Start(ctx, "store.list_pending_waiters")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0)
	for _, t := range s.byID {
		if t.Status == StatusPending && len(t.Dependencies) > 0 {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPermanentlyFailed returns every task in terminal failed status,
// newest first. Supplemented operator surface (see SPEC_FULL.md §3).
func (s *Store) ListPermanentlyFailed(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0)
	for _, t := range s.byID {
		if t.Status == StatusFailed && t.AttemptCount >= t.MaxAttempts {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Mutator applies an in-place change to a task already loaded under the
// store's lock. Returning an error aborts the transition: nothing is
// persisted and the caller's error is propagated.
type Mutator func(t *Task) error

// Transition loads the task with id, invokes mutate on a private copy while
// holding the store's lock (serializing concurrent transitions of the same
// id, satisfying invariant 5), and persists the result atomically to BoltDB
// if mutate succeeds.
func (s *Store) Transition(ctx context.Context, id int64, mutate Mutator) (*Task, error) {
	ctx, span := s.tracer.Start(ctx, "store.transition")
	defer span.End()
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "transition")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return nil, schederr.NotFound(id)
	}
	next := existing.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(idKey(id), data)
	})
	if err != nil {
		return nil, schederr.StoreFailure("transition", err)
	}

	s.byID[id] = next
	return next.Clone(), nil
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
