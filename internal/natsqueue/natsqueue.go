// Package natsqueue is an optional broker-backed ready-queue mirror: attached
// through scheduler.Facade.SetMirror, it publishes every ready task id to a
// per-priority NATS subject in addition to the in-process channels, which
// remain the queue that claims are served from. Wraps nats.go the same trace-context
// propagating way the teacher's natsctx package does (inject on publish,
// extract on subscribe, one child span per message).
package natsqueue

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskscheduler/internal/store"
)

var propagator = propagation.TraceContext{}

func subjectFor(priority store.Priority) string {
	return fmt.Sprintf("task.ready.%s", priority)
}

// Queue publishes and consumes ready task ids over NATS subjects, one per
// priority, so subscribers that only bind the high-priority subject
// naturally see high-priority work first.
type Queue struct {
	nc *nats.Conn
}

// Connect dials the given NATS URL.
func Connect(url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{nc: nc}, nil
}

// Close closes the underlying connection without draining it.
func (q *Queue) Close() {
	q.nc.Close()
}

type readyMessage struct {
	TaskID int64 `json:"task_id"`
}

// Push publishes a task id ready for dispatch, injecting the current trace
// context into the message header.
func (q *Queue) Push(ctx context.Context, id int64, priority store.Priority) error {
	body, err := json.Marshal(readyMessage{TaskID: id})
	if err != nil {
		return fmt.Errorf("marshal ready message: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subjectFor(priority), Data: body, Header: hdr}
	if err := q.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish ready message: %w", err)
	}
	return nil
}

// Subscribe registers handler for every ready task id published under
// priority, extracting the propagated trace context and starting a
// consumer span before invoking handler.
func (q *Queue) Subscribe(priority store.Priority, handler func(ctx context.Context, taskID int64)) (*nats.Subscription, error) {
	return q.nc.Subscribe(subjectFor(priority), func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("taskscheduler-natsqueue")
		ctx, span := tracer.Start(ctx, "natsqueue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var msg readyMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(ctx, msg.TaskID)
	})
}
