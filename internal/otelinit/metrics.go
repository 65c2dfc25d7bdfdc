package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds the scheduler-wide metrics used across components.
type Instruments struct {
	TasksSubmitted    metric.Int64Counter
	TasksTransitioned metric.Int64Counter
	RetryAttempts     metric.Int64Counter
	DeadLettered      metric.Int64Counter
	WorkerHeartbeats  metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	DispatchLatencyMs metric.Float64Histogram

	// WorkerCircuitState counts circuit breaker transitions, distinguished by
	// an "state" attribute ("open"/"closed"), kept by the worker's client
	// around calls against this process's HTTP API.
	WorkerCircuitState metric.Int64Counter
	// SubmitRateLimitDrops counts submissions rejected by the submit
	// endpoint's rate limiter, distinguished by a "reason" attribute
	// ("window"/"tokens").
	SubmitRateLimitDrops metric.Int64Counter
	// WorkerHTTPRetry counts the worker's retry-with-backoff outcomes against
	// this process's HTTP API, distinguished by an "outcome" attribute
	// ("attempt"/"success"/"fail").
	WorkerHTTPRetry metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown function and the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, inst Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

// NewInstruments builds the common instrument set against whatever meter
// provider is currently registered (global default, or a test no-op
// provider) — useful for wiring components in tests without a live
// collector.
func NewInstruments() Instruments {
	return newInstruments()
}

func newInstruments() Instruments {
	meter := otel.Meter("swarmguard/taskscheduler")
	submitted, _ := meter.Int64Counter("scheduler_tasks_submitted_total")
	transitioned, _ := meter.Int64Counter("scheduler_tasks_transitioned_total")
	retries, _ := meter.Int64Counter("scheduler_retry_attempts_total")
	dead, _ := meter.Int64Counter("scheduler_dlq_total")
	heartbeats, _ := meter.Int64Counter("scheduler_worker_heartbeats_total")
	depth, _ := meter.Int64UpDownCounter("scheduler_queue_depth")
	latency, _ := meter.Float64Histogram("scheduler_dispatch_latency_ms")
	circuitState, _ := meter.Int64Counter("scheduler_worker_circuit_transitions_total")
	rateLimitDrops, _ := meter.Int64Counter("scheduler_submit_ratelimit_drops_total")
	httpRetry, _ := meter.Int64Counter("scheduler_worker_http_retry_total")
	return Instruments{
		TasksSubmitted:       submitted,
		TasksTransitioned:    transitioned,
		RetryAttempts:        retries,
		DeadLettered:         dead,
		WorkerHeartbeats:     heartbeats,
		QueueDepth:           depth,
		DispatchLatencyMs:    latency,
		WorkerCircuitState:   circuitState,
		SubmitRateLimitDrops: rateLimitDrops,
		WorkerHTTPRetry:      httpRetry,
	}
}
