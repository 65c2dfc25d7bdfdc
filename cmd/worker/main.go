// Command worker is a reference implementation of the worker contract:
// heartbeat, priority-ordered claim, claim-then-verify, execute, and
// report, with the retry backoff sleep (min(2^attempt, 30)s) the original
// worker.py applied before re-attempting a task it had already failed once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/resilience"
	"github.com/swarmguard/taskscheduler/internal/workersim"
)

type task struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	RetryCount    int            `json:"retry_count"`
	DispatchToken string         `json:"dispatch_token"`
}

// httpStatusError carries the HTTP status code a call against schedd came
// back with, so the caller can tell a backend failure (trip the breaker)
// apart from a benign state-machine race reported as a 409.
type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string { return e.err.Error() }

// classifyOutcome turns a claim/report error into the three-way signal the
// circuit breaker reasons about: a 409 means another actor (most often the
// reaper) already moved the task out from under this worker, which says
// nothing about whether schedd itself is healthy.
func classifyOutcome(err error) resilience.Outcome {
	if err == nil {
		return resilience.Success
	}
	var se *httpStatusError
	if errors.As(err, &se) && se.status == http.StatusConflict {
		return resilience.Neutral
	}
	return resilience.Failure
}

func main() {
	log := logging.Init("worker")

	baseURL := os.Getenv("SCHED_SERVER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	workerID := os.Getenv("SCHED_WORKER_ID")
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, "worker")
	shutdownMetrics, inst := otelinit.InitMetrics(ctx, "worker")
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		otelinit.Flush(flushCtx, shutdownTrace)
		_ = shutdownMetrics(flushCtx)
	}()

	client := &http.Client{Timeout: 30 * time.Second}
	exec := workersim.NewMultiExecutor(time.Now().UnixNano())
	breaker := resilience.NewCircuitBreaker(inst, 30*time.Second, 6, 5, 0.5, 10*time.Second, 3)

	go heartbeatLoop(ctx, client, baseURL, workerID, log)

	log.Info("worker started", "worker_id", workerID, "server", baseURL)
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
		}

		if !breaker.Allow() {
			log.Warn("circuit open, skipping claim attempt")
			time.Sleep(time.Second)
			continue
		}
		t, ok, err := claim(ctx, client, baseURL, workerID)
		breaker.RecordOutcome(classifyOutcome(err))
		if err != nil {
			log.Warn("claim failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if t.RetryCount > 0 {
			backoff := time.Duration(math.Min(math.Pow(2, float64(t.RetryCount)), 30)) * time.Second
			log.Info("backing off before retry", "task_id", t.ID, "retry_count", t.RetryCount, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}

		log.Info("executing task", "task_id", t.ID, "type", t.Type)
		execErr := exec.Execute(ctx, t.Type, t.Data)
		if execErr != nil {
			reportErr := reportWithRetry(ctx, client, inst, baseURL, t.ID, "failed", t.DispatchToken, execErr.Error())
			breaker.RecordOutcome(classifyOutcome(reportErr))
			if reportErr != nil {
				log.Warn("report failed transition failed", "task_id", t.ID, "error", reportErr)
			}
			log.Info("task failed", "task_id", t.ID, "error", execErr)
			continue
		}
		reportErr := reportWithRetry(ctx, client, inst, baseURL, t.ID, "completed", t.DispatchToken, "")
		breaker.RecordOutcome(classifyOutcome(reportErr))
		if reportErr != nil {
			log.Warn("report completed transition failed", "task_id", t.ID, "error", reportErr)
		}
		log.Info("task completed", "task_id", t.ID)
	}
}

func heartbeatLoop(ctx context.Context, client *http.Client, baseURL, workerID string, log interface {
	Warn(string, ...any)
}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	send := func() {
		body, _ := json.Marshal(map[string]string{"worker_id": workerID})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/heartbeat", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			log.Warn("heartbeat failed", "error", err)
			return
		}
		resp.Body.Close()
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func claim(ctx context.Context, client *http.Client, baseURL, workerID string) (*task, bool, error) {
	body, _ := json.Marshal(map[string]any{"worker_id": workerID, "timeout_seconds": 20})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/claim", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &httpStatusError{status: resp.StatusCode, err: fmt.Errorf("claim: unexpected status %d", resp.StatusCode)}
	}
	var t task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// reportWithRetry retries a transition report against transient network
// failures: a report that never lands leaves the task running until the
// reaper reclaims it, so it's worth a few quick extra attempts first.
func reportWithRetry(ctx context.Context, client *http.Client, inst otelinit.Instruments, baseURL string, id int64, status, token, errMsg string) error {
	_, err := resilience.WithRetry(ctx, inst, 3, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, report(ctx, client, baseURL, id, status, token, errMsg)
	})
	return err
}

func report(ctx context.Context, client *http.Client, baseURL string, id int64, status, token, errMsg string) error {
	body, _ := json.Marshal(map[string]string{
		"status":         status,
		"dispatch_token": token,
		"error_message":  errMsg,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, fmt.Sprintf("%s/v1/tasks/%d", baseURL, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, err: fmt.Errorf("report %s: unexpected status %d", status, resp.StatusCode)}
	}
	return nil
}
