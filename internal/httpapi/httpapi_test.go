package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/queue"
	"github.com/swarmguard/taskscheduler/internal/registry"
	"github.com/swarmguard/taskscheduler/internal/resolver"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

func newTestServer(t *testing.T, defaultMaxAttempts int) *httptest.Server {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(64)
	res := resolver.New(st)
	reg := registry.New(time.Minute)
	t.Cleanup(reg.Close)

	facade := scheduler.New(st, q, res, reg, otelinit.NewInstruments())
	srv := New(facade, logging.Init("test"), otelinit.NewInstruments(), defaultMaxAttempts)
	return httptest.NewServer(srv)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func patchJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch %s: %v", url, err)
	}
	return resp
}

// TestClaimCompleteRoundTrip reproduces the worker's actual wire path:
// submit, claim (which must hand back a usable dispatch_token), then
// complete using that exact token. Before the claim-response DTO this
// always 409'd because the token never left the server.
func TestClaimCompleteRoundTrip(t *testing.T) {
	ts := newTestServer(t, 3)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"type":     "send_email",
		"priority": "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	claimResp := postJSON(t, ts.URL+"/v1/claim", map[string]any{"worker_id": "w1", "timeout_seconds": 1})
	defer claimResp.Body.Close()
	if claimResp.StatusCode != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d", claimResp.StatusCode)
	}
	var claimed claimResponse
	if err := json.NewDecoder(claimResp.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode claim response: %v", err)
	}
	if claimed.DispatchToken == "" {
		t.Fatalf("expected claim response to carry a non-empty dispatch_token")
	}

	completeResp := patchJSON(t, ts.URL+"/v1/tasks/"+strconv.FormatInt(claimed.ID, 10), map[string]any{
		"status":         "completed",
		"dispatch_token": claimed.DispatchToken,
	})
	defer completeResp.Body.Close()
	if completeResp.StatusCode != http.StatusOK {
		t.Fatalf("complete with real token: expected 200, got %d", completeResp.StatusCode)
	}
}

// TestCompleteRejectsStaleToken ensures a mismatched dispatch_token is
// refused as a conflict rather than silently accepted.
func TestCompleteRejectsStaleToken(t *testing.T) {
	ts := newTestServer(t, 3)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"type": "send_email", "priority": "low"})
	resp.Body.Close()

	claimResp := postJSON(t, ts.URL+"/v1/claim", map[string]any{"worker_id": "w1", "timeout_seconds": 1})
	var claimed claimResponse
	json.NewDecoder(claimResp.Body).Decode(&claimed)
	claimResp.Body.Close()

	completeResp := patchJSON(t, ts.URL+"/v1/tasks/"+strconv.FormatInt(claimed.ID, 10), map[string]any{
		"status":         "completed",
		"dispatch_token": "not-the-real-token",
	})
	defer completeResp.Body.Close()
	if completeResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on stale token, got %d", completeResp.StatusCode)
	}
}

// TestSubmitDefaultsOmittedPriorityToMedium mirrors the original Python
// server's data.get('priority', 'medium'): omitting priority must not 400.
func TestSubmitDefaultsOmittedPriorityToMedium(t *testing.T) {
	ts := newTestServer(t, 3)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"type": "send_email"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for omitted priority, got %d", resp.StatusCode)
	}
	var got store.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != store.PriorityMedium {
		t.Fatalf("expected priority defaulted to medium, got %q", got.Priority)
	}
}

// TestSubmitWithExplicitZeroMaxRetriesFailsImmediately covers spec.md §8's
// literal boundary case: max_retries=0 must terminate on the first failure,
// not silently fall back to the server's default.
func TestSubmitWithExplicitZeroMaxRetriesFailsImmediately(t *testing.T) {
	ts := newTestServer(t, 3)
	defer ts.Close()

	zero := 0
	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"type":        "send_email",
		"priority":    "high",
		"max_retries": &zero,
	})
	defer resp.Body.Close()
	var submitted store.Task
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if submitted.MaxAttempts != 0 {
		t.Fatalf("expected max_retries=0 to be honored verbatim, got %d", submitted.MaxAttempts)
	}

	claimResp := postJSON(t, ts.URL+"/v1/claim", map[string]any{"worker_id": "w1", "timeout_seconds": 1})
	var claimed claimResponse
	json.NewDecoder(claimResp.Body).Decode(&claimed)
	claimResp.Body.Close()

	failResp := patchJSON(t, ts.URL+"/v1/tasks/"+strconv.FormatInt(claimed.ID, 10), map[string]any{
		"status":         "failed",
		"dispatch_token": claimed.DispatchToken,
		"error_message":  "boom",
	})
	defer failResp.Body.Close()
	var failed store.Task
	if err := json.NewDecoder(failResp.Body).Decode(&failed); err != nil {
		t.Fatalf("decode fail response: %v", err)
	}
	if failed.Status != store.StatusFailed || !failed.IsTerminal() {
		t.Fatalf("expected immediate terminal failure with max_retries=0, got status=%s attempts=%d/%d",
			failed.Status, failed.AttemptCount, failed.MaxAttempts)
	}
}

