// Package httpapi exposes the façade over JSON-over-HTTP, the same thin
// net/http + encoding/json transport style the teacher uses in its
// orchestrator main.go (no router dependency, explicit method switches).
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/resilience"
	"github.com/swarmguard/taskscheduler/internal/schederr"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

// Server binds the façade to HTTP handlers.
type Server struct {
	facade             *scheduler.Facade
	log                *slog.Logger
	mux                *http.ServeMux
	submitLimit        *resilience.RateLimiter
	defaultMaxAttempts int
}

// New builds a Server and registers its routes. Submissions are capped at
// 50 tokens/sec sustained with a burst capacity of 100 and a hard ceiling
// of 500 per 10-second window, guarding the ready-queue against a runaway
// submitter. defaultMaxAttempts is used only when a submit request omits
// max_retries entirely; an explicit max_retries (including 0) always wins.
func New(facade *scheduler.Facade, log *slog.Logger, inst otelinit.Instruments, defaultMaxAttempts int) *Server {
	s := &Server{
		facade:             facade,
		log:                log,
		mux:                http.NewServeMux(),
		submitLimit:        resilience.NewRateLimiter(inst, 100, 50, 10*time.Second, 500),
		defaultMaxAttempts: defaultMaxAttempts,
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/v1/claim", s.handleClaim)
	s.mux.HandleFunc("/v1/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("/v1/workers", s.handleWorkers)
	s.mux.HandleFunc("/v1/dlq", s.handleDLQ)
	s.mux.HandleFunc("/v1/dlq/", s.handleDLQRequeue)
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type         string         `json:"type"`
	Data         map[string]any `json:"data"`
	Priority     string         `json:"priority"`
	Dependencies []int64        `json:"dependencies"`
	// MaxAttempts is a pointer so an omitted field (defaulted below) can be
	// told apart from an explicit 0, which per spec means "fail terminally
	// on the very first attempt" rather than "use the default".
	MaxAttempts *int `json:"max_retries"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.submitLimit.Allow() {
			writeErr(w, http.StatusTooManyRequests, errors.New("submit rate limit exceeded"))
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		priority := store.Priority(req.Priority)
		if priority == "" {
			priority = store.PriorityMedium
		}
		maxAttempts := s.defaultMaxAttempts
		if req.MaxAttempts != nil {
			maxAttempts = *req.MaxAttempts
		}
		task, err := s.facade.Submit(r.Context(), req.Type, req.Data, priority, req.Dependencies, maxAttempts)
		if err != nil {
			s.writeSchedErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case http.MethodGet:
		tasks, err := s.facade.List(r.Context())
		if err != nil {
			s.writeSchedErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.facade.Get(r.Context(), id)
		if err != nil {
			s.writeSchedErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		s.handleTransition(w, r, id, req)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type transitionRequest struct {
	Status string `json:"status"`
	Token  string `json:"dispatch_token"`
	Error  string `json:"error_message,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id int64, req transitionRequest) {
	switch store.Status(req.Status) {
	case store.StatusCompleted:
		task, err := s.facade.Complete(r.Context(), id, req.Token)
		if err != nil {
			s.writeSchedErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case store.StatusFailed:
		task, err := s.facade.Fail(r.Context(), id, req.Token, req.Error)
		if err != nil {
			s.writeSchedErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		writeErr(w, http.StatusBadRequest, errors.New("unsupported target status"))
	}
}

type claimRequest struct {
	WorkerID   string `json:"worker_id"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// claimResponse is the only wire shape that carries the dispatch token: a
// claiming worker must hold it to complete or fail the task, so it rides
// along here instead of store.Task's json tags (which hide it from
// /v1/tasks and /v1/tasks/:id, where any caller can read task state).
type claimResponse struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	Priority      store.Priority `json:"priority"`
	RetryCount    int            `json:"retry_count"`
	DispatchToken string         `json:"dispatch_token"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	task, ok, err := s.facade.Claim(r.Context(), req.WorkerID, timeout)
	if err != nil {
		s.writeSchedErr(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ID:            task.ID,
		Type:          task.Type,
		Data:          task.Payload,
		Priority:      task.Priority,
		RetryCount:    task.AttemptCount,
		DispatchToken: task.DispatchToken,
	})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	s.facade.Heartbeat(r.Context(), req.WorkerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.ListLiveWorkers())
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.facade.ListPermanentlyFailed(r.Context())
	if err != nil {
		s.writeSchedErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/dlq/")
	idStr = strings.TrimSuffix(idStr, "/requeue")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.facade.Requeue(r.Context(), id)
	if err != nil {
		s.writeSchedErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) writeSchedErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schederr.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, schederr.ErrInvalidDependency),
		errors.Is(err, schederr.ErrInvalidPriority),
		errors.Is(err, schederr.ErrInvalidPayload):
		writeErr(w, http.StatusBadRequest, err)
	case errors.Is(err, schederr.ErrIllegalTransition),
		errors.Is(err, schederr.ErrStaleDispatchToken):
		writeErr(w, http.StatusConflict, err)
	default:
		s.log.Error("unhandled scheduler error", "error", err)
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
