// Copyright 2025 Archon Governance Systems
//
// TaskHandlers is the write-side counterpart to EventsHandlers: spec §1's
// "external intents enter at C7 (new votes) or C8 (new tasks)" needs an
// entry point for the latter. Style matches ledger_handlers.go (handler
// struct with injected deps) and writeJSON/writeError's error envelope.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/archon-systems/archon/pkg/database"
	"github.com/archon-systems/archon/pkg/router"
)

// TaskHandlers exposes the Task Router's task-admission and status
// surface over HTTP.
type TaskHandlers struct {
	router      *router.Router
	rateLimiter *RateLimiter
	logger      *log.Logger
}

// NewTaskHandlers constructs TaskHandlers. r is required; rateLimiter nil
// disables rate limiting.
func NewTaskHandlers(r *router.Router, rateLimiter *RateLimiter, logger *log.Logger) *TaskHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[server.tasks] ", log.LstdFlags)
	}
	return &TaskHandlers{router: r, rateLimiter: rateLimiter, logger: logger}
}

// RegisterRoutes attaches the task-admission routes to mux.
func (h *TaskHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/tasks", h.HandleCreateTask)
	mux.HandleFunc("/tasks/", h.dispatchTaskPath)
}

// dispatchTaskPath routes everything under /tasks/{task_id}[/respond]:
// GetTask for the bare path, respond handling for the /respond suffix.
func (h *TaskHandlers) dispatchTaskPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID, ok := strings.CutSuffix(rest, "/respond"); ok {
		h.handleRespond(w, r, taskID)
		return
	}
	h.HandleGetTask(w, r)
}

type createTaskRequest struct {
	TaskID               string   `json:"task_id"`
	ToolClass            string   `json:"tool_class"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MaxAttempts          int      `json:"max_attempts"`
	EscalateOnExhaustion bool     `json:"escalate_on_exhaustion"`
	SelectionStrategy    string   `json:"selection_strategy"`
}

// HandleCreateTask admits a new task and immediately activates it
// against an eligible tool.
func (h *TaskHandlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow(r.RemoteAddr) {
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}
	if req.TaskID == "" || req.ToolClass == "" {
		h.writeError(w, http.StatusBadRequest, "missing_field", "task_id and tool_class are required")
		return
	}

	strategy := router.StrategyRoundRobin
	if req.SelectionStrategy != "" {
		strategy = router.SelectionStrategy(req.SelectionStrategy)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	err := h.router.CreateTask(r.Context(), database.NewTask{
		TaskID:               req.TaskID,
		ToolClass:            req.ToolClass,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          maxAttempts,
		EscalateOnExhaustion: req.EscalateOnExhaustion,
	}, router.ReroutePolicy{
		MaxAttempts:          maxAttempts,
		EscalateOnExhaustion: req.EscalateOnExhaustion,
		Strategy:             strategy,
	})
	if err != nil {
		h.logger.Printf("create task %s failed: %v", req.TaskID, err)
		h.writeError(w, http.StatusConflict, "task_create_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"task_id": req.TaskID, "status": "created"})
}

// HandleGetTask reports a task's current state, matching the
// /tasks/{task_id} convention events_handlers.go uses for events.
func (h *TaskHandlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_task_id", "task_id is required")
		return
	}

	task, err := h.router.Tasks().GetTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

type respondRequest struct {
	Action string `json:"action"`
}

// handleRespond lets the activated tool answer a TAR: ACCEPT moves the
// task to ACCEPTED; DECLINE moves it to NEEDS_REROUTE via Router.Decline
// and then runs the refusal loop via Router.Reroute, using the task's
// stored max-attempts and escalation settings with round_robin selection.
func (h *TaskHandlers) handleRespond(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	if taskID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_task_id", "task_id is required")
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	var err error
	switch strings.ToUpper(req.Action) {
	case "ACCEPT":
		err = h.router.Accept(r.Context(), taskID)
	case "DECLINE":
		err = h.router.Decline(r.Context(), taskID)
		if err == nil {
			var task *database.TaskRecord
			if task, err = h.router.Tasks().GetTask(r.Context(), taskID); err == nil {
				err = h.router.Reroute(r.Context(), taskID, router.ReroutePolicy{
					MaxAttempts:          task.MaxAttempts,
					EscalateOnExhaustion: task.EscalateOnExhaustion,
					Strategy:             router.StrategyRoundRobin,
				})
			}
		}
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_action", "action must be ACCEPT or DECLINE")
		return
	}
	if err != nil {
		h.logger.Printf("respond to task %s failed: %v", taskID, err)
		h.writeError(w, http.StatusConflict, "respond_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "action": strings.ToUpper(req.Action)})
}

func (h *TaskHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *TaskHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
