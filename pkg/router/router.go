// Copyright 2025 Archon Governance Systems
//
// Router implements the Task Router (component C8): task activation and
// the refusal loop, grounded on pkg/proof/lifecycle.go's state-machine
// idiom and pkg/database/repository_batch.go's read-modify-write
// persistence pattern (reused directly inside TaskRepository.AppendReroute).
// Per-task updates serialize under a per-task mutex; the tool registry
// itself stays lock-free (see registry.go).

package router

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/database"
)

// TaskStore is the persistence surface Router needs, satisfied by
// database.TaskRepository; a consumer-defined interface so tests can
// substitute an in-memory fake.
type TaskStore interface {
	CreateTask(ctx context.Context, in database.NewTask) error
	GetTask(ctx context.Context, taskID string) (*database.TaskRecord, error)
	SetState(ctx context.Context, taskID, state string) error
	AppendReroute(ctx context.Context, taskID, toolID, tarID string, deadline time.Time) error
	BlockWithEscalation(ctx context.Context, taskID, reason string, escalate bool) error
	ListExpiredActivations(ctx context.Context, before time.Time) ([]string, error)
}

// ActivationTimeout is how long a TAR's response deadline extends from the
// moment of activation, absent a task-specific override.
const ActivationTimeout = 5 * time.Minute

// Router assigns tasks to eligible tools and drives the refusal loop.
type Router struct {
	tasks    TaskStore
	registry *Registry
	store    *chain.Store
	agentID  string
	agent    signer.Handle
	witness  chain.WitnessClient

	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex
}

// New constructs a Router.
func New(tasks TaskStore, registry *Registry, store *chain.Store, agentID string, agent signer.Handle, witness chain.WitnessClient) *Router {
	return &Router{
		tasks:     tasks,
		registry:  registry,
		store:     store,
		agentID:   agentID,
		agent:     agent,
		witness:   witness,
		taskLocks: make(map[string]*sync.Mutex),
	}
}

// Tasks exposes the underlying TaskStore for read-only status queries
// (pkg/server's task status endpoint), without giving callers access to
// the router's activation/rerouting logic.
func (r *Router) Tasks() TaskStore {
	return r.tasks
}

func (r *Router) lockFor(taskID string) *sync.Mutex {
	r.taskLocksMu.Lock()
	defer r.taskLocksMu.Unlock()
	m, ok := r.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		r.taskLocks[taskID] = m
	}
	return m
}

// CreateTask admits a new task in CREATED state and immediately activates
// it against the first eligible tool.
func (r *Router) CreateTask(ctx context.Context, in database.NewTask, policy ReroutePolicy) error {
	lock := r.lockFor(in.TaskID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.tasks.CreateTask(ctx, in); err != nil {
		return err
	}
	if _, err := r.emit(ctx, "task.created", map[string]canon.Value{"task_id": canon.String(in.TaskID)}); err != nil {
		return err
	}
	return r.activate(ctx, in.TaskID, in.ToolClass, in.RequiredCapabilities, nil, policy)
}

// activate selects an eligible tool and sends a fresh TAR, excluding any
// tool already in excludedTools.
func (r *Router) activate(ctx context.Context, taskID, toolClass string, requiredCapabilities, excludedTools []string, policy ReroutePolicy) error {
	candidates := r.eligibleCandidates(toolClass, requiredCapabilities, excludedTools)
	if len(candidates) == 0 {
		return r.block(ctx, taskID, ReasonNoEligibleTools, policy.EscalateOnExhaustion)
	}

	selected := selectTool(candidates, policy.Strategy)
	tar := TAR{
		TaskID:               taskID,
		ToolID:               selected.ToolID,
		TARID:                uuid.New().String(),
		ToolClass:            toolClass,
		RequiredCapabilities: requiredCapabilities,
		ResponseDeadline:     time.Now().Add(ActivationTimeout),
	}

	// Every activation — including the very first, before any decline or
	// timeout — records its tool in attempt_history/excluded_tools, so a
	// later reroute never re-selects a tool the task has already tried.
	if err := r.tasks.AppendReroute(ctx, taskID, selected.ToolID, tar.TARID, tar.ResponseDeadline); err != nil {
		return err
	}

	_, err := r.emit(ctx, "activation.sent", map[string]canon.Value{
		"task_id": canon.String(taskID),
		"tool_id": canon.String(selected.ToolID),
		"tar_id":  canon.String(tar.TARID),
	})
	return err
}

// Reroute runs the refusal loop (spec §4.7) for a task currently in
// NEEDS_REROUTE: it excludes every previously attempted tool, filters and
// deterministically orders the remaining candidates, applies the
// selection strategy, and either activates a fresh TAR or blocks the task
// with an escalation.
func (r *Router) Reroute(ctx context.Context, taskID string, policy ReroutePolicy) error {
	lock := r.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if TaskState(task.State) != StateNeedsReroute {
		return fmt.Errorf("router: task %s is not in NEEDS_REROUTE (state=%s)", taskID, task.State)
	}

	if _, err := r.emit(ctx, "reroute.started", map[string]canon.Value{"task_id": canon.String(taskID)}); err != nil {
		return err
	}

	if policy.MaxAttempts > 0 && task.AttemptCount >= policy.MaxAttempts {
		return r.block(ctx, taskID, ReasonMaxAttemptsReached, policy.EscalateOnExhaustion)
	}

	excluded := unionExcluded(task.ExcludedTools, task.AttemptHistory)
	candidates := r.eligibleCandidates(task.ToolClass, task.RequiredCapabilities, excluded)
	if len(candidates) == 0 {
		return r.block(ctx, taskID, ReasonNoEligibleTools, policy.EscalateOnExhaustion)
	}

	selected := selectTool(candidates, policy.Strategy)
	if _, err := r.emit(ctx, "tool.selected", map[string]canon.Value{
		"task_id": canon.String(taskID),
		"tool_id": canon.String(selected.ToolID),
	}); err != nil {
		return err
	}

	tar := TAR{
		TaskID:               taskID,
		ToolID:               selected.ToolID,
		TARID:                uuid.New().String(),
		ToolClass:            task.ToolClass,
		RequiredCapabilities: task.RequiredCapabilities,
		ResponseDeadline:     time.Now().Add(ActivationTimeout),
	}

	if err := r.tasks.AppendReroute(ctx, taskID, selected.ToolID, tar.TARID, tar.ResponseDeadline); err != nil {
		return err
	}

	_, err = r.emit(ctx, "activation.sent", map[string]canon.Value{
		"task_id": canon.String(taskID),
		"tool_id": canon.String(selected.ToolID),
		"tar_id":  canon.String(tar.TARID),
	})
	return err
}

// Accept transitions a task from ACTIVATION_SENT to ACCEPTED: the
// selected tool took the TAR rather than declining or timing out.
func (r *Router) Accept(ctx context.Context, taskID string) error {
	lock := r.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !isValidTransition(TaskState(task.State), StateAccepted) {
		return fmt.Errorf("router: %s -> %s is not a valid transition for task %s", task.State, StateAccepted, taskID)
	}
	if err := r.tasks.SetState(ctx, taskID, string(StateAccepted)); err != nil {
		return err
	}
	_, err = r.emit(ctx, "task.accepted", map[string]canon.Value{"task_id": canon.String(taskID)})
	return err
}

// Decline transitions a task from ACTIVATION_SENT to NEEDS_REROUTE,
// recording the tool's refusal.
func (r *Router) Decline(ctx context.Context, taskID string) error {
	return r.transitionToReroute(ctx, taskID, StateDeclined)
}

// Timeout transitions a task from ACTIVATION_SENT to NEEDS_REROUTE after
// its response deadline elapses unanswered.
func (r *Router) Timeout(ctx context.Context, taskID string) error {
	return r.transitionToReroute(ctx, taskID, StateTimeout)
}

func (r *Router) transitionToReroute(ctx context.Context, taskID string, via TaskState) error {
	lock := r.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !isValidTransition(TaskState(task.State), via) {
		return fmt.Errorf("router: %s -> %s is not a valid transition for task %s", task.State, via, taskID)
	}
	if err := r.tasks.SetState(ctx, taskID, string(via)); err != nil {
		return err
	}
	if err := r.tasks.SetState(ctx, taskID, string(StateNeedsReroute)); err != nil {
		return err
	}
	eventType := "task.declined"
	if via == StateTimeout {
		eventType = "task.timeout"
	}
	_, err = r.emit(ctx, eventType, map[string]canon.Value{"task_id": canon.String(taskID)})
	return err
}

// SweepExpired finds every task still in ACTIVATION_SENT past its
// response deadline, times it out, and immediately drives it through the
// refusal loop via Reroute. A failure on one task is logged-by-return and
// does not stop the sweep from processing the rest; the caller decides
// whether to log or ignore per-task errors.
func (r *Router) SweepExpired(ctx context.Context, policy ReroutePolicy) map[string]error {
	taskIDs, err := r.tasks.ListExpiredActivations(ctx, time.Now())
	if err != nil {
		return map[string]error{"": fmt.Errorf("router: list expired activations: %w", err)}
	}

	failures := make(map[string]error)
	for _, taskID := range taskIDs {
		if err := r.Timeout(ctx, taskID); err != nil {
			failures[taskID] = fmt.Errorf("timeout: %w", err)
			continue
		}
		if err := r.Reroute(ctx, taskID, policy); err != nil {
			failures[taskID] = fmt.Errorf("reroute: %w", err)
		}
	}
	return failures
}

// block moves a task to BLOCKED, optionally escalating, and emits a
// reroute.exhausted event naming the reason.
func (r *Router) block(ctx context.Context, taskID string, reason RerouteReason, escalate bool) error {
	if err := r.tasks.BlockWithEscalation(ctx, taskID, string(reason), escalate); err != nil {
		return err
	}
	if _, err := r.emit(ctx, "reroute.exhausted", map[string]canon.Value{
		"task_id": canon.String(taskID),
		"reason":  canon.String(string(reason)),
	}); err != nil {
		return err
	}
	if escalate {
		if _, err := r.emit(ctx, "escalation.sent", map[string]canon.Value{"task_id": canon.String(taskID)}); err != nil {
			return err
		}
	}
	return nil
}

// eligibleCandidates returns every registered tool matching toolClass,
// AVAILABLE, a capability superset of required, and not in excluded — in
// deterministic tool_id-ascending order.
func (r *Router) eligibleCandidates(toolClass string, required, excluded []string) []Tool {
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		excludedSet[id] = struct{}{}
	}
	requiredSet := make(map[string]struct{}, len(required))
	for _, c := range required {
		requiredSet[c] = struct{}{}
	}

	var candidates []Tool
	for _, t := range r.registry.Snapshot() {
		if t.ToolClass != toolClass {
			continue
		}
		if t.Status != ToolAvailable {
			continue
		}
		if _, blocked := excludedSet[t.ToolID]; blocked {
			continue
		}
		if !hasCapabilities(t, requiredSet) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ToolID < candidates[j].ToolID })
	return candidates
}

// selectTool applies the configured selection strategy to an already
// filtered, tool_id-ordered candidate list. round_robin picks the first
// candidate; priority falls back to the first candidate too, per spec.
func selectTool(candidates []Tool, strategy SelectionStrategy) Tool {
	if strategy == StrategyRandom {
		return candidates[rand.Intn(len(candidates))]
	}
	return candidates[0]
}

// unionExcluded merges a task's previously excluded tools with every tool
// named in its attempt history.
func unionExcluded(excludedTools []string, history []database.AttemptRecord) []string {
	set := make(map[string]struct{}, len(excludedTools)+len(history))
	for _, id := range excludedTools {
		set[id] = struct{}{}
	}
	for _, a := range history {
		set[a.ToolID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Router) emit(ctx context.Context, eventType string, fields map[string]canon.Value) (*chain.Event, error) {
	return r.store.Append(ctx, chain.AppendInput{
		EventType: eventType,
		Payload:   canon.Object(fields),
		AgentID:   r.agentID,
		Agent:     r.agent,
		Witness:   r.witness,
	})
}
