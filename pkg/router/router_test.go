// Copyright 2025 Archon Governance Systems

package router

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/database"
)

// fakeWitness co-attests with its own Ed25519 key, mirroring the fixture
// used in pkg/orchestrator's tests.
type fakeWitness struct {
	s *signer.Ed25519Signer
}

func (w *fakeWitness) WitnessID() string { return "witness-1" }

func (w *fakeWitness) CoAttest(ctx context.Context, signable []byte) (signer.Scheme, int, []byte, []byte, error) {
	sig, err := w.s.Sign(signable)
	if err != nil {
		return "", 0, nil, nil, err
	}
	return w.s.Scheme(), w.s.Version(), w.s.PublicKey(), sig, nil
}

// fakeTaskStore is an in-memory TaskStore standing in for
// database.TaskRepository against a live Postgres connection.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*database.TaskRecord
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*database.TaskRecord)}
}

func (s *fakeTaskStore) CreateTask(ctx context.Context, in database.NewTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	s.tasks[in.TaskID] = &database.TaskRecord{
		TaskID:               in.TaskID,
		State:                string(StateCreated),
		ToolClass:            in.ToolClass,
		RequiredCapabilities: in.RequiredCapabilities,
		MaxAttempts:          maxAttempts,
		EscalateOnExhaustion: in.EscalateOnExhaustion,
	}
	return nil
}

func (s *fakeTaskStore) GetTask(ctx context.Context, taskID string) (*database.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, database.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTaskStore) SetState(ctx context.Context, taskID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrTaskNotFound
	}
	t.State = state
	return nil
}

func (s *fakeTaskStore) RecordActivation(ctx context.Context, taskID, tarID string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrTaskNotFound
	}
	t.State = string(StateActivationSent)
	id := tarID
	t.CurrentTARID = &id
	t.ResponseDeadline = &deadline
	return nil
}

func (s *fakeTaskStore) AppendReroute(ctx context.Context, taskID, toolID, tarID string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrTaskNotFound
	}
	t.State = string(StateActivationSent)
	t.AttemptCount++
	t.AttemptHistory = append(t.AttemptHistory, database.AttemptRecord{ToolID: toolID, TARID: tarID, At: deadline})
	t.ExcludedTools = append(t.ExcludedTools, toolID)
	id := tarID
	t.CurrentTARID = &id
	t.ResponseDeadline = &deadline
	return nil
}

func (s *fakeTaskStore) BlockWithEscalation(ctx context.Context, taskID, reason string, escalate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrTaskNotFound
	}
	t.State = string(StateBlocked)
	if escalate {
		t.Escalations = append(t.Escalations, database.EscalationRecord{Reason: reason})
	}
	return nil
}

func (s *fakeTaskStore) ListExpiredActivations(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for taskID, t := range s.tasks {
		if TaskState(t.State) != StateActivationSent {
			continue
		}
		if t.ResponseDeadline != nil && t.ResponseDeadline.Before(before) {
			ids = append(ids, taskID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeTaskStore, *Registry) {
	t.Helper()
	store, err := chain.NewStore(chain.NewKVAdapter(dbm.NewMemDB()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	agent, err := signer.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	witnessSigner, err := signer.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	tasks := newFakeTaskStore()
	registry := NewRegistry()
	r := New(tasks, registry, store, "router-1", agent, &fakeWitness{s: witnessSigner})
	return r, tasks, registry
}

func toolWithCaps(id, class string, caps ...string) Tool {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Tool{ToolID: id, ToolClass: class, Status: ToolAvailable, Capabilities: set}
}

func TestCreateTaskActivatesFirstEligibleToolInOrder(t *testing.T) {
	r, tasks, registry := newTestRouter(t)
	registry.Upsert(toolWithCaps("tool-b", "reviewer", "read"))
	registry.Upsert(toolWithCaps("tool-a", "reviewer", "read"))

	ctx := context.Background()
	err := r.CreateTask(ctx, database.NewTask{
		TaskID: "task-1", ToolClass: "reviewer", RequiredCapabilities: []string{"read"}, MaxAttempts: 3,
	}, ReroutePolicy{MaxAttempts: 3, Strategy: StrategyRoundRobin})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec, err := tasks.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.State != string(StateActivationSent) {
		t.Fatalf("expected ACTIVATION_SENT, got %s", rec.State)
	}
	if rec.CurrentTARID == nil || *rec.CurrentTARID == "" {
		t.Fatalf("expected a TAR id to be recorded")
	}
	if len(rec.AttemptHistory) != 1 || rec.AttemptHistory[0].ToolID != "tool-a" {
		t.Fatalf("expected tool-a (first in tool_id order) to be activated, got %+v", rec.AttemptHistory)
	}
}

func TestCreateTaskNoEligibleToolsBlocks(t *testing.T) {
	r, tasks, _ := newTestRouter(t)
	ctx := context.Background()
	err := r.CreateTask(ctx, database.NewTask{
		TaskID: "task-2", ToolClass: "reviewer", RequiredCapabilities: []string{"read"}, MaxAttempts: 3,
	}, ReroutePolicy{MaxAttempts: 3, EscalateOnExhaustion: true})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec, err := tasks.GetTask(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.State != string(StateBlocked) {
		t.Fatalf("expected BLOCKED, got %s", rec.State)
	}
	if len(rec.Escalations) != 1 {
		t.Fatalf("expected one escalation record, got %d", len(rec.Escalations))
	}
}

func TestRerouteExcludesExhaustedToolAndPicksNext(t *testing.T) {
	r, tasks, registry := newTestRouter(t)
	registry.Upsert(toolWithCaps("tool-a", "reviewer", "read"))
	registry.Upsert(toolWithCaps("tool-b", "reviewer", "read"))

	ctx := context.Background()
	if err := r.CreateTask(ctx, database.NewTask{
		TaskID: "task-3", ToolClass: "reviewer", RequiredCapabilities: []string{"read"}, MaxAttempts: 5,
	}, ReroutePolicy{MaxAttempts: 5}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := r.Decline(ctx, "task-3"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if err := r.Reroute(ctx, "task-3", ReroutePolicy{MaxAttempts: 5}); err != nil {
		t.Fatalf("Reroute: %v", err)
	}

	rec, err := tasks.GetTask(ctx, "task-3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.State != string(StateActivationSent) {
		t.Fatalf("expected ACTIVATION_SENT after reroute, got %s", rec.State)
	}
	if len(rec.AttemptHistory) != 2 {
		t.Fatalf("expected two attempt-history entries (initial + reroute), got %d", len(rec.AttemptHistory))
	}
	if rec.AttemptHistory[0].ToolID != "tool-a" {
		t.Fatalf("expected the initial activation to have selected tool-a, got %s", rec.AttemptHistory[0].ToolID)
	}
	if rec.AttemptHistory[1].ToolID != "tool-b" {
		t.Fatalf("expected the reroute to have excluded tool-a in favor of tool-b, got %s", rec.AttemptHistory[1].ToolID)
	}
}

func TestRerouteMaxAttemptsReachedBlocks(t *testing.T) {
	r, tasks, registry := newTestRouter(t)
	registry.Upsert(toolWithCaps("tool-a", "reviewer", "read"))

	ctx := context.Background()
	if err := r.CreateTask(ctx, database.NewTask{
		TaskID: "task-4", ToolClass: "reviewer", RequiredCapabilities: []string{"read"}, MaxAttempts: 1,
	}, ReroutePolicy{MaxAttempts: 1}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := r.Timeout(ctx, "task-4"); err != nil {
		t.Fatalf("Timeout: %v", err)
	}

	if err := r.Reroute(ctx, "task-4", ReroutePolicy{MaxAttempts: 1, EscalateOnExhaustion: true}); err != nil {
		t.Fatalf("Reroute: %v", err)
	}

	rec, err := tasks.GetTask(ctx, "task-4")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.State != string(StateBlocked) {
		t.Fatalf("expected BLOCKED, got %s", rec.State)
	}
}
