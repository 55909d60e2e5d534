// Copyright 2025 Archon Governance Systems
//
// Unit tests for TaskHandlers, following events_handlers_test.go's style:
// an in-memory chain.Store/fakeWitness fixture plus a fake TaskStore
// mirroring pkg/router/router_test.go's fakeTaskStore.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/database"
	"github.com/archon-systems/archon/pkg/router"
)

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
	s.tasks[in.TaskID] = &database.TaskRecord{
		TaskID:               in.TaskID,
		State:                "CREATED",
		ToolClass:            in.ToolClass,
		RequiredCapabilities: in.RequiredCapabilities,
		MaxAttempts:          in.MaxAttempts,
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

func (s *fakeTaskStore) AppendReroute(ctx context.Context, taskID, toolID, tarID string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrTaskNotFound
	}
	t.AttemptCount++
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
	t.State = "BLOCKED"
	return nil
}

func (s *fakeTaskStore) ListExpiredActivations(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for taskID, t := range s.tasks {
		if t.State != "ACTIVATION_SENT" {
			continue
		}
		if t.ResponseDeadline != nil && t.ResponseDeadline.Before(before) {
			ids = append(ids, taskID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func newTestTaskHandlers(t *testing.T) (*TaskHandlers, *fakeTaskStore) {
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
	registry := router.NewRegistry()
	caps := map[string]struct{}{"read": {}}
	registry.Upsert(router.Tool{ToolID: "tool-a", ToolClass: "reviewer", Status: router.ToolAvailable, Capabilities: caps})

	r := router.New(tasks, registry, store, "router-1", agent, &fakeWitness{s: witnessSigner})
	h := NewTaskHandlers(r, NewRateLimiter(1000), nil)
	return h, tasks
}

func TestHandleCreateTaskSucceeds(t *testing.T) {
	h, tasks := newTestTaskHandlers(t)
	body, _ := json.Marshal(map[string]interface{}{
		"task_id":               "task-1",
		"tool_class":            "reviewer",
		"required_capabilities": []string{"read"},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleCreateTask(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, err := tasks.GetTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("expected task to be persisted: %v", err)
	}
}

func TestHandleCreateTaskRejectsMissingFields(t *testing.T) {
	h, _ := newTestTaskHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	h.HandleCreateTask(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleGetTaskNotFound(t *testing.T) {
	h, _ := newTestTaskHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rr := httptest.NewRecorder()
	h.HandleGetTask(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleGetTaskFound(t *testing.T) {
	h, _ := newTestTaskHandlers(t)
	createBody, _ := json.Marshal(map[string]interface{}{
		"task_id":    "task-2",
		"tool_class": "reviewer",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(createBody))
	createRR := httptest.NewRecorder()
	h.HandleCreateTask(createRR, createReq)
	if createRR.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d: %s", createRR.Code, createRR.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-2", nil)
	rr := httptest.NewRecorder()
	h.HandleGetTask(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}
