// Copyright 2025 Archon Governance Systems
//
// TaskRepository persists Task State (component C8) across the router's
// refusal loop: eligible-tool filtering, attempt history, exclusion
// sets, and escalation records, grounded on repository_consensus.go's
// CRUD style applied to task_states.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TaskRepository handles task_states persistence.
type TaskRepository struct {
	client *Client
}

// NewTaskRepository constructs a TaskRepository.
func NewTaskRepository(client *Client) *TaskRepository {
	return &TaskRepository{client: client}
}

// AttemptRecord is one entry of a task's attempt_history.
type AttemptRecord struct {
	ToolID string    `json:"tool_id"`
	TARID  string    `json:"tar_id"`
	At     time.Time `json:"ts"`
}

// EscalationRecord is one entry of a task's escalations.
type EscalationRecord struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// TaskRecord mirrors one row of task_states.
type TaskRecord struct {
	TaskID                string
	State                 string
	ToolClass             string
	RequiredCapabilities   []string
	ExcludedTools          []string
	AttemptHistory         []AttemptRecord
	AttemptCount           int
	MaxAttempts            int
	EscalateOnExhaustion   bool
	Escalations            []EscalationRecord
	CurrentTARID           *string
	ResponseDeadline       *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewTask is the input to CreateTask.
type NewTask struct {
	TaskID               string
	ToolClass            string
	RequiredCapabilities []string
	MaxAttempts          int
	EscalateOnExhaustion bool
}

// CreateTask inserts a task in CREATED state.
func (r *TaskRepository) CreateTask(ctx context.Context, in NewTask) error {
	caps, err := json.Marshal(in.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("database: marshal required capabilities: %w", err)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	query := `
		INSERT INTO task_states (task_id, state, tool_class, required_capabilities, max_attempts, escalate_on_exhaustion)
		VALUES ($1, 'CREATED', $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING`
	_, err = r.client.ExecContext(ctx, query, in.TaskID, in.ToolClass, caps, maxAttempts, in.EscalateOnExhaustion)
	if err != nil {
		return fmt.Errorf("database: create task %s: %w", in.TaskID, err)
	}
	return nil
}

// GetTask fetches a task by id.
func (r *TaskRepository) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	query := `
		SELECT task_id, state, tool_class, required_capabilities, excluded_tools,
			attempt_history, attempt_count, max_attempts, escalate_on_exhaustion,
			escalations, current_tar_id, response_deadline, created_at, updated_at
		FROM task_states
		WHERE task_id = $1`

	var caps, excluded, history, escalations json.RawMessage
	t := &TaskRecord{}
	err := r.client.QueryRowContext(ctx, query, taskID).Scan(
		&t.TaskID, &t.State, &t.ToolClass, &caps, &excluded,
		&history, &t.AttemptCount, &t.MaxAttempts, &t.EscalateOnExhaustion,
		&escalations, &t.CurrentTARID, &t.ResponseDeadline, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get task %s: %w", taskID, err)
	}
	if err := json.Unmarshal(caps, &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("database: unmarshal required capabilities: %w", err)
	}
	if err := json.Unmarshal(excluded, &t.ExcludedTools); err != nil {
		return nil, fmt.Errorf("database: unmarshal excluded tools: %w", err)
	}
	if err := json.Unmarshal(history, &t.AttemptHistory); err != nil {
		return nil, fmt.Errorf("database: unmarshal attempt history: %w", err)
	}
	if err := json.Unmarshal(escalations, &t.Escalations); err != nil {
		return nil, fmt.Errorf("database: unmarshal escalations: %w", err)
	}
	return t, nil
}

// SetState transitions a task to a new state.
func (r *TaskRepository) SetState(ctx context.Context, taskID, state string) error {
	res, err := r.client.ExecContext(ctx, `
		UPDATE task_states SET state = $2, updated_at = NOW() WHERE task_id = $1`,
		taskID, state)
	if err != nil {
		return fmt.Errorf("database: set task %s state %s: %w", taskID, state, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordActivation moves a task to ACTIVATION_SENT with a fresh TAR id
// and response deadline.
func (r *TaskRepository) RecordActivation(ctx context.Context, taskID, tarID string, deadline time.Time) error {
	res, err := r.client.ExecContext(ctx, `
		UPDATE task_states
		SET state = 'ACTIVATION_SENT', current_tar_id = $2, response_deadline = $3, updated_at = NOW()
		WHERE task_id = $1`, taskID, tarID, deadline)
	if err != nil {
		return fmt.Errorf("database: record activation for task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendReroute applies the refusal-loop's bookkeeping for a successful
// reroute: increments attempt_count, appends to attempt_history, adds
// toolID to excluded_tools, and records the new activation.
func (r *TaskRepository) AppendReroute(ctx context.Context, taskID, toolID, tarID string, deadline time.Time) error {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin reroute tx: %w", err)
	}
	defer tx.Rollback()

	var history, excluded json.RawMessage
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_history, excluded_tools FROM task_states WHERE task_id = $1 FOR UPDATE`, taskID).
		Scan(&history, &excluded)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("database: lock task %s for reroute: %w", taskID, err)
	}

	var historyList []AttemptRecord
	if err := json.Unmarshal(history, &historyList); err != nil {
		return fmt.Errorf("database: unmarshal attempt history: %w", err)
	}
	var excludedList []string
	if err := json.Unmarshal(excluded, &excludedList); err != nil {
		return fmt.Errorf("database: unmarshal excluded tools: %w", err)
	}

	historyList = append(historyList, AttemptRecord{ToolID: toolID, TARID: tarID, At: time.Now()})
	excludedList = append(excludedList, toolID)

	newHistory, err := json.Marshal(historyList)
	if err != nil {
		return fmt.Errorf("database: marshal attempt history: %w", err)
	}
	newExcluded, err := json.Marshal(excludedList)
	if err != nil {
		return fmt.Errorf("database: marshal excluded tools: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_states
		SET state = 'ACTIVATION_SENT',
			attempt_count = attempt_count + 1,
			attempt_history = $2,
			excluded_tools = $3,
			current_tar_id = $4,
			response_deadline = $5,
			updated_at = NOW()
		WHERE task_id = $1`, taskID, newHistory, newExcluded, tarID, deadline)
	if err != nil {
		return fmt.Errorf("database: apply reroute for task %s: %w", taskID, err)
	}

	return tx.Commit()
}

// ListExpiredActivations returns every task_id still in ACTIVATION_SENT
// whose response_deadline has passed before, for the router's sweeper to
// drive through Timeout/Reroute.
func (r *TaskRepository) ListExpiredActivations(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT task_id FROM task_states
		WHERE state = 'ACTIVATION_SENT' AND response_deadline < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("database: list expired activations: %w", err)
	}
	defer rows.Close()

	var taskIDs []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("database: scan expired activation: %w", err)
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: list expired activations: %w", err)
	}
	return taskIDs, nil
}

// BlockWithEscalation moves a task to BLOCKED and, if escalate is true,
// appends an escalation record.
func (r *TaskRepository) BlockWithEscalation(ctx context.Context, taskID, reason string, escalate bool) error {
	query := `UPDATE task_states SET state = 'BLOCKED', updated_at = NOW()`
	args := []interface{}{taskID}
	if escalate {
		esc, err := json.Marshal([]EscalationRecord{{Reason: reason, At: time.Now()}})
		if err != nil {
			return fmt.Errorf("database: marshal escalation: %w", err)
		}
		query += `, escalations = escalations || $2::jsonb`
		args = append(args, esc)
	}
	query += ` WHERE task_id = $1`

	res, err := r.client.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database: block task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
