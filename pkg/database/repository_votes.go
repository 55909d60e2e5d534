// Copyright 2025 Archon Governance Systems
//
// VoteRepository persists Validation Vote aggregates (component C7) and
// enforces per-(vote_id, stage) idempotency, grounded on
// repository_consensus.go's upsert-and-scan style.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// VoteRepository handles validation_votes and processed_stages persistence.
type VoteRepository struct {
	client *Client
}

// NewVoteRepository constructs a VoteRepository.
func NewVoteRepository(client *Client) *VoteRepository {
	return &VoteRepository{client: client}
}

// VoteRecord mirrors one row of validation_votes.
type VoteRecord struct {
	VoteID               string
	Stage                string
	FinalState           string
	DeliberationResults  json.RawMessage
	AdjudicationOutcome  json.RawMessage
	CastAt               *time.Time
	ValidationStartedAt  *time.Time
	PendingAt            *time.Time
	DeliberatingAt       *time.Time
	AdjudicatingAt       *time.Time
	WitnessingAt         *time.Time
	ValidatedAt          *time.Time
	DeadLetteredAt       *time.Time
	DeadLetterReason     *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateVote inserts a fresh vote row at stage "cast", ignoring the
// insert if the vote already exists (the cast topic may redeliver).
func (r *VoteRepository) CreateVote(ctx context.Context, voteID string) error {
	query := `
		INSERT INTO validation_votes (vote_id, stage, final_state, cast_at)
		VALUES ($1, 'votes.cast', 'PENDING', NOW())
		ON CONFLICT (vote_id) DO NOTHING`
	_, err := r.client.ExecContext(ctx, query, voteID)
	if err != nil {
		return fmt.Errorf("database: create vote %s: %w", voteID, err)
	}
	return nil
}

// AdvanceStage moves a vote to a new stage, stamping the stage-specific
// timestamp column and optionally updating deliberation results or
// adjudication outcome.
func (r *VoteRepository) AdvanceStage(ctx context.Context, voteID, stage string, deliberationResults, adjudicationOutcome json.RawMessage) error {
	column, err := stageTimestampColumn(stage)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE validation_votes
		SET stage = $2,
			%s = NOW(),
			deliberation_results = COALESCE($3, deliberation_results),
			adjudication_outcome = COALESCE($4, adjudication_outcome),
			updated_at = NOW()
		WHERE vote_id = $1`, column)

	res, err := r.client.ExecContext(ctx, query, voteID, stage, nullableJSON(deliberationResults), nullableJSON(adjudicationOutcome))
	if err != nil {
		return fmt.Errorf("database: advance vote %s to %s: %w", voteID, stage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeVote sets a vote's terminal final_state (VALIDATED,
// DEAD_LETTERED, or OVERRIDDEN via a later override call).
func (r *VoteRepository) FinalizeVote(ctx context.Context, voteID, finalState string, reason *string) error {
	var column string
	switch finalState {
	case "VALIDATED":
		column = "validated_at"
	case "DEAD_LETTERED":
		column = "dead_lettered_at"
	default:
		column = "updated_at"
	}

	query := fmt.Sprintf(`
		UPDATE validation_votes
		SET final_state = $2, %s = NOW(), dead_letter_reason = COALESCE($3, dead_letter_reason), updated_at = NOW()
		WHERE vote_id = $1`, column)

	res, err := r.client.ExecContext(ctx, query, voteID, finalState, reason)
	if err != nil {
		return fmt.Errorf("database: finalize vote %s as %s: %w", voteID, finalState, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Override flips a vote's final_state between VALIDATED and OVERRIDDEN.
// This never touches stage history: the override is an append to the
// event chain, and here it only ever updates the latest-state row.
func (r *VoteRepository) Override(ctx context.Context, voteID, newFinalState string) error {
	query := `
		UPDATE validation_votes
		SET final_state = $2, updated_at = NOW()
		WHERE vote_id = $1`
	res, err := r.client.ExecContext(ctx, query, voteID, newFinalState)
	if err != nil {
		return fmt.Errorf("database: override vote %s: %w", voteID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetVote fetches a vote by id.
func (r *VoteRepository) GetVote(ctx context.Context, voteID string) (*VoteRecord, error) {
	query := `
		SELECT vote_id, stage, final_state, deliberation_results, adjudication_outcome,
			cast_at, validation_started_at, pending_at, deliberating_at, adjudicating_at,
			witnessing_at, validated_at, dead_lettered_at, dead_letter_reason, created_at, updated_at
		FROM validation_votes
		WHERE vote_id = $1`

	v := &VoteRecord{}
	err := r.client.QueryRowContext(ctx, query, voteID).Scan(
		&v.VoteID, &v.Stage, &v.FinalState, &v.DeliberationResults, &v.AdjudicationOutcome,
		&v.CastAt, &v.ValidationStartedAt, &v.PendingAt, &v.DeliberatingAt, &v.AdjudicatingAt,
		&v.WitnessingAt, &v.ValidatedAt, &v.DeadLetteredAt, &v.DeadLetterReason, &v.CreatedAt, &v.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get vote %s: %w", voteID, err)
	}
	return v, nil
}

// IncrementRetry increments a vote's retry counter and returns the new
// count, letting the orchestrator compare it against a per-stage budget
// (spec's Open Question (b): retry budget is a configuration parameter,
// not something the pipeline encodes uniformly per stage).
func (r *VoteRepository) IncrementRetry(ctx context.Context, voteID string) (int, error) {
	var count int
	err := r.client.QueryRowContext(ctx, `
		UPDATE validation_votes
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE vote_id = $1
		RETURNING retry_count`, voteID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("database: increment retry for vote %s: %w", voteID, err)
	}
	return count, nil
}

// ResetRetry zeroes a vote's retry counter, called on a successful stage
// transition so a past retry at an earlier stage never counts against a
// later one.
func (r *VoteRepository) ResetRetry(ctx context.Context, voteID string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE validation_votes SET retry_count = 0, updated_at = NOW() WHERE vote_id = $1`, voteID)
	if err != nil {
		return fmt.Errorf("database: reset retry for vote %s: %w", voteID, err)
	}
	return nil
}

// MarkStageProcessed records that (voteID, stage) has been handled for
// messageID, returning false without error if it was already recorded —
// the caller's signal to elide a duplicate delivery.
func (r *VoteRepository) MarkStageProcessed(ctx context.Context, voteID, stage, messageID string) (bool, error) {
	query := `
		INSERT INTO processed_stages (vote_id, stage, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (vote_id, stage) DO NOTHING`
	res, err := r.client.ExecContext(ctx, query, voteID, stage, messageID)
	if err != nil {
		return false, fmt.Errorf("database: mark stage processed %s/%s: %w", voteID, stage, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func stageTimestampColumn(stage string) (string, error) {
	switch stage {
	case "votes.cast":
		return "cast_at", nil
	case "votes.validation-started":
		return "validation_started_at", nil
	case "votes.pending-validation":
		return "pending_at", nil
	case "votes.deliberation-results", "votes.validation-results":
		return "deliberating_at", nil
	case "votes.adjudication-results":
		return "adjudicating_at", nil
	case "votes.witness-requests", "votes.witness.events":
		return "witnessing_at", nil
	default:
		return "", fmt.Errorf("database: unknown pipeline stage %q", stage)
	}
}

func nullableJSON(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}
