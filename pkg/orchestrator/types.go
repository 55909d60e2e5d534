// Copyright 2025 Archon Governance Systems

package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/archon-systems/archon/pkg/database"
)

// VoteStore is the persistence surface the orchestrator needs from
// database.VoteRepository. Consumer-defined so tests can substitute an
// in-memory fake instead of a live Postgres connection.
type VoteStore interface {
	CreateVote(ctx context.Context, voteID string) error
	AdvanceStage(ctx context.Context, voteID, stage string, deliberationResults, adjudicationOutcome json.RawMessage) error
	FinalizeVote(ctx context.Context, voteID, finalState string, reason *string) error
	Override(ctx context.Context, voteID, newFinalState string) error
	GetVote(ctx context.Context, voteID string) (*database.VoteRecord, error)
	IncrementRetry(ctx context.Context, voteID string) (int, error)
	ResetRetry(ctx context.Context, voteID string) error
	MarkStageProcessed(ctx context.Context, voteID, stage, messageID string) (bool, error)
}

// VoteCast is the payload of a votes.cast message: the raw optimistic
// capture of a decision entering the pipeline.
type VoteCast struct {
	VoteID  string                 `json:"vote_id"`
	Payload map[string]interface{} `json:"payload"`
}

// DeliberationResult is one deliberator's output for a vote. The
// deliberator's own judgement logic (ML/NLP or otherwise) is out of
// scope; the orchestrator only transports and sequences its result.
type DeliberationResult struct {
	DeliberatorID string                 `json:"deliberator_id"`
	Outcome       string                 `json:"outcome"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
}

// AdjudicationOutcome is the adjudicator's combined ruling over a vote's
// deliberation results.
type AdjudicationOutcome struct {
	Decision string                 `json:"decision"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
	// Structural indicates the adjudicator could not form a ruling at
	// all (malformed input, missing quorum of deliberators) as opposed
	// to ruling the vote down on its merits; a structural outcome is
	// grounds for dead-lettering per spec.
	Structural bool `json:"structural,omitempty"`
}

// Deliberator produces one DeliberationResult for a vote. Implementations
// carry whatever judgement logic a deployment requires; the orchestrator
// treats the result as opaque.
type Deliberator interface {
	Deliberate(ctx context.Context, vote VoteCast) (DeliberationResult, error)
}

// Adjudicator combines deliberation results into a single outcome.
type Adjudicator interface {
	Adjudicate(ctx context.Context, vote VoteCast, results []DeliberationResult) (AdjudicationOutcome, error)
}

// Config tunes retry budgets, keyed by dead-letter reason, and consumer
// identity.
type Config struct {
	ConsumerGroup      string
	RetryBudget        map[string]int
	DefaultRetryBudget int
}

// retryBudgetFor returns the configured budget for stage (deadLetter
// passes its dead-letter reason here), falling back to
// DefaultRetryBudget (itself defaulting to 3) when unset.
func (c Config) retryBudgetFor(stage string) int {
	if n, ok := c.RetryBudget[stage]; ok {
		return n
	}
	if c.DefaultRetryBudget > 0 {
		return c.DefaultRetryBudget
	}
	return 3
}
