// Copyright 2025 Archon Governance Systems
//
// Orchestrator drives a validation vote through the pipeline's stages by
// consuming the topic of the current stage and producing into the next,
// per spec.md §4.6. Every transition is idempotent on (vote_id, stage)
// via database.VoteRepository.MarkStageProcessed. The cast,
// validation-start, validated, override and dead-letter transitions
// append a signed, witnessed event into the Event Store (C3); the
// validation-started, pending-validation and validation-results handlers
// append none. A vote reaches VALIDATED only after its vote.validated
// event has been co-attested by the witness.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/archon-systems/archon/pkg/bus"
	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// Orchestrator wires the Pipeline Bus, Event Store, and Postgres vote
// state together into the stage machine described in state.go.
type Orchestrator struct {
	bus          *bus.Bus
	store        *chain.Store
	votes        VoteStore
	deliberators []Deliberator
	adjudicator  Adjudicator
	agentID      string
	agent        signer.Handle
	witness      chain.WitnessClient
	cfg          Config
	stall        *StallMonitor
	logger       *log.Logger
}

// New constructs an Orchestrator. agent/witness sign and co-attest every
// event this component appends to the chain, exactly as any other writer
// of the Event Store would.
func New(b *bus.Bus, store *chain.Store, votes VoteStore, deliberators []Deliberator, adjudicator Adjudicator, agentID string, agent signer.Handle, witness chain.WitnessClient, cfg Config) *Orchestrator {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "orchestrator"
	}
	return &Orchestrator{
		bus:          b,
		store:        store,
		votes:        votes,
		deliberators: deliberators,
		adjudicator:  adjudicator,
		agentID:      agentID,
		agent:        agent,
		witness:      witness,
		cfg:          cfg,
		stall:        NewStallMonitor(2*time.Minute, nil),
		logger:       log.New(log.Writer(), "[orchestrator] ", log.LstdFlags),
	}
}

// pipelineTopics lists every stage topic this orchestrator consumes, in
// pipeline order. votes.dead-letter and votes.validated are produce-only
// sinks and are not consumed here.
var pipelineTopics = []string{
	"votes.cast",
	"votes.validation-started",
	"votes.pending-validation",
	"votes.validation-results",
	"votes.witness-requests",
	"votes.overrides",
}

// Start launches one consumer goroutine per (topic, partition) for every
// topic in pipelineTopics and blocks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, topic := range pipelineTopics {
		if err := o.bus.EnsureGroup(ctx, topic, o.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("orchestrator: ensure group for %s: %w", topic, err)
		}
		n, err := o.bus.PartitionCount(topic)
		if err != nil {
			return fmt.Errorf("orchestrator: partition count for %s: %w", topic, err)
		}
		for p := 0; p < n; p++ {
			go o.consumeLoop(ctx, topic, p)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (o *Orchestrator) consumeLoop(ctx context.Context, topic string, partition int) {
	consumer := fmt.Sprintf("%s-%d", o.cfg.ConsumerGroup, partition)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := o.bus.Consume(ctx, topic, partition, o.cfg.ConsumerGroup, consumer, 10)
		if err != nil {
			o.logger.Printf("consume %s/%d: %v", topic, partition, err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			start := time.Now()
			if err := o.handle(ctx, topic, msg); err != nil {
				o.logger.Printf("handle %s vote=%s: %v", topic, msg.Key, err)
				continue
			}
			stageLatencySeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
			if err := o.bus.Ack(ctx, topic, partition, o.cfg.ConsumerGroup, msg.ID); err != nil {
				o.logger.Printf("ack %s/%d id=%s: %v", topic, partition, msg.ID, err)
			}
		}
		o.stall.Touch(topic, partition, time.Now())
	}
}

func (o *Orchestrator) handle(ctx context.Context, topic string, msg bus.Message) error {
	voteID := msg.Key
	fresh, err := o.votes.MarkStageProcessed(ctx, voteID, topic, msg.ID)
	if err != nil {
		return err
	}
	if !fresh {
		stageMessagesDuplicate.WithLabelValues(topic).Inc()
		return nil
	}
	stageMessagesProcessed.WithLabelValues(topic).Inc()

	switch topic {
	case "votes.cast":
		return o.handleCast(ctx, voteID, msg.Value)
	case "votes.validation-started":
		return o.handleValidationStarted(ctx, voteID)
	case "votes.pending-validation":
		return o.handlePending(ctx, voteID, msg.Value)
	case "votes.validation-results":
		return o.handleValidationResults(ctx, voteID, msg.Value)
	case "votes.witness-requests":
		return o.handleWitnessRequest(ctx, voteID)
	case "votes.overrides":
		return o.handleOverride(ctx, voteID, msg.Value)
	default:
		return fmt.Errorf("orchestrator: no handler for topic %s", topic)
	}
}

func (o *Orchestrator) handleCast(ctx context.Context, voteID string, raw []byte) error {
	var cast VoteCast
	if err := json.Unmarshal(raw, &cast); err != nil {
		return fmt.Errorf("unmarshal vote cast: %w", err)
	}
	if err := o.votes.CreateVote(ctx, voteID); err != nil {
		return err
	}
	if _, err := o.emit(ctx, "vote.cast", map[string]canon.Value{
		"vote_id": canon.String(voteID),
	}); err != nil {
		return err
	}
	if err := o.votes.AdvanceStage(ctx, voteID, "votes.validation-started", nil, nil); err != nil {
		return err
	}
	if _, err := o.emit(ctx, "vote.validation_started", map[string]canon.Value{"vote_id": canon.String(voteID)}); err != nil {
		return err
	}
	_, err := o.bus.Produce(ctx, "votes.validation-started", voteID, raw)
	return err
}

func (o *Orchestrator) handleValidationStarted(ctx context.Context, voteID string) error {
	if err := o.votes.AdvanceStage(ctx, voteID, "votes.pending-validation", nil, nil); err != nil {
		return err
	}
	_, err := o.bus.Produce(ctx, "votes.pending-validation", voteID, []byte(voteID))
	return err
}

func (o *Orchestrator) handlePending(ctx context.Context, voteID string, raw []byte) error {
	var cast VoteCast
	_ = json.Unmarshal(raw, &cast)
	cast.VoteID = voteID

	if err := o.votes.AdvanceStage(ctx, voteID, "votes.deliberation-results", nil, nil); err != nil {
		return err
	}

	var results []DeliberationResult
	for _, d := range o.deliberators {
		res, err := d.Deliberate(ctx, cast)
		if err != nil {
			return o.deadLetter(ctx, voteID, "deliberator_error")
		}
		results = append(results, res)
		resJSON, _ := json.Marshal(res)
		if _, err := o.bus.Produce(ctx, "votes.deliberation-results", voteID, resJSON); err != nil {
			return err
		}
	}

	bundle, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal deliberation results: %w", err)
	}
	if err := o.votes.AdvanceStage(ctx, voteID, "votes.validation-results", json.RawMessage(bundle), nil); err != nil {
		return err
	}
	_, err = o.bus.Produce(ctx, "votes.validation-results", voteID, bundle)
	return err
}

func (o *Orchestrator) handleValidationResults(ctx context.Context, voteID string, raw []byte) error {
	var results []DeliberationResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Errorf("unmarshal validation results: %w", err)
	}

	outcome, err := o.adjudicator.Adjudicate(ctx, VoteCast{VoteID: voteID}, results)
	if err != nil {
		return o.deadLetter(ctx, voteID, "adjudicator_error")
	}
	if outcome.Structural {
		return o.deadLetter(ctx, voteID, "structural_adjudication_error")
	}

	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal adjudication outcome: %w", err)
	}
	if _, err := o.bus.Produce(ctx, "votes.adjudication-results", voteID, outcomeJSON); err != nil {
		return err
	}
	if err := o.votes.AdvanceStage(ctx, voteID, "votes.witness-requests", nil, json.RawMessage(outcomeJSON)); err != nil {
		return err
	}
	_, err = o.bus.Produce(ctx, "votes.witness-requests", voteID, outcomeJSON)
	return err
}

func (o *Orchestrator) handleWitnessRequest(ctx context.Context, voteID string) error {
	if err := o.votes.ResetRetry(ctx, voteID); err != nil {
		return err
	}

	event, err := o.emit(ctx, "vote.validated", map[string]canon.Value{"vote_id": canon.String(voteID)})
	if err != nil {
		if errors.Is(err, chain.ErrWitnessRefused) {
			return o.deadLetter(ctx, voteID, "witness_refused")
		}
		return err
	}

	witnessJSON, err := json.Marshal(map[string]string{"vote_id": voteID, "event_id": event.EventID})
	if err != nil {
		return fmt.Errorf("marshal witness event: %w", err)
	}
	if _, err := o.bus.Produce(ctx, "votes.witness.events", voteID, witnessJSON); err != nil {
		return err
	}

	if err := o.votes.FinalizeVote(ctx, voteID, "VALIDATED", nil); err != nil {
		return err
	}
	votesValidated.Inc()
	_, err = o.bus.Produce(ctx, "votes.validated", voteID, []byte("VALIDATED"))
	return err
}

func (o *Orchestrator) handleOverride(ctx context.Context, voteID string, raw []byte) error {
	var override struct {
		NewState string `json:"new_state"`
	}
	if err := json.Unmarshal(raw, &override); err != nil {
		return fmt.Errorf("unmarshal override: %w", err)
	}

	current, err := o.votes.GetVote(ctx, voteID)
	if err != nil {
		return err
	}
	if !isValidTransition(VoteState(current.FinalState), VoteState(override.NewState)) {
		return fmt.Errorf("orchestrator: override %s -> %s is not a valid transition for vote %s", current.FinalState, override.NewState, voteID)
	}

	if err := o.votes.Override(ctx, voteID, override.NewState); err != nil {
		return err
	}
	if _, err := o.emit(ctx, "vote.override", map[string]canon.Value{
		"vote_id":   canon.String(voteID),
		"new_state": canon.String(override.NewState),
	}); err != nil {
		return err
	}
	votesOverridden.Inc()
	_, err = o.bus.Produce(ctx, "votes.validated", voteID, []byte(override.NewState))
	return err
}

// deadLetter retries the current attempt up to the budget configured for
// reason before moving a vote to DEAD_LETTERED for good.
func (o *Orchestrator) deadLetter(ctx context.Context, voteID, reason string) error {
	count, err := o.votes.IncrementRetry(ctx, voteID)
	if err != nil {
		return err
	}
	if count < o.cfg.retryBudgetFor(reason) {
		return fmt.Errorf("orchestrator: transient failure for vote %s (%s), retry %d pending", voteID, reason, count)
	}

	if err := o.votes.FinalizeVote(ctx, voteID, "DEAD_LETTERED", &reason); err != nil {
		return err
	}
	if _, err := o.emit(ctx, "vote.dead_lettered", map[string]canon.Value{
		"vote_id": canon.String(voteID),
		"reason":  canon.String(reason),
	}); err != nil {
		return err
	}
	votesDeadLettered.WithLabelValues(reason).Inc()
	_, err = o.bus.Produce(ctx, "votes.dead-letter", voteID, []byte(reason))
	return err
}

// emit appends a signed, witnessed event of eventType into the Event
// Store, carrying fields as its payload.
func (o *Orchestrator) emit(ctx context.Context, eventType string, fields map[string]canon.Value) (*chain.Event, error) {
	return o.store.Append(ctx, chain.AppendInput{
		EventType: eventType,
		Payload:   canon.Object(fields),
		AgentID:   o.agentID,
		Agent:     o.agent,
		Witness:   o.witness,
	})
}
