// Copyright 2025 Archon Governance Systems

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dbm "github.com/cometbft/cometbft-db"
	"github.com/redis/go-redis/v9"

	"github.com/archon-systems/archon/pkg/bus"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/database"
)

// fakeWitness co-attests with its own Ed25519 key, standing in for a
// networked witness service in tests.
type fakeWitness struct {
	id      string
	s       *signer.Ed25519Signer
	refuses bool
}

func (w *fakeWitness) WitnessID() string { return w.id }

func (w *fakeWitness) CoAttest(ctx context.Context, signable []byte) (signer.Scheme, int, []byte, []byte, error) {
	if w.refuses {
		return "", 0, nil, nil, chain.ErrWitnessRefused
	}
	sig, err := w.s.Sign(signable)
	if err != nil {
		return "", 0, nil, nil, err
	}
	return w.s.Scheme(), w.s.Version(), w.s.PublicKey(), sig, nil
}

// fakeVoteStore is an in-memory VoteStore, standing in for
// database.VoteRepository against a live Postgres connection.
type fakeVoteStore struct {
	mu        sync.Mutex
	records   map[string]*database.VoteRecord
	processed map[string]bool
	retries   map[string]int
}

func newFakeVoteStore() *fakeVoteStore {
	return &fakeVoteStore{
		records:   make(map[string]*database.VoteRecord),
		processed: make(map[string]bool),
		retries:   make(map[string]int),
	}
}

func (s *fakeVoteStore) CreateVote(ctx context.Context, voteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[voteID] = &database.VoteRecord{VoteID: voteID, FinalState: "PENDING"}
	return nil
}

func (s *fakeVoteStore) AdvanceStage(ctx context.Context, voteID, stage string, deliberationResults, adjudicationOutcome json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[voteID]
	if !ok {
		return database.ErrVoteNotFound
	}
	rec.Stage = stage
	return nil
}

func (s *fakeVoteStore) FinalizeVote(ctx context.Context, voteID, finalState string, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[voteID]
	if !ok {
		return database.ErrVoteNotFound
	}
	rec.FinalState = finalState
	return nil
}

func (s *fakeVoteStore) Override(ctx context.Context, voteID, newFinalState string) error {
	return s.FinalizeVote(ctx, voteID, newFinalState, nil)
}

func (s *fakeVoteStore) GetVote(ctx context.Context, voteID string) (*database.VoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[voteID]
	if !ok {
		return nil, database.ErrVoteNotFound
	}
	return rec, nil
}

func (s *fakeVoteStore) IncrementRetry(ctx context.Context, voteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[voteID]++
	return s.retries[voteID], nil
}

func (s *fakeVoteStore) ResetRetry(ctx context.Context, voteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[voteID] = 0
	return nil
}

func (s *fakeVoteStore) MarkStageProcessed(ctx context.Context, voteID, stage, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voteID + "#" + stage + "#" + messageID
	if s.processed[key] {
		return false, nil
	}
	s.processed[key] = true
	return true, nil
}

// fakeDeliberator always returns the same outcome, recording every vote it
// was asked to judge.
type fakeDeliberator struct {
	id      string
	outcome string
}

func (d *fakeDeliberator) Deliberate(ctx context.Context, vote VoteCast) (DeliberationResult, error) {
	return DeliberationResult{DeliberatorID: d.id, Outcome: d.outcome}, nil
}

// fakeAdjudicator rules APPROVE whenever every deliberation result agrees,
// and flags a structural failure when given zero results.
type fakeAdjudicator struct{}

func (fakeAdjudicator) Adjudicate(ctx context.Context, vote VoteCast, results []DeliberationResult) (AdjudicationOutcome, error) {
	if len(results) == 0 {
		return AdjudicationOutcome{Structural: true}, nil
	}
	for _, r := range results {
		if r.Outcome != "APPROVE" {
			return AdjudicationOutcome{Decision: "REJECT"}, nil
		}
	}
	return AdjudicationOutcome{Decision: "APPROVE"}, nil
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return bus.New(rdb, bus.DefaultTopicSet())
}

func newTestChainStore(t *testing.T) (*chain.Store, signer.Handle, *fakeWitness) {
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
	return store, agent, &fakeWitness{id: "witness-1", s: witnessSigner}
}

func drainOnce(t *testing.T, o *Orchestrator, topic string, partition int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.bus.EnsureGroup(ctx, topic, o.cfg.ConsumerGroup); err != nil {
		t.Fatalf("EnsureGroup %s: %v", topic, err)
	}
	msgs, err := o.bus.Consume(ctx, topic, partition, o.cfg.ConsumerGroup, "test-consumer", 10)
	if err != nil {
		t.Fatalf("Consume %s: %v", topic, err)
	}
	for _, msg := range msgs {
		if err := o.handle(ctx, topic, msg); err != nil {
			t.Fatalf("handle %s: %v", topic, err)
		}
		if err := o.bus.Ack(ctx, topic, partition, o.cfg.ConsumerGroup, msg.ID); err != nil {
			t.Fatalf("ack %s: %v", topic, err)
		}
	}
}

func TestOrchestratorHappyPathReachesValidated(t *testing.T) {
	b := newTestBus(t)
	store, agent, witness := newTestChainStore(t)
	votes := newFakeVoteStore()

	o := New(b, store, votes,
		[]Deliberator{&fakeDeliberator{id: "d1", outcome: "APPROVE"}, &fakeDeliberator{id: "d2", outcome: "APPROVE"}},
		fakeAdjudicator{}, "agent-1", agent, witness, Config{ConsumerGroup: "test"})

	ctx := context.Background()
	cast := VoteCast{VoteID: "vote-1", Payload: map[string]interface{}{"motion": "approve budget"}}
	raw, _ := json.Marshal(cast)
	if _, err := b.Produce(ctx, "votes.cast", cast.VoteID, raw); err != nil {
		t.Fatalf("Produce cast: %v", err)
	}

	for _, topic := range []string{
		"votes.cast",
		"votes.validation-started",
		"votes.pending-validation",
		"votes.validation-results",
		"votes.witness-requests",
	} {
		drainAllPartitions(t, o, topic)
	}

	rec, err := votes.GetVote(ctx, "vote-1")
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if rec.FinalState != "VALIDATED" {
		t.Fatalf("expected VALIDATED, got %s", rec.FinalState)
	}

	latest, err := b.Latest(ctx, "votes.validated", "vote-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if string(latest) != "VALIDATED" {
		t.Fatalf("expected compacted VALIDATED, got %s", latest)
	}
}

func TestOrchestratorWitnessRefusalDeadLetters(t *testing.T) {
	b := newTestBus(t)
	store, agent, witness := newTestChainStore(t)
	witness.refuses = true
	votes := newFakeVoteStore()

	o := New(b, store, votes,
		[]Deliberator{&fakeDeliberator{id: "d1", outcome: "APPROVE"}},
		fakeAdjudicator{}, "agent-1", agent, witness, Config{ConsumerGroup: "test", DefaultRetryBudget: 1})

	ctx := context.Background()
	cast := VoteCast{VoteID: "vote-2"}
	raw, _ := json.Marshal(cast)
	if _, err := b.Produce(ctx, "votes.cast", cast.VoteID, raw); err != nil {
		t.Fatalf("Produce cast: %v", err)
	}

	for _, topic := range []string{
		"votes.cast",
		"votes.validation-started",
		"votes.pending-validation",
		"votes.validation-results",
		"votes.witness-requests",
	} {
		drainAllPartitions(t, o, topic)
	}

	rec, err := votes.GetVote(ctx, "vote-2")
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if rec.FinalState != "DEAD_LETTERED" {
		t.Fatalf("expected DEAD_LETTERED, got %s", rec.FinalState)
	}
}

func TestOrchestratorOverrideReinstatesDeadLetteredVote(t *testing.T) {
	b := newTestBus(t)
	store, agent, witness := newTestChainStore(t)
	votes := newFakeVoteStore()
	if err := votes.CreateVote(context.Background(), "vote-3"); err != nil {
		t.Fatalf("CreateVote: %v", err)
	}
	if err := votes.FinalizeVote(context.Background(), "vote-3", "DEAD_LETTERED", nil); err != nil {
		t.Fatalf("FinalizeVote: %v", err)
	}

	o := New(b, store, votes, nil, fakeAdjudicator{}, "agent-1", agent, witness, Config{ConsumerGroup: "test"})

	ctx := context.Background()
	override, _ := json.Marshal(map[string]string{"new_state": "VALIDATED"})
	if _, err := b.Produce(ctx, "votes.overrides", "vote-3", override); err != nil {
		t.Fatalf("Produce override: %v", err)
	}
	drainAllPartitions(t, o, "votes.overrides")

	rec, err := votes.GetVote(ctx, "vote-3")
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if rec.FinalState != "VALIDATED" {
		t.Fatalf("expected VALIDATED after override, got %s", rec.FinalState)
	}
}

func drainAllPartitions(t *testing.T, o *Orchestrator, topic string) {
	t.Helper()
	n, err := o.bus.PartitionCount(topic)
	if err != nil {
		t.Fatalf("PartitionCount %s: %v", topic, err)
	}
	for p := 0; p < n; p++ {
		drainOnce(t, o, topic, p)
	}
}
