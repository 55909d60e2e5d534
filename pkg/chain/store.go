// Copyright 2025 Archon Governance Systems
//
// Store is the append-only governance event chain (component C3). Key
// layout and the "load meta, mutate, persist" write pattern are adapted
// from pkg/ledger/store.go's LedgerStore; the single-writer concurrency
// discipline documented there ("assumes single-writer access... wrap it
// with your own synchronization") is made explicit here via an internal
// mutex rather than left to caller discipline, since the event chain's
// sequence-continuity invariant (I1) cannot tolerate a racing writer.

package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/crypto/chash"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

var (
	keyMeta      = []byte("evt:meta")
	keySeqPrefix = []byte("evt:seq:")
	keyIDPrefix  = []byte("evt:id:")
)

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(append([]byte{}, keySeqPrefix...), b...)
}

func idKey(eventID string) []byte {
	return append(append([]byte{}, keyIDPrefix...), []byte(eventID)...)
}

// metaState tracks the writer cursor: the sequence and content hash of the
// most recently appended event, so Append never needs to re-read the full
// chain to compute the next prev_hash.
type metaState struct {
	LastSequence    uint64 `json:"last_sequence"`
	LastContentHash string `json:"last_content_hash"`
}

// Store is the single-writer, append-only event chain.
type Store struct {
	kv KV

	mu   sync.Mutex
	meta metaState
	init bool
}

// NewStore opens a Store over kv, loading the writer cursor if one exists.
func NewStore(kv KV) (*Store, error) {
	s := &Store{kv: kv}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadMeta() error {
	raw, err := s.kv.Get(keyMeta)
	if err != nil {
		return fmt.Errorf("chain: load meta: %w", err)
	}
	if len(raw) == 0 {
		s.meta = metaState{LastSequence: 0, LastContentHash: chash.ZeroHash}
		s.init = true
		return nil
	}
	if err := json.Unmarshal(raw, &s.meta); err != nil {
		return fmt.Errorf("chain: unmarshal meta: %w", err)
	}
	s.init = true
	return nil
}

// AppendInput carries the caller-supplied content of a new event. Sequence,
// timestamps and hashes are computed by Append; callers never choose them
// directly (I1, I3).
type AppendInput struct {
	EventType string
	Payload   canon.Value
	AgentID   string
	Agent     signer.Handle
	Witness   WitnessClient
}

// Append adds one event to the chain, binding it to the previous event via
// PrevHash and to the agent via a signature over {agent_id, content_hash,
// prev_hash} (spec §4.2, requirement MA-2). The witness co-attests the
// same signable bytes before the event is considered durable.
//
// Only one Append may run at a time; the internal mutex enforces this
// regardless of how many goroutines call it.
func (s *Store) Append(ctx context.Context, in AppendInput) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := chash.ZeroHashBytes
	if s.meta.LastSequence > 0 {
		var err error
		prevHash, err = chash.FromHex(s.meta.LastContentHash)
		if err != nil {
			return nil, fmt.Errorf("chain: corrupt meta prev hash: %w", err)
		}
	}

	seq := s.meta.LastSequence + 1
	evt := &Event{
		EventID:   uuid.New().String(),
		Sequence:  seq,
		EventType: in.EventType,
		Payload:   in.Payload,
		AgentID:   in.AgentID,
		Timestamp: time.Now().UTC(),
		PrevHash:  prevHash,
	}

	contentHash := chash.ContentHash(contentFields(evt))
	evt.ContentHash = contentHash
	evt.ContentHashHex = chash.Hex(contentHash)
	evt.PrevHashHex = chash.Hex(prevHash)

	signable := chash.Signable(contentHash, prevHash, in.AgentID)

	agentSig, err := in.Agent.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("chain: agent sign: %w", err)
	}
	evt.AgentSigScheme = in.Agent.Scheme()
	evt.AgentSigVersion = in.Agent.Version()
	evt.AgentPublicKey = in.Agent.PublicKey()
	evt.AgentSignature = agentSig

	witnessScheme, witnessVersion, witnessPub, witnessSig, err := in.Witness.CoAttest(ctx, signable)
	if err != nil {
		return nil, err
	}
	evt.WitnessID = in.Witness.WitnessID()
	evt.WitnessSigScheme = witnessScheme
	evt.WitnessSigVersion = witnessVersion
	evt.WitnessPublicKey = witnessPub
	evt.WitnessSignature = witnessSig

	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal event: %w", err)
	}
	if err := s.kv.Set(seqKey(seq), raw); err != nil {
		return nil, fmt.Errorf("chain: persist event: %w", err)
	}
	if err := s.kv.Set(idKey(evt.EventID), seqKeyValue(seq)); err != nil {
		return nil, fmt.Errorf("chain: persist id index: %w", err)
	}

	s.meta = metaState{LastSequence: seq, LastContentHash: evt.ContentHashHex}
	metaRaw, err := json.Marshal(s.meta)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal meta: %w", err)
	}
	if err := s.kv.Set(keyMeta, metaRaw); err != nil {
		return nil, fmt.Errorf("chain: persist meta: %w", err)
	}

	return evt, nil
}

func seqKeyValue(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// contentFields returns the exact field set hashed for ContentHash. Every
// field that participates in the hash must be reproduced identically by
// VerifyRange; omitting PrevHash here would break MA-2's binding of a
// signature to chain position.
func contentFields(e *Event) canon.Value {
	return canon.Object(map[string]canon.Value{
		"event_id":   canon.String(e.EventID),
		"sequence":   canon.Int(int64(e.Sequence)),
		"event_type": canon.String(e.EventType),
		"payload":    e.Payload,
		"agent_id":   canon.String(e.AgentID),
		"timestamp":  canon.String(e.Timestamp.Format(time.RFC3339Nano)),
		"prev_hash":  canon.String(chash.Hex(e.PrevHash)),
	})
}

// ReadBySequence returns the event at seq, or ErrNotFound.
func (s *Store) ReadBySequence(seq uint64) (*Event, error) {
	raw, err := s.kv.Get(seqKey(seq))
	if err != nil {
		return nil, fmt.Errorf("chain: read sequence %d: %w", seq, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return decodeEvent(raw)
}

// ReadByID returns the event with the given event_id, or ErrNotFound.
func (s *Store) ReadByID(eventID string) (*Event, error) {
	seqRaw, err := s.kv.Get(idKey(eventID))
	if err != nil {
		return nil, fmt.Errorf("chain: read id %s: %w", eventID, err)
	}
	if len(seqRaw) != 8 {
		return nil, ErrNotFound
	}
	return s.ReadBySequence(binary.BigEndian.Uint64(seqRaw))
}

// Head returns the current writer cursor (sequence, content hash hex).
func (s *Store) Head() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.LastSequence, s.meta.LastContentHash
}

// Range returns events [from, to] inclusive, in ascending sequence order.
func (s *Store) Range(from, to uint64) ([]*Event, error) {
	if to < from {
		return nil, fmt.Errorf("chain: invalid range [%d,%d]", from, to)
	}
	out := make([]*Event, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		evt, err := s.ReadBySequence(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func decodeEvent(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("chain: unmarshal event: %w", err)
	}
	var err error
	evt.PrevHash, err = chash.FromHex(evt.PrevHashHex)
	if err != nil {
		return nil, fmt.Errorf("chain: decode prev_hash: %w", err)
	}
	evt.ContentHash, err = chash.FromHex(evt.ContentHashHex)
	if err != nil {
		return nil, fmt.Errorf("chain: decode content_hash: %w", err)
	}
	return &evt, nil
}
