// Copyright 2025 Archon Governance Systems
//
// InsertVerified admits an already-constructed Event — typically fetched
// over the wire by an Observer Replica (pkg/observer) rather than produced
// locally by Append — after independently re-deriving its hash and
// signatures. This is what lets a replica be "authoritative about what it
// has seen" without ever trusting a peer's claim at face value.

package chain

import (
	"encoding/json"
	"fmt"

	"github.com/archon-systems/archon/pkg/crypto/chash"
)

// InsertVerified re-verifies evt against the current chain head and, if
// every invariant holds, persists it exactly as Append would have. It
// rejects an event whose sequence does not extend the current head by
// exactly one, so callers must insert in order (pkg/observer.FillGaps
// does this).
func (s *Store) InsertVerified(evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantSeq := s.meta.LastSequence + 1
	if evt.Sequence != wantSeq {
		return NewIntegrityError(IntegritySequenceNonMonotonic, evt.Sequence, fmt.Sprintf("expected sequence %d", wantSeq))
	}

	expectedPrev := chash.ZeroHashBytes
	if s.meta.LastSequence > 0 {
		var err error
		expectedPrev, err = chash.FromHex(s.meta.LastContentHash)
		if err != nil {
			return fmt.Errorf("chain: corrupt meta prev hash: %w", err)
		}
	}

	failure, err := VerifyEvents([]*Event{evt}, evt.Sequence, expectedPrev)
	if err != nil {
		return err
	}
	if failure != nil {
		return &IntegrityError{Kind: failure.Kind, Sequence: failure.Sequence, Detail: failure.Detail}
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("chain: marshal inserted event: %w", err)
	}
	if err := s.kv.Set(seqKey(evt.Sequence), raw); err != nil {
		return fmt.Errorf("chain: persist inserted event: %w", err)
	}
	if err := s.kv.Set(idKey(evt.EventID), seqKeyValue(evt.Sequence)); err != nil {
		return fmt.Errorf("chain: persist inserted id index: %w", err)
	}

	s.meta = metaState{LastSequence: evt.Sequence, LastContentHash: evt.ContentHashHex}
	metaRaw, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("chain: marshal meta: %w", err)
	}
	return s.kv.Set(keyMeta, metaRaw)
}
