// Copyright 2025 Archon Governance Systems
//
// VerifyRange re-derives every hash and signature over a span of the chain
// and halts at the first violation, per spec §7's "halt over degrade"
// stance on Integrity Errors. This is the routine both the owning Store
// and an independent Observer Replica (pkg/observer) run to confirm the
// chain they hold is internally consistent.

package chain

import (
	"fmt"

	"github.com/archon-systems/archon/pkg/crypto/chash"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// VerifyRange walks events[from, to] in order, checking:
//   - I1 sequence continuity: sequence numbers increase by exactly 1
//   - I2 chain linkage: event[n].prev_hash == event[n-1].content_hash
//   - I3 content integrity: content_hash matches a recomputation of the
//     hashed fields
//   - I4 signature binding: the agent signature verifies over
//     signable(content_hash, prev_hash, agent_id)
//   - I5 witness verification: the witness signature verifies over the
//     same signable bytes
//
// When from == 1 the first event's prev_hash must be the genesis zero
// hash; for from > 1 it must equal expectedPrev, the caller-supplied
// content hash of sequence from-1, letting callers verify a sub-range
// without re-walking the whole chain.
func (s *Store) VerifyRange(from, to uint64, expectedPrev [32]byte) (*VerifyFailure, error) {
	events, err := s.Range(from, to)
	if err != nil {
		return nil, err
	}
	return VerifyEvents(events, from, expectedPrev)
}

// VerifyEvents checks a contiguous, already-loaded slice of events the
// same way VerifyRange does. Exposed separately so pkg/observer can verify
// events it fetched over the wire without going through a Store.
func VerifyEvents(events []*Event, startSeq uint64, expectedPrev [32]byte) (*VerifyFailure, error) {
	prevHash := expectedPrev
	if startSeq == 1 {
		prevHash = chash.ZeroHashBytes
	}
	wantSeq := startSeq

	for _, evt := range events {
		if evt.Sequence != wantSeq {
			return &VerifyFailure{
				Sequence: evt.Sequence,
				Kind:     IntegritySequenceNonMonotonic,
				Detail:   fmt.Sprintf("expected sequence %d, got %d", wantSeq, evt.Sequence),
			}, nil
		}

		if evt.Sequence == 1 && prevHash == chash.ZeroHashBytes {
			if evt.PrevHash != chash.ZeroHashBytes {
				return &VerifyFailure{
					Sequence: evt.Sequence,
					Kind:     IntegrityGenesisMismatch,
					Detail:   "sequence 1 must have the zero hash as prev_hash",
				}, nil
			}
		} else if evt.PrevHash != prevHash {
			return &VerifyFailure{
				Sequence: evt.Sequence,
				Kind:     IntegrityChainBreak,
				Detail:   fmt.Sprintf("prev_hash %s does not match prior content_hash %s", chash.Hex(evt.PrevHash), chash.Hex(prevHash)),
			}, nil
		}

		recomputed := chash.ContentHash(contentFields(evt))
		if recomputed != evt.ContentHash {
			return &VerifyFailure{
				Sequence: evt.Sequence,
				Kind:     IntegrityHashMismatch,
				Detail:   "recomputed content_hash does not match stored content_hash",
			}, nil
		}

		signable := chash.Signable(evt.ContentHash, evt.PrevHash, evt.AgentID)

		agentOK, err := signer.Verify(evt.AgentSigScheme, evt.AgentSigVersion, evt.AgentPublicKey, signable, evt.AgentSignature)
		if err != nil || !agentOK {
			return &VerifyFailure{
				Sequence: evt.Sequence,
				Kind:     IntegritySignatureInvalid,
				Detail:   "agent signature does not verify over the signable tuple",
			}, nil
		}

		witnessOK, err := signer.Verify(evt.WitnessSigScheme, evt.WitnessSigVersion, evt.WitnessPublicKey, signable, evt.WitnessSignature)
		if err != nil || !witnessOK {
			return &VerifyFailure{
				Sequence: evt.Sequence,
				Kind:     IntegrityWitnessSigInvalid,
				Detail:   "witness signature does not verify over the signable tuple",
			}, nil
		}

		prevHash = evt.ContentHash
		wantSeq++
	}

	return nil, nil
}
