// Copyright 2025 Archon Governance Systems

package chain

import (
	"context"
	"time"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// Event is one entry in the append-only governance event chain (spec §3,
// I1-I6). Sequence and PrevHash together make the chain tamper-evident:
// any alteration of a prior event changes ContentHash, which changes
// every PrevHash after it.
type Event struct {
	EventID   string      `json:"event_id"`
	Sequence  uint64      `json:"sequence"`
	EventType string      `json:"event_type"`
	Payload   canon.Value `json:"payload"`
	AgentID   string      `json:"agent_id"`
	Timestamp time.Time   `json:"timestamp"`

	PrevHash    [32]byte `json:"-"`
	ContentHash [32]byte `json:"-"`

	PrevHashHex    string `json:"prev_hash"`
	ContentHashHex string `json:"content_hash"`

	AgentSigScheme  signer.Scheme `json:"agent_sig_scheme"`
	AgentSigVersion int           `json:"agent_sig_alg_version"`
	AgentPublicKey  []byte        `json:"agent_public_key"`
	AgentSignature  []byte        `json:"agent_signature"`

	WitnessID        string        `json:"witness_id"`
	WitnessSigScheme signer.Scheme `json:"witness_sig_scheme"`
	WitnessSigVersion int          `json:"witness_sig_alg_version"`
	WitnessPublicKey []byte        `json:"witness_public_key"`
	WitnessSignature []byte        `json:"witness_signature"`
}

// WitnessClient co-attests an event on the writer's behalf. Implementations
// must distinguish transient unavailability (ErrWitnessUnavailable, worth
// retrying) from an active refusal (ErrWitnessRefused, terminal) per
// spec §7's Witness Error family.
type WitnessClient interface {
	WitnessID() string
	CoAttest(ctx context.Context, signableBytes []byte) (scheme signer.Scheme, version int, pubKey, sig []byte, err error)
}

// VerifyFailure describes why VerifyRange halted, naming both the sequence
// and the specific invariant (IntegrityKind) that failed.
type VerifyFailure struct {
	Sequence uint64
	Kind     IntegrityKind
	Detail   string
}
