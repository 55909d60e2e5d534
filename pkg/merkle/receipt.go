// Copyright 2025 Archon Governance Systems
//
// PortableReceipt bundles an inclusion proof with the checkpoint it
// proves against into one externally verifiable object, the shape
// /events/sequence/{seq}/merkle-proof (pkg/server/events_handlers.go)
// returns and cmd/archon-verify's verify-inclusion subcommand consumes
// without any further round trip to the Read API.

package merkle

import (
	"encoding/json"
	"fmt"
)

// PortableReceipt is a self-contained Merkle inclusion proof: the
// checkpoint it was issued against plus the path from a leaf to that
// checkpoint's root.
type PortableReceipt struct {
	Checkpoint *Checkpoint     `json:"checkpoint"`
	Proof      *InclusionProof `json:"proof"`
}

// NewPortableReceipt builds a PortableReceipt proving the event at seq
// is included in the checkpoint that covers it.
func (a *Anchor) NewPortableReceipt(seq uint64) (*PortableReceipt, error) {
	cp, proof, err := a.InclusionProof(seq)
	if err != nil {
		return nil, err
	}
	return &PortableReceipt{Checkpoint: cp, Proof: proof}, nil
}

// Verify independently checks that contentHash is included under r's
// checkpoint root, recomputing the Merkle path rather than trusting
// whatever produced the receipt.
func (r *PortableReceipt) Verify(contentHash [32]byte) (bool, error) {
	if r.Checkpoint == nil || r.Proof == nil {
		return false, fmt.Errorf("merkle: receipt missing checkpoint or proof")
	}
	return VerifyInclusion(contentHash, r.Proof, r.Checkpoint.MerkleRoot)
}

// ToJSON serializes the receipt for storage or transmission.
func (r *PortableReceipt) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// PortableReceiptFromJSON parses a receipt produced by ToJSON or
// returned by the Read API's merkle-proof endpoint.
func PortableReceiptFromJSON(data []byte) (*PortableReceipt, error) {
	var r PortableReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
