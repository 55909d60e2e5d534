// Copyright 2025 Archon Governance Systems
//
// Content hashing and the signable-tuple construction of spec §4.2.
// Adapted from pkg/attestation/strategy (message-hash computation) and
// pkg/commitment (canonical hashing), generalized to the event chain's
// exact signable contract: {agent_id, content_hash, prev_hash}.

package chash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/archon-systems/archon/pkg/canon"
)

// ZeroHash is the genesis anchor: the prev_hash of sequence 1, 64
// characters of hex zero.
var ZeroHash = strings.Repeat("0", 64)

// ZeroHashBytes is the 32-byte all-zero form of ZeroHash.
var ZeroHashBytes [32]byte

// ContentHash returns SHA-256 over the canonical encoding of fields.
func ContentHash(fields canon.Value) [32]byte {
	return sha256.Sum256(canon.Encode(fields))
}

// Hex encodes a 32-byte hash as lowercase hex, the wire representation
// required by spec §6.
func Hex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// FromHex decodes a 64-char lowercase hex hash.
func FromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errInvalidLength(len(b))
	}
	copy(out[:], b)
	return out, nil
}

type errInvalidLength int

func (e errInvalidLength) Error() string {
	return "chash: expected 32 bytes, got " + strconv.Itoa(int(e))
}

// Signable returns the canonical bytes of {agent_id, content_hash,
// prev_hash}, the exact tuple every signature — agent and witness alike —
// must cover. Including prev_hash binds the signature to chain position
// (requirement MA-2): a valid signature cannot be relocated to another
// sequence.
func Signable(contentHash, prevHash [32]byte, agentID string) []byte {
	v := canon.Object(map[string]canon.Value{
		"agent_id":     canon.String(agentID),
		"content_hash": canon.String(Hex(contentHash)),
		"prev_hash":    canon.String(Hex(prevHash)),
	})
	return canon.Encode(v)
}
