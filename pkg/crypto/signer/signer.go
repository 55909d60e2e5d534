// Copyright 2025 Archon Governance Systems
//
// Signer — key-versioned signing handles. Adapted from
// pkg/attestation/strategy's multi-scheme AttestationStrategy interface:
// every signature carries a scheme + version tag, and verification rejects
// unknown versions (spec §4.2).
//
// Secret key material never crosses this package's boundary in cleartext
// to callers outside it: callers hold a Handle (an interface), never the
// raw scalar/seed.

package signer

import "fmt"

// Scheme identifies the cryptographic signature algorithm.
type Scheme string

const (
	SchemeEd25519 Scheme = "ed25519"
	SchemeBLS     Scheme = "bls12-381"
)

// Version tags permit future key/algorithm rotation (spec §4.2). Version 1
// is Ed25519; version 2 is BLS12-381. Unknown versions must never verify.
const (
	VersionEd25519 = 1
	VersionBLS     = 2
)

// Handle is a key handle: it can sign and report its own public material,
// but never exposes the private scalar/seed to callers.
type Handle interface {
	Scheme() Scheme
	Version() int
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
}

// Verify dispatches verification by (scheme, version) and rejects unknown
// combinations outright rather than falling back to a default scheme.
func Verify(scheme Scheme, version int, pub, msg, sig []byte) (bool, error) {
	switch {
	case scheme == SchemeEd25519 && version == VersionEd25519:
		return verifyEd25519(pub, msg, sig)
	case scheme == SchemeBLS && version == VersionBLS:
		return verifyBLS(pub, msg, sig)
	default:
		return false, fmt.Errorf("signer: unsupported scheme/version combination %s/%d", scheme, version)
	}
}
