// Copyright 2025 Archon Governance Systems
//
// Ed25519 signing handle. Key loading adapted from
// pkg/attestation/strategy/ed25519_strategy.go's NewEd25519StrategyFromSeed /
// NewEd25519StrategyWithNewKey factories. The domain-separation hashing that
// file performs (createDomainMessage) is dropped here: the event chain's
// signable tuple (pkg/crypto/chash.Signable) already binds agent_id,
// content_hash and prev_hash together, so a second domain tag would only
// duplicate that binding.

package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519Signer signs with a standard library Ed25519 key pair.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh Ed25519 key pair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed derives a deterministic key pair from a 32-byte
// seed, for key material loaded from a keystore or config.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: invalid ed25519 seed size: expected %d, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// NewEd25519SignerFromPrivateKey loads a signer from a 64-byte Ed25519
// private key (seed || public key), the format stdlib persists.
func NewEd25519SignerFromPrivateKey(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: invalid ed25519 private key size: expected %d, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Scheme() Scheme { return SchemeEd25519 }

func (s *Ed25519Signer) Version() int { return VersionEd25519 }

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

func verifyEd25519(pub, msg, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signer: invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signer: invalid ed25519 signature size: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}
	return ed25519.Verify(pub, msg, sig), nil
}
