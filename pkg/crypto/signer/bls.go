// Copyright 2025 Archon Governance Systems
//
// BLS12-381 signing handle, wrapping pkg/crypto/bls (the pack's gnark-crypto
// based pure-Go BLS12-381 implementation). As with Ed25519Signer, no extra
// domain separation tag is applied: chash.Signable already binds the
// message to chain position, so BLS signs the signable bytes directly.

package signer

import (
	"fmt"

	"github.com/archon-systems/archon/pkg/crypto/bls"
)

// BLSSigner signs with a BLS12-381 key pair.
type BLSSigner struct {
	priv *bls.PrivateKey
	pub  *bls.PublicKey
}

// NewBLSSigner generates a fresh BLS12-381 key pair.
func NewBLSSigner() (*BLSSigner, error) {
	priv, pub, err := bls.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("signer: generate bls key: %w", err)
	}
	return &BLSSigner{priv: priv, pub: pub}, nil
}

// NewBLSSignerFromSeed derives a deterministic key pair from a seed of at
// least 32 bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	priv, pub, err := bls.GenerateKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("signer: derive bls key from seed: %w", err)
	}
	return &BLSSigner{priv: priv, pub: pub}, nil
}

// NewBLSSignerFromPrivateKeyBytes loads a signer from a raw 32-byte scalar.
func NewBLSSignerFromPrivateKeyBytes(raw []byte) (*BLSSigner, error) {
	priv, err := bls.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("signer: load bls private key: %w", err)
	}
	return &BLSSigner{priv: priv, pub: priv.PublicKey()}, nil
}

func (s *BLSSigner) Scheme() Scheme { return SchemeBLS }

func (s *BLSSigner) Version() int { return VersionBLS }

func (s *BLSSigner) Sign(msg []byte) ([]byte, error) {
	return s.priv.Sign(msg).Bytes(), nil
}

func (s *BLSSigner) PublicKey() []byte {
	return s.pub.Bytes()
}

func verifyBLS(pub, msg, sig []byte) (bool, error) {
	if err := bls.ValidateBLSPublicKeySubgroup(pub); err != nil {
		return false, fmt.Errorf("signer: %w", err)
	}
	if err := bls.ValidateBLSSignatureSubgroup(sig); err != nil {
		return false, fmt.Errorf("signer: %w", err)
	}
	pk, err := bls.PublicKeyFromBytes(pub)
	if err != nil {
		return false, fmt.Errorf("signer: decode bls public key: %w", err)
	}
	signature, err := bls.SignatureFromBytes(sig)
	if err != nil {
		return false, fmt.Errorf("signer: decode bls signature: %w", err)
	}
	return pk.Verify(signature, msg), nil
}
