// Copyright 2025 Archon Governance Systems
//
// Optional publication of a checkpoint's Merkle root to an EVM chain, for
// deployments that want a second, independently-operated anchor point
// beyond the witness co-signature. Grounded on pkg/ethereum/client.go's
// Client wrapper (ethclient.Dial, nonce/gas-price lookup, transaction
// submission via crypto.Sign + types.NewTx).
//
// Publication never blocks or fails checkpoint creation: BuildCheckpoint
// has already committed the checkpoint to local storage by the time
// PublishCheckpoint runs, so a publish failure only means this particular
// external anchor is missing, not that the checkpoint itself is invalid.

package merkle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMPublisher submits checkpoint roots as zero-value transactions whose
// calldata is the root's 64-character hex string (as ASCII bytes), to a
// configured EVM address acting as a public anchor point.
type EVMPublisher struct {
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	toAddr     common.Address
}

// NewEVMPublisher dials url and prepares a publisher that signs with
// privateKeyHex and sends to toAddr.
func NewEVMPublisher(url string, chainID int64, privateKeyHex string, toAddr common.Address) (*EVMPublisher, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("merkle: dial evm endpoint: %w", err)
	}
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("merkle: parse evm private key: %w", err)
	}
	return &EVMPublisher{
		client:     client,
		chainID:    big.NewInt(chainID),
		privateKey: privateKey,
		toAddr:     toAddr,
	}, nil
}

// PublishCheckpoint submits the checkpoint's Merkle root as transaction
// calldata and returns the transaction hash once broadcast (not once
// mined — callers that need confirmation should poll separately).
func (p *EVMPublisher) PublishCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	fromAddr := crypto.PubkeyToAddress(p.privateKey.PublicKey)

	nonce, err := p.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", fmt.Errorf("merkle: get nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("merkle: suggest gas price: %w", err)
	}

	data := []byte(cp.MerkleRoot)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &p.toAddr,
		Value:    big.NewInt(0),
		Gas:      21000 + uint64(len(data))*16,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return "", fmt.Errorf("merkle: sign transaction: %w", err)
	}

	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("merkle: broadcast transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// Close releases the underlying RPC connection.
func (p *EVMPublisher) Close() {
	p.client.Close()
}
