// Copyright 2025 Archon Governance Systems
//
// Witness client implementations. The spec's witness is a single
// co-signing identity rather than a replicated validator set (see
// DESIGN.md's dropped-cometbft note), so the default deployment holds
// the witness key in-process; RemoteWitness exists for deployments that
// run the witness as a separate process over HTTP, following
// pkg/accumulate/liteclient_adapter.go's request/client shape.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// LocalWitness co-attests using a signer.Handle held in the same process
// as the event writer. It never refuses and is never unavailable once
// constructed; its only failure mode is the underlying signer erroring.
type LocalWitness struct {
	id     string
	signer signer.Handle
}

// NewLocalWitness constructs a LocalWitness identified by id, signing
// with key.
func NewLocalWitness(id string, key signer.Handle) *LocalWitness {
	return &LocalWitness{id: id, signer: key}
}

func (w *LocalWitness) WitnessID() string { return w.id }

func (w *LocalWitness) CoAttest(ctx context.Context, signableBytes []byte) (signer.Scheme, int, []byte, []byte, error) {
	sig, err := w.signer.Sign(signableBytes)
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("%w: %v", ErrWitnessUnavailable, err)
	}
	return w.signer.Scheme(), w.signer.Version(), w.signer.PublicKey(), sig, nil
}

// RemoteWitness co-attests by calling an HTTP witness service, used when
// the witness identity is operated independently of the event writer.
type RemoteWitness struct {
	id     string
	url    string
	client *http.Client
}

// NewRemoteWitness constructs a RemoteWitness calling url for every
// co-attestation request.
func NewRemoteWitness(id, url string, timeout time.Duration) *RemoteWitness {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteWitness{id: id, url: url, client: &http.Client{Timeout: timeout}}
}

func (w *RemoteWitness) WitnessID() string { return w.id }

func (w *RemoteWitness) CoAttest(ctx context.Context, signableBytes []byte) (signer.Scheme, int, []byte, []byte, error) {
	reqBody, err := json.Marshal(struct {
		Signable []byte `json:"signable"`
	}{Signable: signableBytes})
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("marshal co-attest request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("build co-attest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("%w: %v", ErrWitnessUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("%w: reading response: %v", ErrWitnessUnavailable, err)
	}

	if resp.StatusCode == http.StatusForbidden {
		return "", 0, nil, nil, fmt.Errorf("%w: %s", ErrWitnessRefused, body)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, nil, nil, fmt.Errorf("%w: status %d: %s", ErrWitnessUnavailable, resp.StatusCode, body)
	}

	var out struct {
		Scheme    signer.Scheme `json:"scheme"`
		Version   int           `json:"version"`
		PublicKey []byte        `json:"public_key"`
		Signature []byte        `json:"signature"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, nil, nil, fmt.Errorf("%w: decoding response: %v", ErrWitnessUnavailable, err)
	}
	return out.Scheme, out.Version, out.PublicKey, out.Signature, nil
}
