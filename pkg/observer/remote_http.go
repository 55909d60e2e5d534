// Copyright 2025 Archon Governance Systems
//
// HTTPRemoteSource implements RemoteSource over another observer's Read
// API (pkg/server's /events and /events?as_of_sequence endpoints),
// following pkg/accumulate/liteclient_adapter.go's request/client shape.

package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/chash"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// HTTPRemoteSource fetches events from a remote observer's Read API.
type HTTPRemoteSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRemoteSource constructs a RemoteSource reading from baseURL
// (e.g. "https://observer.example.org").
func NewHTTPRemoteSource(baseURL string, timeout time.Duration) *HTTPRemoteSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemoteSource{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type remoteEventView struct {
	EventID         string        `json:"event_id"`
	Sequence        uint64        `json:"sequence"`
	EventType       string        `json:"event_type"`
	Payload         interface{}   `json:"payload"`
	AgentID         string        `json:"agent_id"`
	Timestamp       time.Time     `json:"timestamp"`
	PrevHash        string        `json:"prev_hash"`
	ContentHash     string        `json:"content_hash"`
	AgentSigScheme  signer.Scheme `json:"agent_sig_scheme"`
	AgentSigVersion int           `json:"agent_sig_alg_version"`
	AgentPublicKey  []byte        `json:"agent_public_key"`
	AgentSignature  []byte        `json:"agent_signature"`
	WitnessID         string        `json:"witness_id"`
	WitnessSigScheme  signer.Scheme `json:"witness_sig_scheme"`
	WitnessSigVersion int           `json:"witness_sig_alg_version"`
	WitnessPublicKey  []byte        `json:"witness_public_key"`
	WitnessSignature  []byte        `json:"witness_signature"`
}

func (s *HTTPRemoteSource) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote source unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote source returned %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

// Head returns the remote's current chain head sequence.
func (s *HTTPRemoteSource) Head(ctx context.Context) (uint64, error) {
	var resp struct {
		Head uint64 `json:"head"`
	}
	if err := s.get(ctx, "/events?limit=1", &resp); err != nil {
		return 0, err
	}
	return resp.Head, nil
}

// FetchRange retrieves events in [from, to] from the remote's /events
// endpoint, decoding its wire view back into chain.Event.
func (s *HTTPRemoteSource) FetchRange(ctx context.Context, from, to uint64) ([]*chain.Event, error) {
	var resp struct {
		Events []remoteEventView `json:"events"`
	}
	path := fmt.Sprintf("/events?as_of_sequence=%d&limit=%d&offset=%d", to, to-from+1, from-1)
	if err := s.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	out := make([]*chain.Event, 0, len(resp.Events))
	for _, v := range resp.Events {
		rawPayload, err := json.Marshal(v.Payload)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload for event %s: %w", v.EventID, err)
		}
		payload, err := canon.ParseJSON(rawPayload)
		if err != nil {
			return nil, fmt.Errorf("parse payload for event %s: %w", v.EventID, err)
		}
		prevHash, err := chash.FromHex(v.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("parse prev_hash for event %s: %w", v.EventID, err)
		}
		contentHash, err := chash.FromHex(v.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("parse content_hash for event %s: %w", v.EventID, err)
		}
		out = append(out, &chain.Event{
			EventID:           v.EventID,
			Sequence:          v.Sequence,
			EventType:         v.EventType,
			Payload:           payload,
			AgentID:           v.AgentID,
			Timestamp:         v.Timestamp,
			PrevHash:          prevHash,
			ContentHash:       contentHash,
			PrevHashHex:       v.PrevHash,
			ContentHashHex:    v.ContentHash,
			AgentSigScheme:    v.AgentSigScheme,
			AgentSigVersion:   v.AgentSigVersion,
			AgentPublicKey:    v.AgentPublicKey,
			AgentSignature:    v.AgentSignature,
			WitnessID:         v.WitnessID,
			WitnessSigScheme:  v.WitnessSigScheme,
			WitnessSigVersion: v.WitnessSigVersion,
			WitnessPublicKey:  v.WitnessPublicKey,
			WitnessSignature:  v.WitnessSignature,
		})
	}
	return out, nil
}
