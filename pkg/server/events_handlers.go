// Copyright 2025 Archon Governance Systems
//
// Read API / Observer HTTP interface. Serves the event chain, its Merkle
// checkpoints, and verification metadata to any caller without
// authentication, adapted from ledger_handlers.go's handler-struct-with-
// injected-deps style and registered with plain mux.HandleFunc the way
// main.go wires every other *Handlers type.

package server

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/chash"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/merkle"
)

const defaultEventsLimit = 100
const maxEventsLimit = 1000

// EventsHandlers serves the public, unauthenticated Read API over the
// event chain and its Merkle checkpoints (spec.md §6).
type EventsHandlers struct {
	store       *chain.Store
	anchor      *merkle.Anchor
	agentID     string
	agent       signer.Handle
	rateLimiter *RateLimiter
	logger      *log.Logger
}

// NewEventsHandlers constructs the Read API handler set. agent signs export
// attestations on the observer's own behalf; it need not be the same key
// that writes events into the chain.
func NewEventsHandlers(store *chain.Store, anchor *merkle.Anchor, agentID string, agent signer.Handle, rateLimiter *RateLimiter, logger *log.Logger) *EventsHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[EventsAPI] ", log.LstdFlags)
	}
	return &EventsHandlers{
		store:       store,
		anchor:      anchor,
		agentID:     agentID,
		agent:       agent,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// RegisterRoutes wires every Read API endpoint onto mux.
func (h *EventsHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events", h.HandleListEvents)
	mux.HandleFunc("/events/sequence/", h.HandleSequenceRoutes)
	mux.HandleFunc("/events/", h.HandleGetEventByID)
	mux.HandleFunc("/checkpoints", h.HandleListCheckpoints)
	mux.HandleFunc("/verification-spec", h.HandleVerificationSpec)
	mux.HandleFunc("/export", h.HandleExport)
	mux.HandleFunc("/export/attestation", h.HandleExportAttestation)
}

func (h *EventsHandlers) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	if h.rateLimiter.Allow(r.RemoteAddr) {
		return true
	}
	h.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	return false
}

// HandleListEvents handles GET /events?limit&offset&as_of_sequence&include_proof.
func (h *EventsHandlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), defaultEventsLimit, maxEventsLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_OFFSET", err.Error())
		return
	}

	head, _ := h.store.Head()
	ceiling := head
	if raw := q.Get("as_of_sequence"); raw != "" {
		asOf, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_AS_OF_SEQUENCE", "as_of_sequence must be a non-negative integer")
			return
		}
		if asOf < ceiling {
			ceiling = asOf
		}
	}

	from := uint64(offset) + 1
	events := []*chain.Event{}
	if ceiling > 0 && from <= ceiling {
		to := ceiling
		if to-from+1 > uint64(limit) {
			to = from + uint64(limit) - 1
		}
		events, err = h.store.Range(from, to)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "RANGE_FAILED", err.Error())
			return
		}
	}

	includeProof := q.Get("include_proof") == "true"
	resp := map[string]interface{}{
		"events":     toEventViews(events),
		"head":       head,
		"as_of":      ceiling,
	}
	if includeProof {
		resp["hash_chain_proof"] = hashChainLinks(events)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetEventByID handles GET /events/{event_id}.
func (h *EventsHandlers) HandleGetEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	eventID := strings.TrimPrefix(r.URL.Path, "/events/")
	if eventID == "" || strings.Contains(eventID, "/") {
		h.writeError(w, http.StatusBadRequest, "MISSING_EVENT_ID", "event_id is required")
		return
	}

	evt, err := h.store.ReadByID(eventID)
	if err != nil {
		if err == chain.ErrNotFound {
			h.writeError(w, http.StatusNotFound, "EVENT_NOT_FOUND", "no event with that event_id")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "READ_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, toEventView(evt))
}

// HandleSequenceRoutes dispatches GET /events/sequence/{n} and
// GET /events/sequence/{n}/merkle-proof, since both share the
// /events/sequence/ prefix.
func (h *EventsHandlers) HandleSequenceRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/events/sequence/")
	wantProof := false
	if strings.HasSuffix(rest, "/merkle-proof") {
		wantProof = true
		rest = strings.TrimSuffix(rest, "/merkle-proof")
	}

	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || seq == 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_SEQUENCE", "sequence must be a positive integer")
		return
	}

	if wantProof {
		h.writeInclusionProof(w, seq)
		return
	}

	evt, err := h.store.ReadBySequence(seq)
	if err != nil {
		if err == chain.ErrNotFound {
			h.writeError(w, http.StatusNotFound, "EVENT_NOT_FOUND", "no event at that sequence")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "READ_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, toEventView(evt))
}

func (h *EventsHandlers) writeInclusionProof(w http.ResponseWriter, seq uint64) {
	receipt, err := h.anchor.NewPortableReceipt(seq)
	if err != nil {
		if err == merkle.ErrPending {
			h.writeError(w, http.StatusNotFound, "PENDING", "sequence is in the unanchored tail")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "PROOF_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

// HandleListCheckpoints handles GET /checkpoints?limit&offset.
func (h *EventsHandlers) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), defaultEventsLimit, maxEventsLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_OFFSET", err.Error())
		return
	}

	last := h.anchor.LastCheckpointedSequence()
	var checkpoints []*merkle.Checkpoint
	seq := uint64(1)
	skipped := 0
	for seq <= last && len(checkpoints) < limit {
		cp, err := h.anchor.CheckpointCovering(seq)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "CHECKPOINT_LOOKUP_FAILED", err.Error())
			return
		}
		if skipped < offset {
			skipped++
			seq = cp.ToSequence + 1
			continue
		}
		checkpoints = append(checkpoints, cp)
		seq = cp.ToSequence + 1
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"last_anchored_sequence": last,
	})
}

// HandleVerificationSpec handles GET /verification-spec: the canonical
// encoding rules and version tags a third party needs to independently
// recompute content hashes and verify signatures (spec §7, P1-P3).
func (h *EventsHandlers) HandleVerificationSpec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"canonical_encoding_version": canon.CurrentVersion,
		"content_hash_algorithm":     "SHA-256",
		"merkle_tree":                "binary, SHA-256, unbalanced trees padded by duplicating the last leaf",
		"signable_layout":            "canonical encoding of {agent_id, content_hash, prev_hash} (hex hashes, sorted keys)",
		"agent_signature_schemes":    []string{string(signer.SchemeEd25519), string(signer.SchemeBLS)},
	})
}

// HandleExport handles GET /export?format=jsonl|csv&start_sequence&end_sequence&event_type.
func (h *EventsHandlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	start, end, eventType, format, ok := h.parseExportRange(w, r)
	if !ok {
		return
	}

	events, err := h.store.Range(start, end)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "RANGE_FAILED", err.Error())
		return
	}
	if eventType != "" {
		events = filterByEventType(events, eventType)
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		h.writeCSVExport(w, events)
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
		h.writeJSONLinesExport(w, events)
	}
}

// HandleExportAttestation handles GET /export/attestation?start_sequence&end_sequence:
// a signed digest over the same event range /export would stream, letting a
// caller verify an export they received out-of-band (spec P8).
func (h *EventsHandlers) HandleExportAttestation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	if !h.allow(w, r) {
		return
	}

	start, end, _, _, ok := h.parseExportRange(w, r)
	if !ok {
		return
	}

	events, err := h.store.Range(start, end)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "RANGE_FAILED", err.Error())
		return
	}

	digest := exportDigest(events)
	signable := digest[:]
	sig, err := h.agent.Sign(signable)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "SIGN_FAILED", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"start_sequence":  start,
		"end_sequence":    end,
		"event_count":     len(events),
		"digest":          chash.Hex(digest),
		"agent_id":        h.agentID,
		"sig_scheme":      h.agent.Scheme(),
		"sig_alg_version": h.agent.Version(),
		"public_key":      h.agent.PublicKey(),
		"signature":       sig,
		"signed_at":       time.Now().UTC(),
	})
}

func (h *EventsHandlers) parseExportRange(w http.ResponseWriter, r *http.Request) (start, end uint64, eventType, format string, ok bool) {
	q := r.URL.Query()
	format = q.Get("format")
	if format == "" {
		format = "jsonl"
	}
	if format != "jsonl" && format != "csv" {
		h.writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be jsonl or csv")
		return 0, 0, "", "", false
	}

	head, _ := h.store.Head()
	start = 1
	end = head
	if raw := q.Get("start_sequence"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || v == 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_START_SEQUENCE", "start_sequence must be a positive integer")
			return 0, 0, "", "", false
		}
		start = v
	}
	if raw := q.Get("end_sequence"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_END_SEQUENCE", "end_sequence must be a non-negative integer")
			return 0, 0, "", "", false
		}
		end = v
	}
	if end > head {
		end = head
	}
	if end < start {
		end = start - 1
	}
	eventType = q.Get("event_type")
	return start, end, eventType, format, true
}

func (h *EventsHandlers) writeJSONLinesExport(w http.ResponseWriter, events []*chain.Event) {
	buf := bufio.NewWriter(w)
	defer buf.Flush()
	encoder := json.NewEncoder(buf)
	for _, evt := range events {
		if err := encoder.Encode(toEventView(evt)); err != nil {
			h.logger.Printf("export encode failed: %v", err)
			return
		}
	}
}

func (h *EventsHandlers) writeCSVExport(w http.ResponseWriter, events []*chain.Event) {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"event_id", "sequence", "event_type", "agent_id", "timestamp", "content_hash", "prev_hash"})
	for _, evt := range events {
		cw.Write([]string{
			evt.EventID,
			strconv.FormatUint(evt.Sequence, 10),
			evt.EventType,
			evt.AgentID,
			evt.Timestamp.Format(time.RFC3339Nano),
			evt.ContentHashHex,
			evt.PrevHashHex,
		})
	}
}

func (h *EventsHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *EventsHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parsePositiveInt(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	if max > 0 && v > max {
		return 0, fmt.Errorf("must not exceed %d", max)
	}
	return v, nil
}

func filterByEventType(events []*chain.Event, eventType string) []*chain.Event {
	out := make([]*chain.Event, 0, len(events))
	for _, evt := range events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// exportDigest folds an exported event range into a single SHA-256 digest
// over each event's content hash, in sequence order, so a verifier can
// recompute it without re-running canonical encoding over the payloads.
func exportDigest(events []*chain.Event) [32]byte {
	fields := make(map[string]canon.Value, 1)
	hexes := make([]canon.Value, len(events))
	for i, evt := range events {
		hexes[i] = canon.String(evt.ContentHashHex)
	}
	fields["content_hashes"] = canon.Array(hexes...)
	return chash.ContentHash(canon.Object(fields))
}

// hashChainLinks returns each event's (sequence, content_hash, prev_hash)
// triple, the minimal data a caller needs to verify P1 across the
// returned range without re-fetching each event individually.
func hashChainLinks(events []*chain.Event) []map[string]interface{} {
	links := make([]map[string]interface{}, len(events))
	for i, evt := range events {
		links[i] = map[string]interface{}{
			"sequence":     evt.Sequence,
			"content_hash": evt.ContentHashHex,
			"prev_hash":    evt.PrevHashHex,
		}
	}
	return links
}

// eventView is the wire representation of a chain.Event; chain.Event
// already carries json tags matching it, but routing through a named type
// keeps the Read API's response shape independent of chain.Event's
// internal layout.
type eventView struct {
	EventID         string        `json:"event_id"`
	Sequence        uint64        `json:"sequence"`
	EventType       string        `json:"event_type"`
	Payload         canon.Value   `json:"payload"`
	AgentID         string        `json:"agent_id"`
	Timestamp       time.Time     `json:"timestamp"`
	PrevHash        string        `json:"prev_hash"`
	ContentHash     string        `json:"content_hash"`
	AgentSigScheme    signer.Scheme `json:"agent_sig_scheme"`
	AgentSigVersion   int           `json:"agent_sig_alg_version"`
	AgentPublicKey    []byte        `json:"agent_public_key"`
	AgentSignature    []byte        `json:"agent_signature"`
	WitnessID         string        `json:"witness_id"`
	WitnessSigScheme  signer.Scheme `json:"witness_sig_scheme"`
	WitnessSigVersion int           `json:"witness_sig_alg_version"`
	WitnessPublicKey  []byte        `json:"witness_public_key"`
	WitnessSignature  []byte        `json:"witness_signature"`
}

func toEventView(evt *chain.Event) eventView {
	return eventView{
		EventID:           evt.EventID,
		Sequence:          evt.Sequence,
		EventType:         evt.EventType,
		Payload:           evt.Payload,
		AgentID:           evt.AgentID,
		Timestamp:         evt.Timestamp,
		PrevHash:          evt.PrevHashHex,
		ContentHash:       evt.ContentHashHex,
		AgentSigScheme:    evt.AgentSigScheme,
		AgentSigVersion:   evt.AgentSigVersion,
		AgentPublicKey:    evt.AgentPublicKey,
		AgentSignature:    evt.AgentSignature,
		WitnessID:         evt.WitnessID,
		WitnessSigScheme:  evt.WitnessSigScheme,
		WitnessSigVersion: evt.WitnessSigVersion,
		WitnessPublicKey:  evt.WitnessPublicKey,
		WitnessSignature:  evt.WitnessSignature,
	}
}

func toEventViews(events []*chain.Event) []eventView {
	out := make([]eventView, len(events))
	for i, evt := range events {
		out[i] = toEventView(evt)
	}
	return out
}
