// Copyright 2025 Archon Governance Systems
//
// archon-verify is the administrative CLI that exercises the Read API
// from outside the process, the Go port of archon72_verify's
// check-chain/verify-signature/check-gaps commands. It follows the
// teacher's own cmd/ convention (a single flag-driven main, no CLI
// framework) rather than pulling in a new dependency for four
// subcommands. Exit codes follow spec §6: 0 on success, 1 on any
// non-success outcome (integrity violation, gap detected, usage error).

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/chash"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/merkle"
	"github.com/archon-systems/archon/pkg/observer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "check-chain":
		err = runCheckChain(os.Args[2:])
	case "verify-signature":
		err = runVerifySignature(os.Args[2:])
	case "check-gaps":
		err = runCheckGaps(os.Args[2:])
	case "verify-inclusion":
		err = runVerifyInclusion(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "archon-verify: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		if err != errNonSuccess {
			fmt.Fprintf(os.Stderr, "archon-verify: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `archon-verify: administrative verification CLI for the Archon Read API

Usage:
  archon-verify check-chain --api-url URL --from N --to N [--format text|json]
  archon-verify verify-signature --api-url URL (--event-id ID | --sequence N) [--format text|json]
  archon-verify check-gaps --api-url URL --from N --to N [--format text|json]
  archon-verify verify-inclusion --api-url URL --sequence N [--format text|json]

Exit codes: 0 success, 1 non-success (integrity violation, gap detected, usage error).`)
}

// checkChainResult and the other *Result types below are the CLI's JSON
// output shapes, deliberately separate from the server's own wire types
// so this tool's output format doesn't drift if the Read API's does.
type checkChainResult struct {
	IsValid        bool   `json:"is_valid"`
	EventsVerified int    `json:"events_verified"`
	From           uint64 `json:"from"`
	To             uint64 `json:"to"`
	FailureKind    string `json:"failure_kind,omitempty"`
	FailureDetail  string `json:"failure_detail,omitempty"`
	FailSequence   uint64 `json:"fail_sequence,omitempty"`
}

func runCheckChain(args []string) error {
	fs := flag.NewFlagSet("check-chain", flag.ExitOnError)
	apiURL := fs.String("api-url", "", "Observer Read API base URL")
	from := fs.Uint64("from", 0, "first sequence to verify (inclusive)")
	to := fs.Uint64("to", 0, "last sequence to verify (inclusive)")
	format := fs.String("format", "text", "output format: text or json")
	fs.Parse(args)

	if *apiURL == "" || *from == 0 || *to == 0 || *to < *from {
		return fmt.Errorf("check-chain requires --api-url, --from, and --to (to >= from)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := observer.NewHTTPRemoteSource(*apiURL, 30*time.Second)

	fetchFrom := *from
	if fetchFrom > 1 {
		fetchFrom--
	}
	events, err := source.FetchRange(ctx, fetchFrom, *to)
	if err != nil {
		return fmt.Errorf("fetch range [%d,%d]: %w", fetchFrom, *to, err)
	}

	var expectedPrev [32]byte
	if *from > 1 {
		if len(events) == 0 {
			return fmt.Errorf("expected event at sequence %d to seed chain linkage, got none", fetchFrom)
		}
		expectedPrev = events[0].ContentHash
		events = events[1:]
	}

	failure, err := chain.VerifyEvents(events, *from, expectedPrev)
	if err != nil {
		return fmt.Errorf("verify events: %w", err)
	}

	result := checkChainResult{
		IsValid:        failure == nil,
		EventsVerified: len(events),
		From:           *from,
		To:             *to,
	}
	if failure != nil {
		result.FailSequence = failure.Sequence
		result.FailureKind = string(failure.Kind)
		result.FailureDetail = failure.Detail
	}

	if *format == "json" {
		return printJSON(result)
	}
	if result.IsValid {
		fmt.Printf("VALID: %d events (sequence %d-%d)\n", result.EventsVerified, *from, *to)
		return nil
	}
	fmt.Printf("INVALID: sequence %d: %s (%s)\n", result.FailSequence, result.FailureDetail, result.FailureKind)
	return errNonSuccess
}

type verifySignatureResult struct {
	EventID        string `json:"event_id"`
	Sequence       uint64 `json:"sequence"`
	SignaturesValid bool  `json:"signatures_valid"`
	FailureKind    string `json:"failure_kind,omitempty"`
	FailureDetail  string `json:"failure_detail,omitempty"`
}

func runVerifySignature(args []string) error {
	fs := flag.NewFlagSet("verify-signature", flag.ExitOnError)
	apiURL := fs.String("api-url", "", "Observer Read API base URL")
	eventID := fs.String("event-id", "", "event_id to verify")
	sequence := fs.Uint64("sequence", 0, "sequence to verify (alternative to --event-id)")
	format := fs.String("format", "text", "output format: text or json")
	fs.Parse(args)

	if *apiURL == "" || (*eventID == "" && *sequence == 0) {
		return fmt.Errorf("verify-signature requires --api-url and one of --event-id or --sequence")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var evt *chain.Event
	var err error
	if *sequence != 0 {
		source := observer.NewHTTPRemoteSource(*apiURL, 30*time.Second)
		events, ferr := source.FetchRange(ctx, *sequence, *sequence)
		if ferr != nil {
			return fmt.Errorf("fetch sequence %d: %w", *sequence, ferr)
		}
		if len(events) == 0 {
			return fmt.Errorf("no event at sequence %d", *sequence)
		}
		evt = events[0]
	} else {
		evt, err = fetchEventByID(ctx, *apiURL, *eventID)
		if err != nil {
			return fmt.Errorf("fetch event %s: %w", *eventID, err)
		}
	}

	// A single event carries no chain-linkage context to check against, so
	// this re-derives content hash and both signatures (I3-I5) by treating
	// the event's own prev_hash as already-trusted, same as VerifyEvents
	// does internally for every event after the first in a range.
	failure, err := chain.VerifyEvents([]*chain.Event{evt}, evt.Sequence, evt.PrevHash)
	if err != nil {
		return fmt.Errorf("verify event: %w", err)
	}

	result := verifySignatureResult{
		EventID:         evt.EventID,
		Sequence:        evt.Sequence,
		SignaturesValid: failure == nil,
	}
	if failure != nil {
		result.FailureKind = string(failure.Kind)
		result.FailureDetail = failure.Detail
	}

	if *format == "json" {
		return printJSON(result)
	}
	if result.SignaturesValid {
		fmt.Printf("VALID: event %s (sequence %d)\n", result.EventID, result.Sequence)
		return nil
	}
	fmt.Printf("INVALID: event %s: %s (%s)\n", result.EventID, result.FailureDetail, result.FailureKind)
	return errNonSuccess
}

type checkGapsResult struct {
	Gaps [][2]uint64 `json:"gaps"`
	From uint64      `json:"from"`
	To   uint64      `json:"to"`
}

func runCheckGaps(args []string) error {
	fs := flag.NewFlagSet("check-gaps", flag.ExitOnError)
	apiURL := fs.String("api-url", "", "Observer Read API base URL")
	from := fs.Uint64("from", 0, "first sequence expected")
	to := fs.Uint64("to", 0, "last sequence expected")
	format := fs.String("format", "text", "output format: text or json")
	fs.Parse(args)

	if *apiURL == "" || *from == 0 || *to == 0 || *to < *from {
		return fmt.Errorf("check-gaps requires --api-url, --from, and --to (to >= from)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := observer.NewHTTPRemoteSource(*apiURL, 30*time.Second)
	events, err := source.FetchRange(ctx, *from, *to)
	if err != nil {
		return fmt.Errorf("fetch range [%d,%d]: %w", *from, *to, err)
	}

	present := make(map[uint64]bool, len(events))
	for _, evt := range events {
		present[evt.Sequence] = true
	}

	gaps := observer.FindSequenceGaps(*from, *to, present)
	result := checkGapsResult{From: *from, To: *to}
	for _, g := range gaps {
		result.Gaps = append(result.Gaps, [2]uint64{g.From, g.To})
	}
	if result.Gaps == nil {
		result.Gaps = [][2]uint64{}
	}

	if *format == "json" {
		return printJSON(result)
	}
	if len(gaps) == 0 {
		fmt.Printf("No gaps found in [%d,%d]\n", *from, *to)
		return nil
	}
	for _, g := range gaps {
		fmt.Printf("gap: sequence %d-%d missing\n", g.From, g.To)
	}
	return errNonSuccess
}

type verifyInclusionResult struct {
	Sequence     uint64 `json:"sequence"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Included     bool   `json:"included"`
}

// runVerifyInclusion fetches the event at --sequence and its portable
// Merkle receipt independently, then recomputes the inclusion proof
// offline against the receipt's checkpoint root rather than trusting
// the Read API's own "it's included" claim.
func runVerifyInclusion(args []string) error {
	fs := flag.NewFlagSet("verify-inclusion", flag.ExitOnError)
	apiURL := fs.String("api-url", "", "Observer Read API base URL")
	sequence := fs.Uint64("sequence", 0, "sequence to verify inclusion for")
	format := fs.String("format", "text", "output format: text or json")
	fs.Parse(args)

	if *apiURL == "" || *sequence == 0 {
		return fmt.Errorf("verify-inclusion requires --api-url and --sequence")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := observer.NewHTTPRemoteSource(*apiURL, 30*time.Second)
	events, err := source.FetchRange(ctx, *sequence, *sequence)
	if err != nil {
		return fmt.Errorf("fetch sequence %d: %w", *sequence, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("no event at sequence %d", *sequence)
	}
	evt := events[0]

	receipt, err := fetchPortableReceipt(ctx, *apiURL, *sequence)
	if err != nil {
		return fmt.Errorf("fetch merkle proof for sequence %d: %w", *sequence, err)
	}

	included, err := receipt.Verify(evt.ContentHash)
	if err != nil {
		return fmt.Errorf("verify inclusion: %w", err)
	}

	result := verifyInclusionResult{Sequence: *sequence, Included: included}
	if receipt.Checkpoint != nil {
		result.CheckpointID = receipt.Checkpoint.CheckpointID
	}

	if *format == "json" {
		return printJSON(result)
	}
	if included {
		fmt.Printf("VALID: sequence %d included in checkpoint %s\n", *sequence, result.CheckpointID)
		return nil
	}
	fmt.Printf("INVALID: sequence %d is not included under checkpoint %s's root\n", *sequence, result.CheckpointID)
	return errNonSuccess
}

// fetchPortableReceipt hits GET /events/sequence/{seq}/merkle-proof
// directly; observer.RemoteSource has no notion of Merkle proofs.
func fetchPortableReceipt(ctx context.Context, baseURL string, seq uint64) (*merkle.PortableReceipt, error) {
	url := fmt.Sprintf("%s/events/sequence/%d/merkle-proof", baseURL, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("observer unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("observer returned %d: %s", resp.StatusCode, body)
	}
	return merkle.PortableReceiptFromJSON(body)
}

// errNonSuccess signals a clean, already-reported non-success outcome
// (integrity violation, gap found) as opposed to a usage or transport
// error, which main() reports with its own message.
var errNonSuccess = errNonSuccessType{}

type errNonSuccessType struct{}

func (errNonSuccessType) Error() string { return "" }

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fetchEventByID hits GET /events/{event_id} directly; observer.RemoteSource
// only exposes range/head lookups, which have no notion of fetching by ID.
func fetchEventByID(ctx context.Context, baseURL, eventID string) (*chain.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events/"+eventID, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("observer unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("observer returned %d: %s", resp.StatusCode, body)
	}

	var view struct {
		EventID           string `json:"event_id"`
		Sequence          uint64 `json:"sequence"`
		EventType         string `json:"event_type"`
		AgentID           string `json:"agent_id"`
		PrevHash          string `json:"prev_hash"`
		ContentHash       string `json:"content_hash"`
		AgentSigScheme    string `json:"agent_sig_scheme"`
		AgentSigVersion   int    `json:"agent_sig_alg_version"`
		AgentPublicKey    []byte `json:"agent_public_key"`
		AgentSignature    []byte `json:"agent_signature"`
		WitnessID         string `json:"witness_id"`
		WitnessSigScheme  string `json:"witness_sig_scheme"`
		WitnessSigVersion int    `json:"witness_sig_alg_version"`
		WitnessPublicKey  []byte `json:"witness_public_key"`
		WitnessSignature  []byte `json:"witness_signature"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	prevHash, err := chash.FromHex(view.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("parse prev_hash: %w", err)
	}
	contentHash, err := chash.FromHex(view.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("parse content_hash: %w", err)
	}

	return &chain.Event{
		EventID:           view.EventID,
		Sequence:          view.Sequence,
		EventType:         view.EventType,
		AgentID:           view.AgentID,
		PrevHash:          prevHash,
		ContentHash:       contentHash,
		PrevHashHex:       view.PrevHash,
		ContentHashHex:    view.ContentHash,
		AgentSigScheme:    signer.Scheme(view.AgentSigScheme),
		AgentSigVersion:   view.AgentSigVersion,
		AgentPublicKey:    view.AgentPublicKey,
		AgentSignature:    view.AgentSignature,
		WitnessID:         view.WitnessID,
		WitnessSigScheme:  signer.Scheme(view.WitnessSigScheme),
		WitnessSigVersion: view.WitnessSigVersion,
		WitnessPublicKey:  view.WitnessPublicKey,
		WitnessSignature:  view.WitnessSignature,
	}, nil
}
