// Copyright 2025 Archon Governance Systems
//
// Replica is the Observer Replica (component C5, spec §4.4): a local
// mirror of the event chain that never trusts a peer's events at face
// value — every fetched event is independently re-verified via
// chain.Store.InsertVerified before it becomes part of the replica's own
// chain. The replica is "authoritative about what it has seen, not what
// exists" — its head only advances when it has verified the chain
// leading to it, gaps and all.
//
// Structurally this mirrors pkg/ledger/store.go's pattern of a second,
// independently-addressable KV-backed store kept alongside the primary
// one (there: system ledger vs. anchor ledger; here: writer chain vs.
// replica chain).

package observer

import (
	"context"
	"fmt"

	"github.com/archon-systems/archon/pkg/chain"
)

// RemoteSource is the upstream the replica mirrors. A real deployment
// backs this with the Read API's /events endpoint; tests can supply an
// in-memory fake.
type RemoteSource interface {
	Head(ctx context.Context) (uint64, error)
	FetchRange(ctx context.Context, from, to uint64) ([]*chain.Event, error)
}

// MirrorSink receives a copy of every event the replica accepts, for
// read-side convenience (e.g. a Firestore-backed live dashboard). A
// mirror is never the source of truth: InsertLocal already committed the
// event to the replica's own verified store before any sink sees it.
type MirrorSink interface {
	OnEventAccepted(ctx context.Context, evt *chain.Event) error
}

// Gap describes a missing span in the replica's local chain.
type Gap struct {
	From uint64
	To   uint64
}

// Replica mirrors a remote event chain into a local, independently
// verified copy.
type Replica struct {
	local  *chain.Store
	remote RemoteSource
	sinks  []MirrorSink
}

// NewReplica constructs a Replica backed by local (its own KV-backed
// chain.Store, separate from the writer's store) and remote (the source
// it mirrors).
func NewReplica(local *chain.Store, remote RemoteSource) *Replica {
	return &Replica{local: local, remote: remote}
}

// AddSink registers a MirrorSink to receive every accepted event, in
// registration order.
func (r *Replica) AddSink(sink MirrorSink) {
	r.sinks = append(r.sinks, sink)
}

// Fetch retrieves [from, to] from the remote source without altering
// local state.
func (r *Replica) Fetch(ctx context.Context, from, to uint64) ([]*chain.Event, error) {
	return r.remote.FetchRange(ctx, from, to)
}

// InsertLocal verifies and appends a contiguous batch of events to the
// local chain. Events must be sorted ascending by sequence and must begin
// at the replica's current head+1; InsertLocal stops at the first event
// that fails verification and returns that error, leaving every event
// before it committed.
func (r *Replica) InsertLocal(ctx context.Context, events []*chain.Event) error {
	for _, evt := range events {
		if err := r.local.InsertVerified(evt); err != nil {
			return fmt.Errorf("observer: insert sequence %d: %w", evt.Sequence, err)
		}
		for _, sink := range r.sinks {
			if err := sink.OnEventAccepted(ctx, evt); err != nil {
				return fmt.Errorf("observer: mirror sink for sequence %d: %w", evt.Sequence, err)
			}
		}
	}
	return nil
}

// FindGaps compares the replica's local head against the remote head and
// reports the single gap between them, if any. The replica only ever
// trails the remote (it cannot verify events it hasn't fetched), so a gap
// is always [localHead+1, remoteHead].
func (r *Replica) FindGaps(ctx context.Context) ([]Gap, error) {
	localHead, _ := r.local.Head()
	remoteHead, err := r.remote.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("observer: query remote head: %w", err)
	}
	if remoteHead <= localHead {
		return nil, nil
	}
	return []Gap{{From: localHead + 1, To: remoteHead}}, nil
}

// FindSequenceGaps reports every missing run of consecutive sequences in
// [from, to] given a set of sequences known to be present. Unlike
// FindGaps (which only ever sees a single trailing gap between a
// replica's local and remote heads), this also catches gaps in the
// middle of an already-fetched range — the shape cmd/archon-verify's
// check-gaps needs when auditing an arbitrary span.
func FindSequenceGaps(from, to uint64, present map[uint64]bool) []Gap {
	var gaps []Gap
	var runStart uint64
	inRun := false
	for seq := from; seq <= to; seq++ {
		if present[seq] {
			if inRun {
				gaps = append(gaps, Gap{From: runStart, To: seq - 1})
				inRun = false
			}
			continue
		}
		if !inRun {
			runStart = seq
			inRun = true
		}
	}
	if inRun {
		gaps = append(gaps, Gap{From: runStart, To: to})
	}
	return gaps
}

// FillGaps fetches and verifies every event needed to bring the replica's
// local chain up to the remote head.
func (r *Replica) FillGaps(ctx context.Context) error {
	gaps, err := r.FindGaps(ctx)
	if err != nil {
		return err
	}
	for _, gap := range gaps {
		events, err := r.Fetch(ctx, gap.From, gap.To)
		if err != nil {
			return fmt.Errorf("observer: fetch gap [%d,%d]: %w", gap.From, gap.To, err)
		}
		if err := r.InsertLocal(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLocalChain re-derives hashes and signatures across the replica's
// entire local chain, independent of whatever verification happened at
// insert time.
func (r *Replica) VerifyLocalChain() (*chain.VerifyFailure, error) {
	head, _ := r.local.Head()
	if head == 0 {
		return nil, nil
	}
	return r.local.VerifyRange(1, head, [32]byte{})
}

// LocalHead returns the replica's current local chain head.
func (r *Replica) LocalHead() uint64 {
	head, _ := r.local.Head()
	return head
}
