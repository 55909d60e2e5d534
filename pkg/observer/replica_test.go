package observer

import (
	"context"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/archon-systems/archon/pkg/canon"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/crypto/signer"
)

// fakeWitness co-attests with its own Ed25519 key, standing in for a
// networked witness service in tests.
type fakeWitness struct {
	id string
	s  *signer.Ed25519Signer
}

func (w *fakeWitness) WitnessID() string { return w.id }

func (w *fakeWitness) CoAttest(ctx context.Context, signable []byte) (signer.Scheme, int, []byte, []byte, error) {
	sig, err := w.s.Sign(signable)
	if err != nil {
		return "", 0, nil, nil, err
	}
	return w.s.Scheme(), w.s.Version(), w.s.PublicKey(), sig, nil
}

// writerSource wraps a chain.Store acting as the authoritative writer so it
// can serve as the RemoteSource a Replica mirrors in tests.
type writerSource struct {
	store *chain.Store
}

func (w *writerSource) Head(ctx context.Context) (uint64, error) {
	head, _ := w.store.Head()
	return head, nil
}

func (w *writerSource) FetchRange(ctx context.Context, from, to uint64) ([]*chain.Event, error) {
	return w.store.Range(from, to)
}

// recordingSink collects every event the replica accepts, for assertions.
type recordingSink struct {
	events []*chain.Event
}

func (s *recordingSink) OnEventAccepted(ctx context.Context, evt *chain.Event) error {
	s.events = append(s.events, evt)
	return nil
}

func newWriterStore(t *testing.T, n int) (*chain.Store, *signer.Ed25519Signer, *fakeWitness) {
	t.Helper()
	store, err := chain.NewStore(chain.NewKVAdapter(dbm.NewMemDB()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	agent, err := signer.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	witnessSigner, err := signer.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	witness := &fakeWitness{id: "witness-1", s: witnessSigner}

	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), chain.AppendInput{
			EventType: "vote.cast",
			Payload:   canon.Object(map[string]canon.Value{"n": canon.Int(int64(i))}),
			AgentID:   "agent-1",
			Agent:     agent,
			Witness:   witness,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return store, agent, witness
}

func newEmptyStore(t *testing.T) *chain.Store {
	t.Helper()
	store, err := chain.NewStore(chain.NewKVAdapter(dbm.NewMemDB()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestReplicaFindGapsEmptyLocalAgainstPopulatedRemote(t *testing.T) {
	writer, _, _ := newWriterStore(t, 10)
	local := newEmptyStore(t)
	replica := NewReplica(local, &writerSource{store: writer})

	gaps, err := replica.FindGaps(context.Background())
	if err != nil {
		t.Fatalf("FindGaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0] != (Gap{From: 1, To: 10}) {
		t.Fatalf("expected a single gap [1,10], got %+v", gaps)
	}
}

func TestReplicaFillGapsCatchesUpAndVerifies(t *testing.T) {
	writer, _, _ := newWriterStore(t, 25)
	local := newEmptyStore(t)
	replica := NewReplica(local, &writerSource{store: writer})
	sink := &recordingSink{}
	replica.AddSink(sink)

	if err := replica.FillGaps(context.Background()); err != nil {
		t.Fatalf("FillGaps: %v", err)
	}

	if replica.LocalHead() != 25 {
		t.Fatalf("expected local head 25, got %d", replica.LocalHead())
	}
	if len(sink.events) != 25 {
		t.Fatalf("expected sink to observe 25 events, got %d", len(sink.events))
	}

	failure, err := replica.VerifyLocalChain()
	if err != nil {
		t.Fatalf("VerifyLocalChain: %v", err)
	}
	if failure != nil {
		t.Fatalf("unexpected verify failure after fill: %+v", failure)
	}

	gaps, err := replica.FindGaps(context.Background())
	if err != nil {
		t.Fatalf("FindGaps after fill: %v", err)
	}
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps after catching up, got %+v", gaps)
	}
}

func TestReplicaFillGapsIncremental(t *testing.T) {
	writer, agent, witness := newWriterStore(t, 5)
	local := newEmptyStore(t)
	replica := NewReplica(local, &writerSource{store: writer})

	if err := replica.FillGaps(context.Background()); err != nil {
		t.Fatalf("FillGaps first pass: %v", err)
	}
	if replica.LocalHead() != 5 {
		t.Fatalf("expected local head 5 after first pass, got %d", replica.LocalHead())
	}

	for i := 0; i < 3; i++ {
		_, err := writer.Append(context.Background(), chain.AppendInput{
			EventType: "vote.cast",
			Payload:   canon.Object(map[string]canon.Value{"n": canon.Int(int64(100 + i))}),
			AgentID:   "agent-1",
			Agent:     agent,
			Witness:   witness,
		})
		if err != nil {
			t.Fatalf("append more to writer: %v", err)
		}
	}

	if err := replica.FillGaps(context.Background()); err != nil {
		t.Fatalf("FillGaps second pass: %v", err)
	}
	if replica.LocalHead() != 8 {
		t.Fatalf("expected local head 8 after second pass, got %d", replica.LocalHead())
	}
}

func TestReplicaInsertLocalRejectsTamperedEvent(t *testing.T) {
	writer, _, _ := newWriterStore(t, 3)
	local := newEmptyStore(t)
	replica := NewReplica(local, &writerSource{store: writer})

	events, err := replica.Fetch(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	events[1].Payload = canon.Object(map[string]canon.Value{"n": canon.Int(999)})

	if err := replica.InsertLocal(context.Background(), events); err == nil {
		t.Fatal("expected InsertLocal to reject a tampered event")
	}
	if replica.LocalHead() != 1 {
		t.Fatalf("expected local head to stop at 1 (last good event), got %d", replica.LocalHead())
	}
}
