package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, DefaultTopicSet()), mr
}

func TestPartitionForIsStableAndWithinRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("vote-%d", i)
		p1 := partitionFor(key, 6)
		p2 := partitionFor(key, 6)
		if p1 != p2 {
			t.Fatalf("partitionFor(%q) not stable: %d != %d", key, p1, p2)
		}
		if p1 < 0 || p1 >= 6 {
			t.Fatalf("partitionFor(%q) out of range: %d", key, p1)
		}
	}
}

func TestProduceAndConsumeRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "votes.cast", "validators"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	voteID := "vote-42"
	if _, err := b.Produce(ctx, "votes.cast", voteID, []byte("payload-1")); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	partition := partitionFor(voteID, 6)
	msgs, err := b.Consume(ctx, "votes.cast", partition, "validators", "consumer-1", 10)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Value) != "payload-1" {
		t.Fatalf("unexpected value %q", msgs[0].Value)
	}
	if msgs[0].Key != voteID {
		t.Fatalf("expected key %q, got %q", voteID, msgs[0].Key)
	}

	if err := b.Ack(ctx, "votes.cast", partition, "validators", msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestSameVoteIDAlwaysSamePartition(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	if err := b.EnsureGroup(ctx, "votes.cast", "validators"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	voteID := "vote-stable"
	for i := 0; i < 5; i++ {
		if _, err := b.Produce(ctx, "votes.cast", voteID, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Produce %d: %v", i, err)
		}
	}

	partition := partitionFor(voteID, 6)
	msgs, err := b.Consume(ctx, "votes.cast", partition, "validators", "consumer-1", 10)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected all 5 messages on the same partition, got %d", len(msgs))
	}
}

func TestCompactTopicTracksLatestValue(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	voteID := "vote-7"
	if _, err := b.Produce(ctx, "votes.validated", voteID, []byte("VALIDATED")); err != nil {
		t.Fatalf("Produce 1: %v", err)
	}
	if _, err := b.Produce(ctx, "votes.validated", voteID, []byte("OVERRIDDEN")); err != nil {
		t.Fatalf("Produce 2: %v", err)
	}

	latest, err := b.Latest(ctx, "votes.validated", voteID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if string(latest) != "OVERRIDDEN" {
		t.Fatalf("expected latest compacted value OVERRIDDEN, got %q", latest)
	}
}

func TestConsumeReclaimsStalledConsumersMessage(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	prev := ClaimMinIdle
	ClaimMinIdle = time.Millisecond
	t.Cleanup(func() { ClaimMinIdle = prev })

	if err := b.EnsureGroup(ctx, "votes.cast", "validators"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	voteID := "vote-stalled"
	if _, err := b.Produce(ctx, "votes.cast", voteID, []byte("payload")); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	partition := partitionFor(voteID, 6)

	// consumer-1 reads the message and then crashes without acking.
	msgs, err := b.Consume(ctx, "votes.cast", partition, "validators", "consumer-1", 10)
	if err != nil {
		t.Fatalf("Consume by consumer-1: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	time.Sleep(5 * time.Millisecond)

	// consumer-2 polls the same partition and should reclaim the
	// abandoned, still-unacked message rather than seeing nothing.
	reclaimed, err := b.Consume(ctx, "votes.cast", partition, "validators", "consumer-2", 10)
	if err != nil {
		t.Fatalf("Consume by consumer-2: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected consumer-2 to reclaim 1 stalled message, got %d", len(reclaimed))
	}
	if reclaimed[0].ID != msgs[0].ID {
		t.Fatalf("expected reclaimed message id %q, got %q", msgs[0].ID, reclaimed[0].ID)
	}

	if err := b.Ack(ctx, "votes.cast", partition, "validators", reclaimed[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestProduceUnknownTopicFails(t *testing.T) {
	b, _ := newTestBus(t)
	_, err := b.Produce(context.Background(), "votes.nonexistent", "vote-1", []byte("x"))
	if err == nil {
		t.Fatal("expected error for unknown topic")
	}
}
