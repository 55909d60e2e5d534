// Copyright 2025 Archon Governance Systems
//
// Bus is the Pipeline Bus (component C6): a durable, partitioned,
// per-topic log over Redis Streams. Each (topic, partition) pair is one
// stream key; FNV-1a over the partition key (vote_id throughout the
// pipeline) selects the partition so every message about one decision
// lands on the same stream and is therefore totally ordered relative to
// the others concerning that decision.
//
// Grounded in the wider example pack's direct go-redis dependency (no
// teacher file uses a message bus). Retention is applied only at produce
// time (see Produce); there is no background retention sweep.

package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimMinIdle is how long a message may sit claimed-but-unacked before
// Consume treats its original consumer as stalled and reclaims it via
// XAUTOCLAIM. Set comfortably above a single stage handler's expected
// processing time so a slow-but-alive consumer never loses its own
// in-flight message to another one. A var, not a const, so tests can
// shrink it rather than sleeping for the production value.
var ClaimMinIdle = 2 * time.Minute

// Message is one entry read back off a stream.
type Message struct {
	ID        string
	Topic     string
	Partition int
	Key       string
	Value     []byte
}

// Bus wraps a Redis client and a TopicSet, exposing topic-aware
// produce/consume operations.
type Bus struct {
	rdb    *redis.Client
	topics map[string]Topic
}

// New constructs a Bus over an already-configured redis.Client.
func New(rdb *redis.Client, topics TopicSet) *Bus {
	return &Bus{rdb: rdb, topics: topics.ByName()}
}

func partitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

func streamKey(topic string, partition int) string {
	return fmt.Sprintf("archon:%s:%d", topic, partition)
}

func compactKey(topic, key string) string {
	return fmt.Sprintf("archon:compact:%s:%s", topic, key)
}

// Produce appends value to the stream owned by (topic, partitionFor(key)).
// Delete-policy topics are trimmed approximately to a count derived from
// their configured retention at produce time via XADD's MAXLEN ~ option;
// compact-policy topics additionally update a side key holding the latest
// value per partitionKey, so a consumer asking "what is current" never
// has to replay the stream.
func (b *Bus) Produce(ctx context.Context, topic, partitionKey string, value []byte) (string, error) {
	t, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("bus: unknown topic %q", topic)
	}
	partition := partitionFor(partitionKey, t.Partitions)
	key := streamKey(topic, partition)

	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"key": partitionKey, "value": value},
	}
	if !t.Infinite {
		args.Approx = true
		args.MaxLen = retentionMaxLen(t)
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("bus: produce to %s: %w", key, err)
	}

	if t.CleanupPolicy == CleanupCompact {
		if err := b.rdb.Set(ctx, compactKey(topic, partitionKey), value, 0).Err(); err != nil {
			return id, fmt.Errorf("bus: update compacted state for %s/%s: %w", topic, partitionKey, err)
		}
	}

	return id, nil
}

// retentionMaxLen derives an XADD MAXLEN bound from a topic's configured
// retention window. This is a count-based approximation of a
// time-based policy: Redis Streams trim by count, not age, so the bus
// keeps enough recent entries to comfortably cover the window under
// expected pipeline throughput rather than tracking wall-clock age
// per-entry.
func retentionMaxLen(t Topic) int64 {
	const approxMessagesPerHour = 10_000
	hours := t.Retention.Hours()
	if hours <= 0 {
		hours = 24
	}
	return int64(hours * approxMessagesPerHour)
}

// Latest returns the most recently compacted value for key on topic, or
// nil if none has been produced. Only meaningful for compact-policy
// topics.
func (b *Bus) Latest(ctx context.Context, topic, key string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, compactKey(topic, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read compacted state for %s/%s: %w", topic, key, err)
	}
	return val, nil
}

// EnsureGroup creates consumer group `group` on every partition of topic
// starting from the beginning of the stream, tolerating BUSYGROUP when
// the group already exists.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	t, ok := b.topics[topic]
	if !ok {
		return fmt.Errorf("bus: unknown topic %q", topic)
	}
	for p := 0; p < t.Partitions; p++ {
		key := streamKey(topic, p)
		err := b.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("bus: create group %s on %s: %w", group, key, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Consume reads up to count pending-then-new messages for (topic,
// partition) under the named consumer group/consumer identity. It does
// not auto-acknowledge: callers ack explicitly via Ack once a message's
// effects are durably applied, per the spec's "idempotent, ack only
// after committing the transition" requirement.
//
// Before reading new entries, Consume reclaims any message in the
// group's pending entries list that has sat unacked for longer than
// ClaimMinIdle via XAUTOCLAIM, assigning it to this consumer. That
// covers a consumer that crashed or stalled mid-processing: its claimed
// message would otherwise never become visible again, since XREADGROUP's
// ">" id only ever returns messages no consumer has claimed yet.
func (b *Bus) Consume(ctx context.Context, topic string, partition int, group, consumer string, count int64) ([]Message, error) {
	key := streamKey(topic, partition)

	claimed, err := b.claimStale(ctx, topic, key, partition, group, consumer, count)
	if err != nil {
		return nil, err
	}
	if int64(len(claimed)) >= count {
		return claimed, nil
	}

	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count - int64(len(claimed)),
		Block:    -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return claimed, nil
		}
		return nil, fmt.Errorf("bus: consume %s: %w", key, err)
	}

	out := claimed
	for _, stream := range res {
		for _, entry := range stream.Messages {
			out = append(out, messageFromEntry(topic, partition, entry))
		}
	}
	return out, nil
}

// claimStale reassigns stale pending entries on key to consumer via
// XAUTOCLAIM, starting from the beginning of the pending entries list
// each call. This is a best-effort sweep, not an exhaustive one: a
// backlog of reclaimable entries larger than count takes multiple
// Consume calls to fully drain, which is acceptable since a live
// consumer keeps calling Consume on every poll loop iteration anyway.
func (b *Bus) claimStale(ctx context.Context, topic, key string, partition int, group, consumer string, count int64) ([]Message, error) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  ClaimMinIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: autoclaim %s: %w", key, err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		out = append(out, messageFromEntry(topic, partition, entry))
	}
	return out, nil
}

func messageFromEntry(topic string, partition int, entry redis.XMessage) Message {
	k, _ := entry.Values["key"].(string)
	v, _ := entry.Values["value"].(string)
	return Message{ID: entry.ID, Topic: topic, Partition: partition, Key: k, Value: []byte(v)}
}

// Ack acknowledges processed message ids for (topic, partition, group).
func (b *Bus) Ack(ctx context.Context, topic string, partition int, group string, ids ...string) error {
	key := streamKey(topic, partition)
	if err := b.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: ack %s: %w", key, err)
	}
	return nil
}

// PartitionCount returns the configured partition count for topic.
func (b *Bus) PartitionCount(topic string) (int, error) {
	t, ok := b.topics[topic]
	if !ok {
		return 0, fmt.Errorf("bus: unknown topic %q", topic)
	}
	return t.Partitions, nil
}
