// Copyright 2025 Archon Governance Systems
//
// Topic configuration for the Pipeline Bus (component C6), loaded from
// YAML following pkg/config/anchor_config.go's pattern (struct tags +
// os.ReadFile + yaml.Unmarshal). No ${VAR} substitution is applied to the
// file's contents.

package bus

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CleanupPolicy is a topic's retention strategy.
type CleanupPolicy string

const (
	CleanupDelete  CleanupPolicy = "delete"
	CleanupCompact CleanupPolicy = "compact"
)

// Topic describes one stage of the validation pipeline.
type Topic struct {
	Name              string        `yaml:"name"`
	Partitions        int           `yaml:"partitions"`
	Retention         time.Duration `yaml:"retention"`
	Infinite          bool          `yaml:"infinite"`
	CleanupPolicy     CleanupPolicy `yaml:"cleanup_policy"`
	ReplicationFactor int           `yaml:"replication_factor"`
}

// TopicSet is the full pipeline topic table, keyed by name for lookup.
type TopicSet struct {
	Topics []Topic `yaml:"topics"`
}

// ByName indexes TopicSet by topic name.
func (ts TopicSet) ByName() map[string]Topic {
	out := make(map[string]Topic, len(ts.Topics))
	for _, t := range ts.Topics {
		out[t.Name] = t
	}
	return out
}

// LoadTopicSet reads a YAML topic table from path.
func LoadTopicSet(path string) (TopicSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TopicSet{}, fmt.Errorf("bus: read topic config %s: %w", path, err)
	}
	var ts TopicSet
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return TopicSet{}, fmt.Errorf("bus: parse topic config %s: %w", path, err)
	}
	return ts, nil
}

// DefaultTopicSet is the validation pipeline table: vote-scoped stage
// topics at 6 partitions, the compacted latest-state topic, the override
// and dead-letter topics, each partitioned to match the stage it feeds.
//
// The per-validator fan-out stage (spec's "votes.validation-requests")
// is deliberately not a topic here: Orchestrator.handlePending calls
// every registered Deliberator in-process and republishes each one's
// result straight onto votes.deliberation-results. Routing that fan-out
// through its own topic would need per-(vote_id, deliberator) dedup
// keying; MarkStageProcessed's (vote_id, stage) idempotency key can only
// dedup one message per vote per stage, so a real per-validator topic
// would collapse every deliberator's request for the same vote into a
// single processed-or-not flag. Until that idempotency model grows a
// third key component, deliberation stays an in-process fan-out rather
// than a bus stage.
func DefaultTopicSet() TopicSet {
	day := 24 * time.Hour
	return TopicSet{Topics: []Topic{
		{Name: "votes.cast", Partitions: 6, Retention: 7 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.validation-started", Partitions: 6, Retention: 7 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.pending-validation", Partitions: 6, Retention: 7 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.deliberation-results", Partitions: 6, Retention: 30 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.validation-results", Partitions: 6, Retention: 30 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.witness-requests", Partitions: 3, Retention: 7 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.witness.events", Partitions: 3, Infinite: true, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.adjudication-results", Partitions: 6, Retention: 30 * day, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.validated", Partitions: 6, Retention: 90 * day, CleanupPolicy: CleanupCompact, ReplicationFactor: 3},
		{Name: "votes.overrides", Partitions: 6, Infinite: true, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
		{Name: "votes.dead-letter", Partitions: 6, Infinite: true, CleanupPolicy: CleanupDelete, ReplicationFactor: 3},
	}}
}
