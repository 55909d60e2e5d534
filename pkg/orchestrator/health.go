// Copyright 2025 Archon Governance Systems
//
// StallMonitor detects a stage consumer that has stopped making
// progress, adapted from pkg/consensus/health_monitor.go's block-stall
// detector: there the signal was "no new block for N seconds", here it
// is "no message consumed on this partition for N seconds".

package orchestrator

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// StallMonitor tracks last-activity time per (topic, partition) consumer
// and reports which ones have gone quiet longer than the configured
// threshold.
type StallMonitor struct {
	mu            sync.Mutex
	lastActivity  map[string]time.Time
	stallThreshold time.Duration
	logger        *log.Logger
}

// NewStallMonitor constructs a monitor with the given stall threshold.
func NewStallMonitor(threshold time.Duration, logger *log.Logger) *StallMonitor {
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[orchestrator.health] ", log.LstdFlags)
	}
	return &StallMonitor{
		lastActivity:   make(map[string]time.Time),
		stallThreshold: threshold,
		logger:         logger,
	}
}

func consumerKey(topic string, partition int) string {
	return fmt.Sprintf("%s#%d", topic, partition)
}

// Touch records activity for (topic, partition) at the current time.
func (m *StallMonitor) Touch(topic string, partition int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity[consumerKey(topic, partition)] = now
}

// Stalled reports every (topic, partition) consumer whose last recorded
// activity is older than the stall threshold relative to now.
func (m *StallMonitor) Stalled(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stalled []string
	for key, last := range m.lastActivity {
		if now.Sub(last) > m.stallThreshold {
			stalled = append(stalled, key)
		}
	}
	return stalled
}

// LogStalls logs a warning line for every currently stalled consumer.
func (m *StallMonitor) LogStalls(now time.Time) {
	for _, key := range m.Stalled(now) {
		m.logger.Printf("consumer %s has not progressed in over %s", key, m.stallThreshold)
	}
}
