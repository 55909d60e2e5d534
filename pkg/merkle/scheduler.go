// Copyright 2025 Archon Governance Systems
//
// Scheduler drives Anchor.BuildCheckpoint on a cadence. Adapted from
// pkg/anchor/scheduler.go's AnchorSchedulerService ticker/stop-channel
// loop, stripped of its pricing-tier and per-request queue machinery
// since the event chain batches unconditionally on a timer rather than
// per caller-submitted request.

package merkle

import (
	"context"
	"log"
	"sync"
	"time"
)

// SchedulerConfig controls checkpoint cadence.
type SchedulerConfig struct {
	// Interval is how often BuildCheckpoint is attempted.
	Interval time.Duration
	// MinBatch skips a tick if fewer than this many events have
	// accumulated since the last checkpoint, to avoid producing many
	// tiny checkpoints during quiet periods.
	MinBatch uint64
}

// DefaultSchedulerConfig matches the teacher's on-cadence defaults
// (pkg/anchor/scheduler.go's DefaultSchedulerConfig), scaled down from a
// 15-minute batch window to a cadence appropriate for a governance event
// rate rather than a multi-chain anchor-submission rate.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 30 * time.Second,
		MinBatch: 1,
	}
}

// Scheduler periodically checkpoints an Anchor.
type Scheduler struct {
	anchor *Anchor
	cfg    SchedulerConfig
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler constructs a Scheduler for anchor. A nil logger discards
// log output.
func NewScheduler(anchor *Anchor, cfg SchedulerConfig, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[merkle.Scheduler] ", log.LstdFlags)
	}
	return &Scheduler{anchor: anchor, cfg: cfg, logger: logger}
}

// Start begins the cadence loop in a background goroutine. Calling Start
// twice without an intervening Stop is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop halts the cadence loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	head, _ := s.anchor.store.Head()
	pending := head - s.anchor.LastCheckpointedSequence()
	if pending == 0 || pending < s.cfg.MinBatch {
		return
	}
	cp, err := s.anchor.BuildCheckpoint(ctx)
	if err != nil {
		s.logger.Printf("build checkpoint failed: %v", err)
		return
	}
	if cp != nil {
		s.logger.Printf("checkpoint %s covers sequences [%d,%d] root=%s", cp.CheckpointID, cp.FromSequence, cp.ToSequence, cp.MerkleRoot)
	}
}

var errSchedulerAlreadyRunning = schedulerError("merkle: scheduler already running")

type schedulerError string

func (e schedulerError) Error() string { return string(e) }
