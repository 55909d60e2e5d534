// Copyright 2025 Archon Governance Systems
//
// Sweeper drives Router.SweepExpired on a cadence, the same
// ticker/stop-channel/done-channel shape pkg/merkle/scheduler.go uses for
// checkpoint cadence. Without it a TAR whose response_deadline elapses
// would sit in ACTIVATION_SENT forever: nothing else in the running
// service ever calls Timeout/Reroute on its behalf.

package router

import (
	"context"
	"log"
	"sync"
	"time"
)

// SweeperConfig controls the TAR-deadline sweep cadence.
type SweeperConfig struct {
	// Interval is how often expired activations are searched for.
	Interval time.Duration
	// Policy governs the Reroute that follows every Timeout the sweep
	// triggers.
	Policy ReroutePolicy
}

// DefaultSweeperConfig checks for expired TARs twice a minute, well under
// Router's 5-minute ActivationTimeout.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 30 * time.Second,
		Policy: ReroutePolicy{
			MaxAttempts:          3,
			EscalateOnExhaustion: true,
			Strategy:             StrategyRoundRobin,
		},
	}
}

// Sweeper periodically times out and reroutes tasks whose TAR response
// deadline has passed.
type Sweeper struct {
	router *Router
	cfg    SweeperConfig
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper constructs a Sweeper for router. A nil logger discards log
// output.
func NewSweeper(router *Router, cfg SweeperConfig, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(log.Writer(), "[router.Sweeper] ", log.LstdFlags)
	}
	return &Sweeper{router: router, cfg: cfg, logger: logger}
}

// Start begins the sweep loop in a background goroutine. Calling Start
// twice without an intervening Stop is an error.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errSweeperAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
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

func (s *Sweeper) loop(ctx context.Context) {
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

func (s *Sweeper) tick(ctx context.Context) {
	failures := s.router.SweepExpired(ctx, s.cfg.Policy)
	for taskID, err := range failures {
		if taskID == "" {
			s.logger.Printf("sweep failed: %v", err)
			continue
		}
		s.logger.Printf("sweep task %s failed: %v", taskID, err)
	}
}

var errSweeperAlreadyRunning = sweeperError("router: sweeper already running")

type sweeperError string

func (e sweeperError) Error() string { return string(e) }
