// Copyright 2025 Archon Governance Systems

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/archon-systems/archon/pkg/bus"
	"github.com/archon-systems/archon/pkg/chain"
	"github.com/archon-systems/archon/pkg/config"
	"github.com/archon-systems/archon/pkg/crypto/bls"
	"github.com/archon-systems/archon/pkg/crypto/signer"
	"github.com/archon-systems/archon/pkg/database"
	"github.com/archon-systems/archon/pkg/kvdb"
	"github.com/archon-systems/archon/pkg/merkle"
	"github.com/archon-systems/archon/pkg/observer"
	"github.com/archon-systems/archon/pkg/orchestrator"
	"github.com/archon-systems/archon/pkg/router"
	"github.com/archon-systems/archon/pkg/server"
)

// HealthStatus tracks the health of the observer's dependencies for the
// /health endpoint, following the teacher's SetXxx/updateOverallStatus
// pattern of explicit, independently-settable component fields rather
// than one opaque boolean.
type HealthStatus struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	Bus           string `json:"bus"`
	Anchor        string `json:"anchor"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	startTime     time.Time
	mu            sync.RWMutex
}

var healthStatus = &HealthStatus{
	Status:    "starting",
	Database:  "unknown",
	Bus:       "unknown",
	Anchor:    "unknown",
	startTime: time.Now(),
}

func (h *HealthStatus) SetDatabase(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Database = status
	h.updateOverallStatus()
}

func (h *HealthStatus) SetBus(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Bus = status
	h.updateOverallStatus()
}

func (h *HealthStatus) SetAnchor(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Anchor = status
	h.updateOverallStatus()
}

// updateOverallStatus must be called with h.mu held.
func (h *HealthStatus) updateOverallStatus() {
	if h.Database == "disconnected" || h.Bus == "disconnected" {
		h.Status = "degraded"
		return
	}
	if h.Database == "connected" && h.Bus == "connected" {
		h.Status = "ok"
		return
	}
	h.Status = "starting"
}

func (h *HealthStatus) snapshot() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := *h
	out.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	return out
}

func printHelp() {
	fmt.Println("Archon Observer/Orchestrator Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  archon [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --agent-id=ID    Agent identity (overrides AGENT_ID env var)")
	fmt.Println("  --dev            Relax validation for local development")
	fmt.Println("  --help           Show this help message")
}

// loadEd25519Key reads a hex-encoded 64-byte Ed25519 private key from
// path, generating and persisting a fresh one if the file does not yet
// exist — mirroring pkg/crypto/bls.KeyManager.LoadOrGenerateKey's
// load-or-create idiom.
func loadEd25519Key(path string) (*signer.Ed25519Signer, error) {
	if path == "" {
		return signer.NewEd25519Signer()
	}
	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ed25519 key %s: %w", path, err)
		}
		keyBytes, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode ed25519 key %s: %w", path, err)
		}
		return signer.NewEd25519SignerFromPrivateKey(ed25519.PrivateKey(keyBytes))
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return nil, fmt.Errorf("write ed25519 key %s: %w", path, err)
	}
	return signer.NewEd25519SignerFromPrivateKey(priv)
}

func writeHealthJSON(w http.ResponseWriter, snap HealthStatus) error {
	return json.NewEncoder(w).Encode(snap)
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting archon observer/orchestrator service")

	var (
		agentID  = flag.String("agent-id", "", "Agent ID (overrides AGENT_ID env var)")
		dev      = flag.Bool("dev", false, "Relax configuration validation for local development")
		showHelp = flag.Bool("help", false, "Show this help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}

	if *dev {
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("configuration invalid: %v", err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("configuration invalid: %v", err)
		}
	}

	// --- Crypto Primitives (C2): agent signing identity, optional BLS witness key ---
	agentSigner, err := loadEd25519Key(cfg.Ed25519KeyPath)
	if err != nil {
		log.Fatalf("failed to load agent signing key: %v", err)
	}

	var witness chain.WitnessClient
	if cfg.BLSEnabled {
		km := bls.NewKeyManager(cfg.BLSPrivateKeyPath)
		if err := km.LoadOrGenerateKey(); err != nil {
			log.Fatalf("failed to load BLS witness key: %v", err)
		}
		blsSigner, err := signer.NewBLSSignerFromPrivateKeyBytes(km.GetPrivateKeyBytes())
		if err != nil {
			log.Fatalf("failed to construct BLS witness signer: %v", err)
		}
		witness = chain.NewLocalWitness(cfg.WitnessID, blsSigner)
	} else {
		witnessSigner, err := signer.NewEd25519Signer()
		if err != nil {
			log.Fatalf("failed to construct witness signer: %v", err)
		}
		witness = chain.NewLocalWitness(cfg.WitnessID, witnessSigner)
	}

	// --- Event Store (C3) ---
	if err := os.MkdirAll(cfg.ChainDataDir, 0o700); err != nil {
		log.Fatalf("failed to create chain data directory: %v", err)
	}
	chainDB, err := dbm.NewGoLevelDB("events", cfg.ChainDataDir)
	if err != nil {
		log.Fatalf("failed to open event chain database: %v", err)
	}
	store, err := chain.NewStore(chain.NewKVAdapter(chainDB))
	if err != nil {
		log.Fatalf("failed to initialize event store: %v", err)
	}

	// --- Merkle Anchor (C4), checkpoint index kept in a separate KV per NewAnchor's contract ---
	anchorDataDir := filepath.Join(cfg.ChainDataDir, "anchor")
	if err := os.MkdirAll(anchorDataDir, 0o700); err != nil {
		log.Fatalf("failed to create anchor data directory: %v", err)
	}
	anchorDB, err := dbm.NewGoLevelDB("checkpoints", anchorDataDir)
	if err != nil {
		log.Fatalf("failed to open checkpoint index database: %v", err)
	}
	anchor, err := merkle.NewAnchor(store, kvdb.NewKVAdapter(anchorDB))
	if err != nil {
		log.Fatalf("failed to initialize merkle anchor: %v", err)
	}
	healthStatus.SetAnchor("active")

	scheduler := merkle.NewScheduler(anchor, merkle.SchedulerConfig{
		Interval: cfg.AnchorInterval,
		MinBatch: uint64(cfg.AnchorMinEventCount),
	}, log.New(log.Writer(), "[merkle.Scheduler] ", log.LstdFlags))

	var evmPublisher *merkle.EVMPublisher
	if cfg.EVMEnabled {
		evmPublisher, err = merkle.NewEVMPublisher(cfg.EVMURL, cfg.EVMChainID, cfg.EVMPrivateKey, common.HexToAddress(cfg.EVMAnchorAddr))
		if err != nil {
			log.Printf("warning: EVM checkpoint publication disabled, failed to initialize: %v", err)
			evmPublisher = nil
		} else {
			defer evmPublisher.Close()
			log.Printf("EVM checkpoint publication enabled: chain %d, contract %s", cfg.EVMChainID, cfg.EVMAnchorAddr)
		}
	}

	// --- Observer Replica (C5), optional remote mirroring + Firestore sink ---
	var replica *observer.Replica
	if cfg.RemoteObserverURL != "" {
		replicaDataDir := filepath.Join(cfg.ChainDataDir, "replica")
		if err := os.MkdirAll(replicaDataDir, 0o700); err != nil {
			log.Fatalf("failed to create replica data directory: %v", err)
		}
		replicaDB, err := dbm.NewGoLevelDB("replica", replicaDataDir)
		if err != nil {
			log.Fatalf("failed to open replica database: %v", err)
		}
		replicaStore, err := chain.NewStore(chain.NewKVAdapter(replicaDB))
		if err != nil {
			log.Fatalf("failed to initialize replica store: %v", err)
		}
		remote := observer.NewHTTPRemoteSource(cfg.RemoteObserverURL, 30*time.Second)
		replica = observer.NewReplica(replicaStore, remote)

		if cfg.FirestoreEnabled {
			mirror, err := observer.NewFirestoreMirror(context.Background(), observer.FirestoreMirrorConfig{
				ProjectID:       cfg.FirebaseProjectID,
				CredentialsFile: cfg.FirebaseCredentialsFile,
				Collection:      "archon_events",
				Enabled:         true,
				Logger:          log.New(log.Writer(), "[observer.Firestore] ", log.LstdFlags),
			})
			if err != nil {
				log.Printf("warning: Firestore mirror disabled, failed to initialize: %v", err)
			} else {
				replica.AddSink(mirror)
				log.Printf("Firestore mirror enabled for replica sink")
			}
		}
	}

	// --- Pipeline Bus (C6) ---
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("warning: Redis unreachable at startup: %v", err)
		healthStatus.SetBus("disconnected")
	} else {
		healthStatus.SetBus("connected")
	}

	topics := bus.DefaultTopicSet()
	if cfg.TopicSetPath != "" {
		topics, err = bus.LoadTopicSet(cfg.TopicSetPath)
		if err != nil {
			log.Fatalf("failed to load topic set from %s: %v", cfg.TopicSetPath, err)
		}
	}
	pipelineBus := bus.New(rdb, topics)

	// --- Database (C7/C8 persistence) ---
	var dbClient *database.Client
	var votes *database.VoteRepository
	var tasks *database.TaskRepository
	if cfg.DatabaseURL != "" {
		dbClient, err = database.NewClient(cfg, database.WithLogger(log.New(log.Writer(), "[database] ", log.LstdFlags)))
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("database connection required but failed: %v", err)
			}
			log.Printf("warning: database connection failed, running degraded: %v", err)
			healthStatus.SetDatabase("disconnected")
		} else {
			if err := dbClient.MigrateUp(context.Background()); err != nil {
				log.Printf("warning: database migration failed: %v", err)
			}
			votes = database.NewVoteRepository(dbClient)
			tasks = database.NewTaskRepository(dbClient)
			healthStatus.SetDatabase("connected")
		}
	} else if cfg.DatabaseRequired {
		log.Fatalf("DATABASE_URL is required but not set")
	}

	// --- Validation Orchestrator (C7) ---
	var orch *orchestrator.Orchestrator
	if votes != nil {
		var deliberators []orchestrator.Deliberator
		for i, url := range cfg.DeliberatorURLs {
			deliberators = append(deliberators, orchestrator.NewHTTPDeliberator(
				fmt.Sprintf("deliberator-%d", i+1), url, cfg.DeliberatorTimeout))
		}
		orch = orchestrator.New(pipelineBus, store, votes, deliberators, orchestrator.MajorityAdjudicator{},
			cfg.AgentID, agentSigner, witness, orchestrator.Config{
				ConsumerGroup:      cfg.ConsumerGroup,
				DefaultRetryBudget: cfg.RetryBudgetDefault,
				RetryBudget: map[string]int{
					"witness_refused": cfg.RetryBudgetWitnessRefused,
				},
			})
	} else {
		log.Printf("warning: validation orchestrator disabled, no database connection")
	}

	// --- Task Router (C8) ---
	var taskRouter *router.Router
	var taskSweeper *router.Sweeper
	if tasks != nil {
		registry := router.NewRegistry()
		if cfg.RouterToolSetPath != "" {
			registry, err = router.LoadRegistry(cfg.RouterToolSetPath)
			if err != nil {
				log.Fatalf("failed to load router tool set from %s: %v", cfg.RouterToolSetPath, err)
			}
		}
		taskRouter = router.New(tasks, registry, store, cfg.AgentID, agentSigner, witness)
		taskSweeper = router.NewSweeper(taskRouter, router.DefaultSweeperConfig(),
			log.New(log.Writer(), "[router.Sweeper] ", log.LstdFlags))
	} else {
		log.Printf("warning: task router disabled, no database connection")
	}

	// --- Read API (server) ---
	eventsHandlers := server.NewEventsHandlers(store, anchor, cfg.AgentID, agentSigner,
		server.NewRateLimiter(cfg.RateLimitRequestsPerMinute), log.New(log.Writer(), "[server] ", log.LstdFlags))

	mux := http.NewServeMux()
	eventsHandlers.RegisterRoutes(mux)
	if taskRouter != nil {
		taskHandlers := server.NewTaskHandlers(taskRouter,
			server.NewRateLimiter(cfg.RateLimitRequestsPerMinute), log.New(log.Writer(), "[server.tasks] ", log.LstdFlags))
		taskHandlers.RegisterRoutes(mux)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := healthStatus.snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snap.Status == "error" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = writeHealthJSON(w, snap)
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())

	if orch != nil {
		go func() {
			if err := orch.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("orchestrator stopped: %v", err)
			}
		}()
	}

	if err := scheduler.Start(ctx); err != nil {
		log.Printf("warning: checkpoint scheduler failed to start: %v", err)
	}

	if evmPublisher != nil {
		go func() {
			ticker := time.NewTicker(cfg.AnchorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					seq := anchor.LastCheckpointedSequence()
					if seq == 0 {
						continue
					}
					cp, err := anchor.CheckpointCovering(seq)
					if err != nil {
						continue
					}
					if txHash, err := evmPublisher.PublishCheckpoint(ctx, cp); err != nil {
						log.Printf("warning: EVM checkpoint publication failed: %v", err)
					} else {
						log.Printf("published checkpoint %s to EVM, tx %s", cp.CheckpointID, txHash)
					}
				}
			}
		}()
	}

	if taskSweeper != nil {
		if err := taskSweeper.Start(ctx); err != nil {
			log.Printf("warning: task router sweeper failed to start: %v", err)
		}
	}

	if replica != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := replica.FindGaps(ctx); err != nil {
						log.Printf("replica gap scan failed: %v", err)
						continue
					}
					if err := replica.FillGaps(ctx); err != nil {
						log.Printf("replica gap fill failed: %v", err)
					}
				}
			}
		}()
	}

	go func() {
		log.Printf("read API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down archon observer/orchestrator service")
	cancel()
	scheduler.Stop()
	if taskSweeper != nil {
		taskSweeper.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if dbClient != nil {
		if err := dbClient.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	if err := chainDB.Close(); err != nil {
		log.Printf("chain database close error: %v", err)
	}
	if err := anchorDB.Close(); err != nil {
		log.Printf("anchor database close error: %v", err)
	}

	log.Printf("archon observer/orchestrator service stopped")
}
