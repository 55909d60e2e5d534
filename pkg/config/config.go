// Copyright 2025 Archon Governance Systems

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Archon observer/orchestrator
// service, read from environment variables per the teacher's own
// convention (Load/getEnv*/Validate).
type Config struct {
	// Identity
	AgentID   string
	WitnessID string

	// Signing key material
	Ed25519KeyPath string
	DataDir        string

	// BLS witness key (sig_alg_version=2, key rotation)
	BLSPrivateKeyPath string
	BLSEnabled        bool

	// Server
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Event store (embedded KV, see pkg/kvdb)
	ChainDataDir string

	// Database (validation-vote / task-state persistence)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Pipeline Bus (Redis Streams)
	RedisURL      string
	TopicSetPath  string
	ConsumerGroup string

	// Merkle Anchor cadence
	AnchorInterval      time.Duration
	AnchorMinEventCount int

	// Optional EVM checkpoint publication
	EVMEnabled     bool
	EVMURL         string
	EVMChainID     int64
	EVMPrivateKey  string
	EVMAnchorAddr  string

	// Optional Firestore mirror
	FirestoreEnabled        bool
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	// Observer remote replication source
	RemoteObserverURL string

	// Task Router
	RouterMaxAttempts          int
	RouterEscalateOnExhaustion bool
	RouterSelectionStrategy    string
	RouterActivationTimeout    time.Duration
	RouterToolSetPath          string

	// Validation Orchestrator retry budgets
	RetryBudgetDefault        int
	RetryBudgetWitnessRefused int

	// Deliberation
	DeliberatorURLs    []string
	DeliberatorTimeout time.Duration

	// Security
	RateLimitRequestsPerMinute int

	LogLevel string
}

// Load reads configuration from environment variables. Call Validate()
// afterward before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		AgentID:   getEnv("AGENT_ID", "archon-agent-default"),
		WitnessID: getEnv("WITNESS_ID", "archon-witness-default"),

		Ed25519KeyPath: getEnv("ED25519_KEY_PATH", ""),
		DataDir:        getEnv("DATA_DIR", "./data"),

		BLSPrivateKeyPath: getEnv("BLS_PRIVATE_KEY_PATH", ""),
		BLSEnabled:        getEnvBool("BLS_ENABLED", false),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		ChainDataDir: getEnv("CHAIN_DATA_DIR", "./data/chain"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", true),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "archon"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "archon"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		TopicSetPath:  getEnv("TOPIC_SET_PATH", ""),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "orchestrator"),

		AnchorInterval:      getEnvDuration("ANCHOR_INTERVAL", 5*time.Minute),
		AnchorMinEventCount: getEnvInt("ANCHOR_MIN_EVENT_COUNT", 1),

		EVMEnabled:    getEnvBool("EVM_ANCHOR_ENABLED", false),
		EVMURL:        getEnv("EVM_RPC_URL", ""),
		EVMChainID:    getEnvInt64("EVM_CHAIN_ID", 11155111),
		EVMPrivateKey: getEnv("EVM_PRIVATE_KEY", ""),
		EVMAnchorAddr: getEnv("EVM_ANCHOR_ADDRESS", ""),

		FirestoreEnabled:        getEnvBool("FIRESTORE_ENABLED", false),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		RemoteObserverURL: getEnv("REMOTE_OBSERVER_URL", ""),

		RouterMaxAttempts:          getEnvInt("ROUTER_MAX_ATTEMPTS", 3),
		RouterEscalateOnExhaustion: getEnvBool("ROUTER_ESCALATE_ON_EXHAUSTION", true),
		RouterSelectionStrategy:    getEnv("ROUTER_SELECTION_STRATEGY", "round_robin"),
		RouterActivationTimeout:    getEnvDuration("ROUTER_ACTIVATION_TIMEOUT", 5*time.Minute),
		RouterToolSetPath:          getEnv("ROUTER_TOOL_SET_PATH", ""),

		RetryBudgetDefault:        getEnvInt("RETRY_BUDGET_DEFAULT", 3),
		RetryBudgetWitnessRefused: getEnvInt("RETRY_BUDGET_WITNESS_REFUSED", 1),

		DeliberatorURLs:    splitNonEmpty(getEnv("DELIBERATOR_URLS", "")),
		DeliberatorTimeout: getEnvDuration("DELIBERATOR_TIMEOUT", 10*time.Second),

		RateLimitRequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 100),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present for a
// production deployment.
func (c *Config) Validate() error {
	var errors []string

	if c.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required but not set")
	}
	if c.Ed25519KeyPath == "" {
		errors = append(errors, "ED25519_KEY_PATH is required but not set")
	}
	if c.AgentID == "" {
		errors = append(errors, "AGENT_ID is required but not set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development: only AGENT_ID is checked, so the signing-key and database
// settings that Validate requires may be left unset.
func (c *Config) ValidateForDevelopment() error {
	if c.AgentID == "" {
		return fmt.Errorf("development configuration validation failed:\n  - AGENT_ID is required")
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
