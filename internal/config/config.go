// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/robomoustach/trustoracle/internal/scoring"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	PrivateKey        string // Updater signer key, hex, 0x prefix optional
	TrustScoreAddress string
	RegistryAddress   string

	// Indexer settings
	StartBlock     uint64
	MaxBatchSize   int
	PollInterval   time.Duration
	CheckpointPath string

	// Trust client settings
	BaseURL              string
	DefaultMode          string // "api_paid", "api_demo", "trustscore_contract"
	AllowDemoFallback    bool
	AllowOnchainFallback bool
	QueryTimeout         time.Duration
	DisableNoHistoryMask bool

	// Payment settings
	MaxPaymentAtomic int64  // x402 cap in USDC atomic units
	USDCContract     string // settlement token for paid lookups
	ScorePrice       string // USDC price of GET /score/:agentId
	ReportPrice      string // USDC price of GET /report/:agentId

	// Scoring knobs
	Scoring scoring.Config

	// Security
	RateLimitRPS int
}

// Base mainnet defaults
const (
	DefaultRPCURL      = "https://mainnet.base.org"
	DefaultChainID     = 8453 // Base mainnet
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultBaseURL     = "https://robomoustach.io"
	DefaultMode        = "api_paid"
	DefaultTimeoutMs   = 8000
	DefaultPollMs      = 900000 // 15 minutes
	DefaultMaxBatch    = 100
	DefaultMaxPayment  = 20000                                        // 0.02 USDC
	DefaultUSDC        = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" // Base mainnet
	DefaultScorePrice  = "0.005"
	DefaultReportPrice = "0.01"
	DefaultRateLimit   = 100
	DefaultCheckpoint  = "checkpoint.json"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	defaults := scoring.DefaultConfig()
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		TrustScoreAddress: os.Getenv("TRUSTSCORE_ADDRESS"),
		RegistryAddress:   os.Getenv("REGISTRY_ADDRESS"),

		StartBlock:     uint64(getEnvInt64("START_BLOCK", 0)),
		MaxBatchSize:   int(getEnvInt64("MAX_BATCH_SIZE", DefaultMaxBatch)),
		PollInterval:   time.Duration(getEnvInt64("POLL_INTERVAL_MS", DefaultPollMs)) * time.Millisecond,
		CheckpointPath: getEnv("CHECKPOINT_PATH", DefaultCheckpoint),

		BaseURL:              getEnv("BASE_URL", DefaultBaseURL),
		DefaultMode:          getEnv("DEFAULT_MODE", DefaultMode),
		AllowDemoFallback:    getEnvBool("ALLOW_DEMO_FALLBACK", true),
		AllowOnchainFallback: getEnvBool("ALLOW_ONCHAIN_FALLBACK", true),
		QueryTimeout:         time.Duration(getEnvInt64("TIMEOUT_MS", DefaultTimeoutMs)) * time.Millisecond,
		DisableNoHistoryMask: getEnvBool("DISABLE_NO_HISTORY_MASK", false),

		MaxPaymentAtomic: getEnvInt64("X402_MAX_PAYMENT_ATOMIC", DefaultMaxPayment),
		USDCContract:     getEnv("USDC_CONTRACT", DefaultUSDC),
		ScorePrice:       getEnv("SCORE_PRICE_USDC", DefaultScorePrice),
		ReportPrice:      getEnv("REPORT_PRICE_USDC", DefaultReportPrice),

		Scoring: scoring.Config{
			DecayWindowDays:                  getEnvFloat("DECAY_WINDOW_DAYS", defaults.DecayWindowDays),
			RecentFeedbackWeight:             getEnvFloat("RECENT_FEEDBACK_WEIGHT", defaults.RecentFeedbackWeight),
			OlderFeedbackWeight:              getEnvFloat("OLDER_FEEDBACK_WEIGHT", defaults.OlderFeedbackWeight),
			ConfidenceThresholdFeedbackCount: int(getEnvInt64("CONFIDENCE_THRESHOLD_FEEDBACK_COUNT", int64(defaults.ConfidenceThresholdFeedbackCount))),
			ConfidenceMultiplier:             getEnvFloat("CONFIDENCE_MULTIPLIER", defaults.ConfidenceMultiplier),
			RecentNegativeWindowDays:         getEnvFloat("RECENT_NEGATIVE_WINDOW_DAYS", defaults.RecentNegativeWindowDays),
			NegativeFlagThresholdBps:         int(getEnvInt64("NEGATIVE_FLAG_THRESHOLD_BPS", int64(defaults.NegativeFlagThresholdBps))),
			FlaggedScoreMultiplier:           getEnvFloat("FLAGGED_SCORE_MULTIPLIER", defaults.FlaggedScoreMultiplier),
			MaxScore:                         int(getEnvInt64("MAX_SCORE", int64(defaults.MaxScore))),
		},

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration every binary needs
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}
	switch c.DefaultMode {
	case "api_paid", "api_demo", "trustscore_contract":
	default:
		return fmt.Errorf("DEFAULT_MODE must be api_paid, api_demo, or trustscore_contract")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("TIMEOUT_MS must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	return nil
}

// ValidateIndexer checks the additional configuration the indexer needs
func (c *Config) ValidateIndexer() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.TrustScoreAddress == "" {
		return fmt.Errorf("TRUSTSCORE_ADDRESS is required")
	}
	if c.RegistryAddress == "" {
		return fmt.Errorf("REGISTRY_ADDRESS is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv returns the environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64 returns the environment variable as int64 or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
