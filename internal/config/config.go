// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	Port      int
	LogLevel  string
	LogPretty bool

	// Paper broker
	InitialCash float64
	FeeBps      float64
	SlippageBps float64

	// Risk filter thresholds (percentages, 0-100)
	MaxTradeNotionalPct  float64
	MaxSymbolExposurePct float64
	SoftDrawdownPct      float64
	HardDrawdownPct      float64

	// Timeouts
	UpstreamTimeout time.Duration
	LLMTimeout      time.Duration
	ShutdownGrace   time.Duration

	// Advisory model (OpenRouter)
	LLMEnabled       bool
	OpenRouterAPIKey string
	OpenRouterModel  string

	// Upstream credentials and endpoints
	FredAPIKey  string
	ETFFlowsURL string // empty leaves the ETF-flows source unconfigured

	// Notifications
	TelegramBotToken string
	TelegramChatID   string

	// Backups
	BackupEnabled     bool
	BackupInterval    time.Duration
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("PORT", 8090),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", true),

		InitialCash: getEnvAsFloat("INITIAL_CASH", 10000),
		FeeBps:      getEnvAsFloat("FEE_BPS", 10),
		SlippageBps: getEnvAsFloat("SLIPPAGE_BPS", 5),

		MaxTradeNotionalPct:  getEnvAsFloat("MAX_TRADE_NOTIONAL_PCT", 5),
		MaxSymbolExposurePct: getEnvAsFloat("MAX_SYMBOL_EXPOSURE_PCT", 25),
		SoftDrawdownPct:      getEnvAsFloat("SOFT_DRAWDOWN_PCT", 10),
		HardDrawdownPct:      getEnvAsFloat("HARD_DRAWDOWN_PCT", 20),

		UpstreamTimeout: time.Duration(getEnvAsInt("UPSTREAM_TIMEOUT_S", 10)) * time.Second,
		LLMTimeout:      time.Duration(getEnvAsInt("LLM_TIMEOUT_S", 15)) * time.Second,
		ShutdownGrace:   time.Duration(getEnvAsInt("SHUTDOWN_GRACE_S", 30)) * time.Second,

		LLMEnabled:       getEnvAsBool("LLM_ENABLED", false),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterModel:  getEnv("OPENROUTER_MODEL", "deepseek/deepseek-chat"),

		FredAPIKey:  getEnv("FRED_API_KEY", ""),
		ETFFlowsURL: getEnv("ETF_FLOWS_URL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		BackupEnabled:     getEnvAsBool("BACKUP_ENABLED", false),
		BackupInterval:    time.Duration(getEnvAsInt("BACKUP_INTERVAL_H", 24)) * time.Hour,
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.InitialCash <= 0 {
		return fmt.Errorf("INITIAL_CASH must be positive, got %v", c.InitialCash)
	}
	if c.FeeBps < 0 || c.SlippageBps < 0 {
		return fmt.Errorf("fee and slippage must be non-negative")
	}
	if c.SoftDrawdownPct >= c.HardDrawdownPct {
		return fmt.Errorf("SOFT_DRAWDOWN_PCT (%v) must be below HARD_DRAWDOWN_PCT (%v)",
			c.SoftDrawdownPct, c.HardDrawdownPct)
	}
	if c.BackupEnabled && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when BACKUP_ENABLED is set")
	}
	if c.LLMEnabled && c.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required when LLM_ENABLED is set")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
