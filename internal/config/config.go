// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (.env file via
// godotenv) and may be overridden from the settings table of the
// authoritative database. Settings-table values take precedence over
// environment variables, the same layering the teacher project uses
// for broker credentials.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration recognized per spec §6.
type Config struct {
	DBDSN string // Authoritative relational DB connection

	SECUserAgent         string // Required descriptive UA for EDGAR
	SECMinIntervalSeconds int   // Minimum interval between SEC requests

	EODHDAPIKey  string // Vendor price/fundamentals/news
	EODHDBaseURL string

	BenchmarkSymbol string // Default S&P proxy

	MarketCapMaxAgeDays int // Cache staleness
	NewsMaxAgeHours     int

	BackfillStartYear  int
	BackfillBatchSize  int

	WorkerPollSeconds int // Idle poll interval

	EnableForm4Poller           bool
	Form4PollerIntervalSeconds int
	Form4PollerFeedURL         string

	GeminiAPIKey        string
	GeminiBaseURL       string
	GeminiModel         string
	AITemperature       float64
	AIMaxTokens         int
	PromptVersion       string
	AIInputSchemaVersion  string
	AIOutputSchemaVersion string

	CurrentParseVersion    int
	CurrentTrendVersion    int
	CurrentOutcomesVersion int
	CurrentStatsVersion    int
	CurrentClusterVersion  int

	// Ambient / ops
	LogLevel  string
	HTTPPort  int
	AdminToken string

	// Filing document archive (optional)
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // non-empty to target an S3-compatible store instead of AWS
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads configuration from environment variables, applying the
// defaults spec.md §6 implies when an option is illustrative only.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBDSN: getEnv("DB_DSN", "./data/insider.db"),

		SECUserAgent:          getEnv("SEC_USER_AGENT", ""),
		SECMinIntervalSeconds: getEnvAsInt("SEC_MIN_INTERVAL_SECONDS", 1),

		EODHDAPIKey:  getEnv("EODHD_API_KEY", ""),
		EODHDBaseURL: getEnv("EODHD_BASE_URL", "https://eodhd.com/api"),

		BenchmarkSymbol: getEnv("BENCHMARK_SYMBOL", "SPY.US"),

		MarketCapMaxAgeDays: getEnvAsInt("MARKET_CAP_MAX_AGE_DAYS", 1),
		NewsMaxAgeHours:     getEnvAsInt("NEWS_MAX_AGE_HOURS", 6),

		BackfillStartYear: getEnvAsInt("BACKFILL_START_YEAR", 2020),
		BackfillBatchSize: getEnvAsInt("BACKFILL_BATCH_SIZE", 50),

		WorkerPollSeconds: getEnvAsInt("WORKER_POLL_SECONDS", 5),

		EnableForm4Poller:           getEnvAsBool("ENABLE_FORM4_POLLER", false),
		Form4PollerIntervalSeconds: getEnvAsInt("FORM4_POLLER_INTERVAL_SECONDS", 300),
		Form4PollerFeedURL:         getEnv("FORM4_POLLER_FEED_URL", "https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&type=4&output=atom"),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		AITemperature: getEnvAsFloat("AI_TEMPERATURE", 0.2),
		AIMaxTokens:   getEnvAsInt("AI_MAX_TOKENS", 2048),
		PromptVersion: getEnv("PROMPT_VERSION", "v1"),
		AIInputSchemaVersion:  getEnv("AI_INPUT_SCHEMA_VERSION", "ai_input_v2"),
		AIOutputSchemaVersion: getEnv("AI_OUTPUT_SCHEMA_VERSION", "ai_output_v1"),

		CurrentParseVersion:    getEnvAsInt("CURRENT_PARSE_VERSION", 1),
		CurrentTrendVersion:    getEnvAsInt("CURRENT_TREND_VERSION", 1),
		CurrentOutcomesVersion: getEnvAsInt("CURRENT_OUTCOMES_VERSION", 1),
		CurrentStatsVersion:    getEnvAsInt("CURRENT_STATS_VERSION", 1),
		CurrentClusterVersion:  getEnvAsInt("CURRENT_CLUSTER_VERSION", 1),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		HTTPPort:   getEnvAsInt("HTTP_PORT", 8080),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		S3Bucket:          getEnv("FILING_ARCHIVE_S3_BUCKET", ""),
		S3Region:          getEnv("FILING_ARCHIVE_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("FILING_ARCHIVE_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("FILING_ARCHIVE_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("FILING_ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required configuration. SEC_USER_AGENT is required
// by EDGAR's fair-access policy; everything else has a usable default.
func (c *Config) Validate() error {
	if c.SECUserAgent == "" {
		return fmt.Errorf("SEC_USER_AGENT must be set to a descriptive contact string")
	}
	return nil
}

// UpdateFromSettings layers DB-stored overrides over env-var defaults,
// mirroring the teacher's credential layering: a non-empty settings
// row wins, an empty one preserves the environment value.
func (c *Config) UpdateFromSettings(db *sql.DB) error {
	get := func(key string) (string, error) {
		var v sql.NullString
		err := db.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&v)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return v.String, nil
	}

	if v, err := get("eodhd_api_key"); err != nil {
		return fmt.Errorf("failed to read eodhd_api_key from settings: %w", err)
	} else if v != "" {
		c.EODHDAPIKey = v
	}

	if v, err := get("gemini_api_key"); err != nil {
		return fmt.Errorf("failed to read gemini_api_key from settings: %w", err)
	} else if v != "" {
		c.GeminiAPIKey = v
	}

	if v, err := get("benchmark_symbol_resolved"); err != nil {
		return fmt.Errorf("failed to read benchmark_symbol_resolved from settings: %w", err)
	} else if v != "" {
		c.BenchmarkSymbol = v
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
