// Package config loads process-level configuration from the environment,
// following the teacher's pattern of a .env file plus typed getEnv* helpers.
// Per-account behavioral tunables (risk limits, cooldowns, batch sizing) are
// NOT environment variables; those live on BotRun/RiskEntry rows in the
// Store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every core-visible environment toggle named in the external
// interfaces section of the specification, plus ambient process settings.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	UpstreamURL string

	KillSwitchAutoClearMs   int64
	KillSwitchFailClosed    bool
	RejectSpikeLimit        int
	ReconnectStormLimit     int
	SlippageSpikeLimit      int
	DefaultMaxCancelsPerSec int
	LatencyBlowoutP99Ms     int64
	LatencyBlowoutWindowMs  int64
	LatencyBlowoutBreaches  int

	ReconcilePortfolioTimeoutMs int64
	OrderIntentTTLMs            int64
	OrderIntentMaxSize          int
	TickBufferSize              int
	TicksHistoryCount           int
	StrategyBudgetMs            int64

	AdminToken string

	// AccountTokenKeyHex is the hex-encoded AES-256 key used by
	// internal/tokencrypt to seal Account bearer tokens at rest. Left
	// empty, a fresh key is generated at startup (logged as a warning);
	// sessions sealed under it will not decrypt across a restart.
	AccountTokenKeyHex string

	S3Bucket string
	S3Region string
}

// Load reads .env (if present) and environment variables into a Config,
// applying the same safe defaults the runtime falls back to when a
// production operator hasn't set a toggle explicitly.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	dataDir := getEnv("DATA_DIR", "./data")
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	}

	cfg := &Config{
		DataDir:  dataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		UpstreamURL: getEnv("UPSTREAM_WS_URL", "wss://ws.example-broker.com/websockets/v3"),

		KillSwitchAutoClearMs:   getEnvAsInt64("KILL_SWITCH_AUTO_CLEAR_MS", 15*60*1000),
		KillSwitchFailClosed:    getEnvAsBool("KILL_SWITCH_FAIL_CLOSED", true),
		RejectSpikeLimit:        getEnvAsInt("REJECT_SPIKE_LIMIT", 10),
		ReconnectStormLimit:     getEnvAsInt("RECONNECT_STORM_LIMIT", 5),
		SlippageSpikeLimit:      getEnvAsInt("SLIPPAGE_SPIKE_LIMIT", 10),
		DefaultMaxCancelsPerSec: getEnvAsInt("DEFAULT_MAX_CANCELS_PER_SECOND", 5),
		LatencyBlowoutP99Ms:     getEnvAsInt64("LATENCY_BLOWOUT_P99_MS", 1500),
		LatencyBlowoutWindowMs:  getEnvAsInt64("LATENCY_BLOWOUT_WINDOW_MS", 60_000),
		LatencyBlowoutBreaches:  getEnvAsInt("LATENCY_BLOWOUT_BREACHES", 3),

		ReconcilePortfolioTimeoutMs: getEnvAsInt64("RECONCILE_PORTFOLIO_TIMEOUT_MS", 10_000),
		OrderIntentTTLMs:            getEnvAsInt64("ORDER_INTENT_TTL_MS", 5*60*1000),
		OrderIntentMaxSize:          getEnvAsInt("ORDER_INTENT_MAX_SIZE", 10_000),
		TickBufferSize:              getEnvAsInt("TICK_BUFFER_SIZE", 100),
		TicksHistoryCount:           getEnvAsInt("TICKS_HISTORY_COUNT", 50),
		StrategyBudgetMs:            getEnvAsInt64("STRATEGY_BUDGET_MS", 50),

		AdminToken: getEnv("ADMIN_TOKEN", ""),

		AccountTokenKeyHex: getEnv("ACCOUNT_TOKEN_KEY", ""),

		S3Bucket: getEnv("BACKUP_S3_BUCKET", ""),
		S3Region: getEnv("BACKUP_S3_REGION", "us-east-1"),
	}

	return cfg, cfg.Validate()
}

// Validate rejects configuration that would make the runtime unsafe to run,
// rather than silently falling back further.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.KillSwitchAutoClearMs <= 0 {
		return fmt.Errorf("KILL_SWITCH_AUTO_CLEAR_MS must be positive")
	}
	if c.OrderIntentTTLMs <= 0 {
		return fmt.Errorf("ORDER_INTENT_TTL_MS must be positive")
	}
	return nil
}

func (c *Config) KillSwitchAutoClear() time.Duration {
	return time.Duration(c.KillSwitchAutoClearMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
