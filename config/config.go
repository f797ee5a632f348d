// Package config loads the collector configuration from environment
// variables. The variable names are operator contracts; every default
// matches the deployed service.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Gateway endpoint and symbol universe
	FutuHost string
	FutuPort int
	Symbols  []string
	Market   string

	// Day-store
	DataRoot          string
	SQLiteBusyTimeout int
	SQLiteJournalMode string
	SQLiteSynchronous string
	SQLiteWALAutoCkpt int

	// Persistence pacing
	BatchSize            int
	MaxWait              time.Duration
	MaxQueueSize         int
	PersistRetryBackoff  time.Duration
	PersistRetryMax      time.Duration
	PersistHeartbeat     time.Duration
	StopFlushTimeout     time.Duration
	SeedRecentDBDays     int

	// Reconnect and poll fallback
	BackfillN         int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	PollEnabled       bool
	PollInterval      time.Duration
	PollNum           int
	PollStale         time.Duration

	// Watchdog
	WatchdogStall          time.Duration
	WatchdogUpstreamWindow time.Duration
	WatchdogQueueThreshold int
	WatchdogMaxFailures    int
	WatchdogJoinTimeout    time.Duration
	DriftWarn              time.Duration

	// Observability
	MetricsAddr string
	LogLevel    string

	// Notification (optional)
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with the
// documented defaults. It does not validate; call Validate before use.
func Load() *Config {
	return &Config{
		FutuHost: getEnv("FUTU_HOST", "127.0.0.1"),
		FutuPort: getEnvInt("FUTU_PORT", 11111),
		Symbols:  parseCSV(getEnv("FUTU_SYMBOLS", "")),
		Market:   getEnv("FUTU_MARKET", "HK"),

		DataRoot:          getEnv("DATA_ROOT", "/data/sqlite/HK"),
		SQLiteBusyTimeout: getEnvInt("SQLITE_BUSY_TIMEOUT_MS", 5000),
		SQLiteJournalMode: getEnv("SQLITE_JOURNAL_MODE", "WAL"),
		SQLiteSynchronous: getEnv("SQLITE_SYNCHRONOUS", "NORMAL"),
		SQLiteWALAutoCkpt: getEnvInt("SQLITE_WAL_AUTOCHECKPOINT", 1000),

		BatchSize:           getEnvInt("BATCH_SIZE", 500),
		MaxWait:             time.Duration(getEnvInt("MAX_WAIT_MS", 1000)) * time.Millisecond,
		MaxQueueSize:        getEnvInt("MAX_QUEUE_SIZE", 20000),
		PersistRetryBackoff: getEnvSeconds("PERSIST_RETRY_BACKOFF_SEC", 1.0),
		PersistRetryMax:     getEnvSeconds("PERSIST_RETRY_BACKOFF_MAX_SEC", 2.0),
		PersistHeartbeat:    getEnvSeconds("PERSIST_HEARTBEAT_INTERVAL_SEC", 30),
		StopFlushTimeout:    getEnvSeconds("STOP_FLUSH_TIMEOUT_SEC", 60),
		SeedRecentDBDays:    getEnvInt("SEED_RECENT_DB_DAYS", 3),

		BackfillN:         getEnvInt("BACKFILL_N", 0),
		ReconnectMinDelay: getEnvSeconds("RECONNECT_MIN_DELAY", 1),
		ReconnectMaxDelay: getEnvSeconds("RECONNECT_MAX_DELAY", 60),
		PollEnabled:       getEnvBool("FUTU_POLL_ENABLED", true),
		PollInterval:      getEnvSeconds("FUTU_POLL_INTERVAL_SEC", 3),
		PollNum:           getEnvInt("FUTU_POLL_NUM", 100),
		PollStale:         getEnvSeconds("FUTU_POLL_STALE_SEC", 10),

		WatchdogStall:          getEnvSeconds("WATCHDOG_STALL_SEC", 180),
		WatchdogUpstreamWindow: getEnvSeconds("WATCHDOG_UPSTREAM_WINDOW_SEC", 60),
		WatchdogQueueThreshold: getEnvInt("WATCHDOG_QUEUE_THRESHOLD_ROWS", 100),
		WatchdogMaxFailures:    getEnvInt("WATCHDOG_RECOVERY_MAX_FAILURES", 3),
		WatchdogJoinTimeout:    getEnvSeconds("WATCHDOG_RECOVERY_JOIN_TIMEOUT_SEC", 3),
		DriftWarn:              getEnvSeconds("DRIFT_WARN_SEC", 120),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("FUTU_SYMBOLS is empty")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("DATA_ROOT is empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY below RECONNECT_MIN_DELAY")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback float64) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(fallback * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using default %gs", key, v, fallback)
		return time.Duration(fallback * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		log.Printf("[config] invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
