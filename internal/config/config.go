package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// SOC API
	SOCBaseURL   string
	ProbeTimeout time.Duration

	// Poller
	PollInterval         time.Duration
	PollJitter           float64
	PollMaxConcurrent    int
	MissThreshold        int
	CheckpointFile       string
	RefreshInterval      time.Duration
	OpenReminderInterval time.Duration

	// Dispatcher
	DispatchInterval    time.Duration
	DispatchBatchSize   int
	DispatchMaxAttempts int
	LockTTL             time.Duration

	// Mail
	MailConfigFile string
	DefaultLocale  string

	// Chat
	ChatConfigFile string

	// Server
	ServerPort string
	BaseURL    string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SOCBaseURL = getEnvString("SOC_BASE_URL", "https://classes.rutgers.edu/soc/api")
	cfg.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", 12*time.Second)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", time.Minute)
	cfg.PollJitter = getEnvFloat("POLL_JITTER", 0.3)
	cfg.PollMaxConcurrent = getEnvInt("POLL_MAX_CONCURRENT", 3)
	cfg.MissThreshold = getEnvInt("MISS_THRESHOLD", 2)
	cfg.CheckpointFile = getEnvString("CHECKPOINT_FILE", "data/poller_checkpoint.json")
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 5*time.Minute)
	cfg.OpenReminderInterval = getEnvDuration("OPEN_REMINDER_INTERVAL", 0)
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 5*time.Second)
	cfg.DispatchBatchSize = getEnvInt("DISPATCH_BATCH_SIZE", 20)
	cfg.DispatchMaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.LockTTL = getEnvDuration("LOCK_TTL", 2*time.Minute)
	cfg.MailConfigFile = getEnvString("MAIL_CONFIG_FILE", "config/mail.json")
	cfg.DefaultLocale = getEnvString("DEFAULT_LOCALE", "en")
	cfg.ChatConfigFile = getEnvString("CHAT_CONFIG_FILE", "config/chat.json")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は設定値の不変条件を確認する。
// ポーリング間隔は1秒以上、ターゲット更新間隔は1分以上でなければならない。
func (c *Config) validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("REFRESH_INTERVAL must be at least 1m, got %s", c.RefreshInterval)
	}
	if c.PollJitter < 0 || c.PollJitter > 1 {
		return fmt.Errorf("POLL_JITTER must be between 0 and 1, got %v", c.PollJitter)
	}
	if c.MissThreshold < 1 {
		return fmt.Errorf("MISS_THRESHOLD must be at least 1, got %d", c.MissThreshold)
	}
	if !strings.HasPrefix(c.SOCBaseURL, "http://") && !strings.HasPrefix(c.SOCBaseURL, "https://") {
		return fmt.Errorf("SOC_BASE_URL must be an http(s) URL, got %q", c.SOCBaseURL)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
