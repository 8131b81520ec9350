// Package chat はチャットボットチャネルの設定とAPIクライアントを提供する。
// Discord互換のボットAPI（チャネル投稿とDM作成）を前提とする。
package chat

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hitoshi/seatwatch/internal/notify"
)

// MessageTemplate は通知メッセージの行テンプレート。
// プレースホルダは {{variable}} 形式。
type MessageTemplate struct {
	Prefix     string `json:"prefix,omitempty"`
	StatusLine string `json:"statusLine,omitempty"`
	Footer     string `json:"footer,omitempty"`
}

// Config はチャットボットの設定ファイル全体。
type Config struct {
	BotToken          string                 `json:"botToken,omitempty"`
	BotTokenEnv       string                 `json:"botTokenEnv,omitempty"`
	APIBaseURL        string                 `json:"apiBaseUrl,omitempty"`
	AllowedChannelIDs []string               `json:"allowedChannelIds,omitempty"`
	MessageTemplate   MessageTemplate        `json:"messageTemplate"`
	RateLimit         notify.RateLimitConfig `json:"rateLimit"`
	RetryPolicy       notify.RetryPolicy     `json:"retryPolicy"`
	DryRun            bool                   `json:"dryRun,omitempty"`
}

// LoadConfig は設定ファイルを読み込み、既定値の補完と検証を行う。
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("チャット設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("チャット設定ファイルの解析に失敗: %w", err)
	}

	if cfg.RateLimit.MaxPerSecond <= 0 {
		cfg.RateLimit.MaxPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.BucketWidthSeconds <= 0 {
		cfg.RateLimit.BucketWidthSeconds = 5
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy.MaxAttempts = 3
	}
	if len(cfg.RetryPolicy.BackoffMs) == 0 {
		cfg.RetryPolicy.BackoffMs = []int64{0, 2000, 7000}
	}
	if cfg.RetryPolicy.Jitter == 0 {
		cfg.RetryPolicy.Jitter = 0.25
	}
	if len(cfg.RetryPolicy.RetryableErrors) == 0 {
		cfg.RetryPolicy.RetryableErrors = []notify.SendErrorCode{
			notify.ErrCodeRateLimited,
			notify.ErrCodeNetwork,
			notify.ErrCodeProvider,
			notify.ErrCodeUnknown,
		}
	}

	if cfg.BotToken == "" && cfg.BotTokenEnv != "" {
		cfg.BotToken = os.Getenv(cfg.BotTokenEnv)
	}
	if cfg.BotToken == "" && !cfg.DryRun {
		return nil, fmt.Errorf("ボットトークンが設定されていません（botTokenまたはbotTokenEnv）")
	}
	return cfg, nil
}
