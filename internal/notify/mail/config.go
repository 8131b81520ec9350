// Package mail はメールチャネルの設定・テンプレート・プロバイダを提供する。
package mail

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hitoshi/seatwatch/internal/notify"
)

// EmailAddress はメールアドレスと表示名の組。
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Template は1テンプレートのロケール別定義。
// HTMLとTextの値はTemplateRootからの相対パス。
type Template struct {
	Subject           map[string]string `json:"subject,omitempty"`
	HTML              map[string]string `json:"html"`
	Text              map[string]string `json:"text,omitempty"`
	RequiredVariables []string          `json:"requiredVariables"`
}

// SendGridConfig はSendGridプロバイダの設定。
// APIキーは直接指定するか、環境変数名で間接指定する。
type SendGridConfig struct {
	APIKey      string   `json:"apiKey,omitempty"`
	APIKeyEnv   string   `json:"apiKeyEnv,omitempty"`
	SandboxMode bool     `json:"sandboxMode"`
	Categories  []string `json:"categories,omitempty"`
	APIBaseURL  string   `json:"apiBaseUrl,omitempty"`
}

// Providers はプロバイダ別設定の入れ物。
type Providers struct {
	SendGrid *SendGridConfig `json:"sendgrid,omitempty"`
}

// Config はメール送信の設定ファイル全体。
type Config struct {
	Provider         string                 `json:"provider"`
	DefaultFrom      EmailAddress           `json:"defaultFrom"`
	ReplyTo          *EmailAddress          `json:"replyTo,omitempty"`
	SupportedLocales []string               `json:"supportedLocales"`
	TemplateRoot     string                 `json:"templateRoot"`
	Templates        map[string]Template    `json:"templates"`
	RateLimit        notify.RateLimitConfig `json:"rateLimit"`
	RetryPolicy      notify.RetryPolicy     `json:"retryPolicy"`
	Providers        Providers              `json:"providers"`
	DryRun           bool                   `json:"dryRun,omitempty"`
}

// LoadConfig は設定ファイルを読み込み、既定値の補完と検証を行う。
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("メール設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("メール設定ファイルの解析に失敗: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults はレート制限とリトライ戦略の既定値を補完する。
func applyDefaults(cfg *Config) {
	if cfg.RateLimit.MaxPerSecond <= 0 {
		cfg.RateLimit.MaxPerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.Burst < int(cfg.RateLimit.MaxPerSecond) {
		cfg.RateLimit.Burst = int(cfg.RateLimit.MaxPerSecond)
	}
	if cfg.RateLimit.BucketWidthSeconds <= 0 {
		cfg.RateLimit.BucketWidthSeconds = 60
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
}

// validate は設定値の整合性を確認する。
// APIキーの環境変数間接指定もここで解決する。
func (c *Config) validate() error {
	if c.Provider != "sendgrid" {
		return fmt.Errorf("未対応のメールプロバイダ: %q", c.Provider)
	}
	if c.DefaultFrom.Email == "" {
		return fmt.Errorf("defaultFrom.emailは必須です")
	}
	if len(c.SupportedLocales) == 0 {
		return fmt.Errorf("supportedLocalesは1つ以上必要です")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("templatesは1つ以上必要です")
	}

	sg := c.Providers.SendGrid
	if sg == nil {
		return fmt.Errorf("providers.sendgridの設定がありません")
	}
	if sg.APIKey == "" && sg.APIKeyEnv != "" {
		sg.APIKey = os.Getenv(sg.APIKeyEnv)
	}
	if sg.APIKey == "" {
		return fmt.Errorf("SendGridのAPIキーが設定されていません（apiKeyまたはapiKeyEnv）")
	}
	return nil
}
