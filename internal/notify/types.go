// Package notify はチャネル非依存の高信頼送信層を提供する。
// トークンバケットによるレート制限、バックオフ付きリトライ、
// 同一デデュープキーの同時送信の集約を含む。
package notify

import "time"

// SendStatus は1回の送信試行の結果分類。
type SendStatus string

const (
	// StatusSent は送信成功。
	StatusSent SendStatus = "sent"
	// StatusRetryable は一時的な失敗でリトライ可能。
	StatusRetryable SendStatus = "retryable"
	// StatusFailed は恒久的な失敗でリトライ不可。
	StatusFailed SendStatus = "failed"
)

// SendErrorCode は送信エラーの機械可読コード。
type SendErrorCode string

const (
	ErrCodeValidation              SendErrorCode = "validation_error"
	ErrCodeTemplateMissingLocale   SendErrorCode = "template_missing_locale"
	ErrCodeTemplateVariableMissing SendErrorCode = "template_variable_missing"
	ErrCodeInvalidRecipient        SendErrorCode = "invalid_recipient"
	ErrCodeRateLimited             SendErrorCode = "rate_limited"
	ErrCodeUnauthorized            SendErrorCode = "unauthorized"
	ErrCodeNetwork                 SendErrorCode = "network_error"
	ErrCodeProvider                SendErrorCode = "provider_error"
	ErrCodeUnknown                 SendErrorCode = "unknown"
)

// アダプタの宛先解決エラーコード。常に終端（リトライしない）。
const (
	ErrCodeUnsupportedContact SendErrorCode = "unsupported_contact"
	ErrCodeInvalidTarget      SendErrorCode = "invalid_target"
	ErrCodeChannelBlocked     SendErrorCode = "channel_blocked"
	ErrCodeIneligible         SendErrorCode = "ineligible"
)

// SendError は送信失敗の詳細。期待される失敗はpanicではなく値として返す。
type SendError struct {
	Code    SendErrorCode `json:"code"`
	Message string        `json:"message"`
}

// SendResult は1回の送信試行の結果。
type SendResult struct {
	Status            SendStatus `json:"status"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	Attempt           int        `json:"attempt"`
	DurationMs        int64      `json:"durationMs"`
	SentAt            string     `json:"sentAt,omitempty"`
	RetryAfterSeconds float64    `json:"retryAfterSeconds,omitempty"`
	Error             *SendError `json:"error,omitempty"`
}

// ErrorCode はエラーコードを返す。エラーがない場合はErrCodeUnknown。
func (r SendResult) ErrorCode() SendErrorCode {
	if r.Error == nil {
		return ErrCodeUnknown
	}
	return r.Error.Code
}

// SendAttempt は試行履歴の1レコード。キュー行に診断JSONとして永続化される。
type SendAttempt struct {
	Attempt     int        `json:"attempt"`
	StartedAt   string     `json:"startedAt"`
	FinishedAt  string     `json:"finishedAt"`
	DurationMs  int64      `json:"durationMs"`
	WaitMs      int64      `json:"waitMs"`
	NextDelayMs int64      `json:"nextDelayMs,omitempty"`
	Result      SendResult `json:"result"`
}

// SendOutcome は全試行の集約結果。
// FinalResultは成功した試行、最初の非リトライ失敗、または最後の試行の結果。
type SendOutcome struct {
	FinalResult SendResult    `json:"finalResult"`
	Attempts    []SendAttempt `json:"attempts"`
}

// RateLimitConfig はトークンバケットの設定。
type RateLimitConfig struct {
	MaxPerSecond       float64 `json:"maxPerSecond"`
	Burst              int     `json:"burst"`
	BucketWidthSeconds int     `json:"bucketWidthSeconds"`
}

// RetryPolicy はリトライ戦略の設定。
// リトライは結果がStatusRetryableかつエラーコードがRetryableErrorsに
// 含まれる場合のみ行われる。
type RetryPolicy struct {
	MaxAttempts     int             `json:"maxAttempts"`
	BackoffMs       []int64         `json:"backoffMs"`
	Jitter          float64         `json:"jitter"`
	RetryableErrors []SendErrorCode `json:"retryableErrors"`
}

// Retryable はエラーコードがリトライ許可リストに含まれるかを返す。
func (p RetryPolicy) Retryable(code SendErrorCode) bool {
	for _, allowed := range p.RetryableErrors {
		if allowed == code {
			return true
		}
	}
	return false
}

// Message は高信頼送信層へ渡す送信要求のメタデータ。
// 実際のペイロード構築と送信はチャネルアダプタのAttemptFuncが担う。
type Message struct {
	DedupeKey    string
	RateLimitKey string
	TraceID      string
}

// DefaultRateLimitKey はRateLimitKey未指定時に使用されるキー。
const DefaultRateLimitKey = "default"

// nowMs 用の共通ヘルパ。
func durationMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
