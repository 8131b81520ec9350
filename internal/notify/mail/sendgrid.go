package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/seatwatch/internal/notify"
)

const (
	providerName   = "sendgrid"
	defaultAPIBase = "https://api.sendgrid.com"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SendGridSender はSendGrid v3 APIでメールを送信するプロバイダ。
type SendGridSender struct {
	cfg        *Config
	httpClient *http.Client
}

// NewSendGridSender はSendGridSenderを生成する。
// httpClientがnilの場合は10秒タイムアウトの既定クライアントを使用する。
func NewSendGridSender(cfg *Config, httpClient *http.Client) *SendGridSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SendGridSender{cfg: cfg, httpClient: httpClient}
}

// Send はメッセージを1回送信してその結果を分類する。
// リトライは行わない。リトライは上位のReliableSenderが担当する。
func (s *SendGridSender) Send(ctx context.Context, msg Message) notify.SendResult {
	recipient := strings.ToLower(strings.TrimSpace(msg.To.Email))
	if !emailRe.MatchString(recipient) {
		return failed(notify.ErrCodeInvalidRecipient, "宛先メールアドレスが不正です")
	}
	if !emailRe.MatchString(s.cfg.DefaultFrom.Email) {
		return failed(notify.ErrCodeValidation, "送信元メールアドレスが不正です")
	}

	rendered, err := Render(s.cfg, msg)
	if err != nil {
		var tplErr *TemplateError
		if errors.As(err, &tplErr) {
			return failed(tplErr.Code, tplErr.Message)
		}
		return failed(notify.ErrCodeUnknown, err.Error())
	}

	if s.cfg.DryRun {
		return notify.SendResult{
			Status:            notify.StatusSent,
			Provider:          providerName,
			ProviderMessageID: "dry-run",
			SentAt:            time.Now().UTC().Format(time.RFC3339Nano),
		}
	}

	payload := s.buildPayload(msg, rendered, recipient)
	body, err := json.Marshal(payload)
	if err != nil {
		return failed(notify.ErrCodeUnknown, fmt.Sprintf("ペイロードのシリアライズに失敗: %v", err))
	}

	base := s.cfg.Providers.SendGrid.APIBaseURL
	if base == "" {
		base = defaultAPIBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return failed(notify.ErrCodeUnknown, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Providers.SendGrid.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return retryable(notify.ErrCodeNetwork, err.Error(), 0)
	}
	defer resp.Body.Close()

	return s.classifyResponse(resp)
}

// classifyResponse はSendGridの応答を送信結果に分類する。
func (s *SendGridSender) classifyResponse(resp *http.Response) notify.SendResult {
	if resp.StatusCode == http.StatusAccepted {
		return notify.SendResult{
			Status:            notify.StatusSent,
			Provider:          providerName,
			ProviderMessageID: resp.Header.Get("X-Message-Id"),
			SentAt:            time.Now().UTC().Format(time.RFC3339Nano),
		}
	}

	body := readBody(resp.Body)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if retryAfter == 0 {
			retryAfter = 30
		}
		return retryable(notify.ErrCodeRateLimited, body, retryAfter)
	case resp.StatusCode >= 500:
		return retryable(notify.ErrCodeProvider, body, retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failed(notify.ErrCodeUnauthorized, body)
	case resp.StatusCode >= 400:
		return failed(notify.ErrCodeProvider, body)
	}
	return failed(notify.ErrCodeUnknown, fmt.Sprintf("予期しないステータス %d", resp.StatusCode))
}

// sendGridPayload はSendGrid v3 mail/sendのリクエスト本文。
type sendGridPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             EmailAddress      `json:"from"`
	ReplyTo          *EmailAddress     `json:"reply_to,omitempty"`
	Content          []contentPart     `json:"content"`
	MailSettings     mailSettings      `json:"mail_settings"`
	Categories       []string          `json:"categories,omitempty"`
}

type personalization struct {
	To         []EmailAddress    `json:"to"`
	Subject    string            `json:"subject,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type contentPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailSettings struct {
	SandboxMode sandboxMode `json:"sandbox_mode"`
}

type sandboxMode struct {
	Enable bool `json:"enable"`
}

func (s *SendGridSender) buildPayload(msg Message, rendered Rendered, recipient string) sendGridPayload {
	p := personalization{
		To:      []EmailAddress{{Email: recipient, Name: msg.To.Name}},
		Subject: rendered.Subject,
	}
	if msg.TraceID != "" {
		p.Headers = map[string]string{"X-Trace-Id": msg.TraceID}
	}
	customArgs := make(map[string]string)
	if msg.DedupeKey != "" {
		customArgs["dedupe_key"] = msg.DedupeKey
	}
	if msg.TraceID != "" {
		customArgs["trace_id"] = msg.TraceID
	}
	if len(customArgs) > 0 {
		p.CustomArgs = customArgs
	}

	var content []contentPart
	if rendered.TextBody != "" {
		content = append(content, contentPart{Type: "text/plain", Value: rendered.TextBody})
	}
	if rendered.HTMLBody != "" {
		content = append(content, contentPart{Type: "text/html", Value: rendered.HTMLBody})
	}

	return sendGridPayload{
		Personalizations: []personalization{p},
		From:             s.cfg.DefaultFrom,
		ReplyTo:          s.cfg.ReplyTo,
		Content:          content,
		MailSettings:     mailSettings{SandboxMode: sandboxMode{Enable: s.cfg.Providers.SendGrid.SandboxMode}},
		Categories:       s.cfg.Providers.SendGrid.Categories,
	}
}

func failed(code notify.SendErrorCode, message string) notify.SendResult {
	return notify.SendResult{
		Status:   notify.StatusFailed,
		Provider: providerName,
		Error:    &notify.SendError{Code: code, Message: message},
	}
}

func retryable(code notify.SendErrorCode, message string, retryAfterSeconds float64) notify.SendResult {
	return notify.SendResult{
		Status:            notify.StatusRetryable,
		Provider:          providerName,
		RetryAfterSeconds: retryAfterSeconds,
		Error:             &notify.SendError{Code: code, Message: message},
	}
}

func readBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func parseRetryAfter(header string) float64 {
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}
