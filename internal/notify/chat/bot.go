package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/seatwatch/internal/notify"
)

const defaultAPIBase = "https://discord.com/api/v10"

// BotClient はボットトークンでチャネル投稿とDM作成を行うAPIクライアント。
// DMチャネルIDはユーザー単位でキャッシュする。
type BotClient struct {
	cfg        *Config
	httpClient *http.Client

	mu         sync.Mutex
	dmChannels map[string]string
}

// NewBotClient はBotClientを生成する。httpClientがnilの場合は既定のタイムアウト付きクライアントを使う。
func NewBotClient(cfg *Config, httpClient *http.Client) *BotClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &BotClient{
		cfg:        cfg,
		httpClient: httpClient,
		dmChannels: make(map[string]string),
	}
}

func (c *BotClient) apiBase() string {
	if c.cfg.APIBaseURL != "" {
		return c.cfg.APIBaseURL
	}
	return defaultAPIBase
}

// SendToChannel は指定チャネルへメッセージを投稿する。
func (c *BotClient) SendToChannel(ctx context.Context, channelID, content, traceID string) notify.SendResult {
	if c.cfg.DryRun {
		return notify.SendResult{
			Status:            notify.StatusSent,
			Provider:          "chat-bot",
			ProviderMessageID: "dry-run",
			SentAt:            time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	return c.postMessage(ctx, channelID, content, traceID)
}

// SendToUser はユーザーとのDMチャネルを解決してメッセージを投稿する。
func (c *BotClient) SendToUser(ctx context.Context, userID, content, traceID string) notify.SendResult {
	if c.cfg.DryRun {
		return notify.SendResult{
			Status:            notify.StatusSent,
			Provider:          "chat-bot",
			ProviderMessageID: "dry-run",
			SentAt:            time.Now().UTC().Format(time.RFC3339Nano),
		}
	}

	channelID, res := c.resolveDMChannel(ctx, userID)
	if res != nil {
		return *res
	}
	return c.postMessage(ctx, channelID, content, traceID)
}

func (c *BotClient) resolveDMChannel(ctx context.Context, userID string) (string, *notify.SendResult) {
	c.mu.Lock()
	if id, ok := c.dmChannels[userID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{"recipient_id": userID})
	if err != nil {
		res := failed(notify.ErrCodeUnknown, fmt.Sprintf("DM作成リクエストの構築に失敗: %v", err))
		return "", &res
	}

	resp, sendErr := c.doRequest(ctx, http.MethodPost, c.apiBase()+"/users/@me/channels", body, "")
	if sendErr != nil {
		res := retryable(notify.ErrCodeNetwork, sendErr.Error(), 0)
		return "", &res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res := classifyResponse(resp)
		return "", &res
	}

	var dm struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&dm); err != nil || dm.ID == "" {
		res := failed(notify.ErrCodeProvider, "DMチャネルIDを応答から取得できませんでした")
		return "", &res
	}

	c.mu.Lock()
	c.dmChannels[userID] = dm.ID
	c.mu.Unlock()
	return dm.ID, nil
}

func (c *BotClient) postMessage(ctx context.Context, channelID, content, traceID string) notify.SendResult {
	payload := map[string]any{
		"content": content,
		"allowed_mentions": map[string]any{
			"parse": []string{},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failed(notify.ErrCodeUnknown, fmt.Sprintf("メッセージの構築に失敗: %v", err))
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase(), channelID)
	resp, sendErr := c.doRequest(ctx, http.MethodPost, url, body, traceID)
	if sendErr != nil {
		return retryable(notify.ErrCodeNetwork, sendErr.Error(), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var msg struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&msg)
		return notify.SendResult{
			Status:            notify.StatusSent,
			Provider:          "chat-bot",
			ProviderMessageID: msg.ID,
			SentAt:            time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	return classifyResponse(resp)
}

func (c *BotClient) doRequest(ctx context.Context, method, url string, body []byte, traceID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの構築に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.cfg.BotToken)
	if traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	return c.httpClient.Do(req)
}

func classifyResponse(resp *http.Response) notify.SendResult {
	detail := readBody(resp)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfterBody(detail)
		if retryAfter <= 0 {
			retryAfter = 5
		}
		return retryable(notify.ErrCodeRateLimited, "APIのレート制限に達しました", retryAfter)
	case resp.StatusCode >= 500:
		return retryable(notify.ErrCodeProvider, fmt.Sprintf("サーバーエラー: status=%d body=%s", resp.StatusCode, detail), 0)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failed(notify.ErrCodeUnauthorized, fmt.Sprintf("認証エラー: status=%d", resp.StatusCode))
	default:
		return failed(notify.ErrCodeProvider, fmt.Sprintf("送信が拒否されました: status=%d body=%s", resp.StatusCode, detail))
	}
}

func readBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return ""
	}
	return string(raw)
}

// parseRetryAfterBody はレート制限応答のretry_after（秒）を取り出す。
func parseRetryAfterBody(body string) int {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return 0
	}
	if payload.RetryAfter <= 0 {
		return 0
	}
	sec := int(payload.RetryAfter)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func failed(code notify.SendErrorCode, message string) notify.SendResult {
	return notify.SendResult{
		Status:   notify.StatusFailed,
		Provider: "chat-bot",
		Error:    &notify.SendError{Code: code, Message: message},
	}
}

func retryable(code notify.SendErrorCode, message string, retryAfter int) notify.SendResult {
	return notify.SendResult{
		Status:            notify.StatusRetryable,
		Provider:          "chat-bot",
		RetryAfterSeconds: float64(retryAfter),
		Error:             &notify.SendError{Code: code, Message: message},
	}
}
