// Package soc は履修管理システム(SOC)のAPIクライアントを提供する。
// 学期コードの正規化、openSectionsエンドポイントの取得、
// エラー種別とリトライヒントの分類を担当する。
package soc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/google/uuid"
)

// ErrorKind はSOC APIリクエスト失敗の分類。
type ErrorKind string

const (
	ErrorKindHTTP      ErrorKind = "HTTP"
	ErrorKindTimeout   ErrorKind = "TIMEOUT"
	ErrorKindNetwork   ErrorKind = "NETWORK"
	ErrorKindJSONParse ErrorKind = "JSON_PARSE"
)

// ProbeError はSOC APIリクエストの失敗詳細。
// RetryHintは運用者向けの対処方法のヒント。
type ProbeError struct {
	Kind       ErrorKind
	RequestID  string
	StatusCode int
	StatusText string
	RetryHint  string
	Detail     string
}

func (e *ProbeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("SOC request failed: %s (status=%d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("SOC request failed: %s", e.Kind)
}

// RetryHintForStatus はHTTPステータスコードからリトライヒントを導出する。
func RetryHintForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "Hit rate-limit (429). Pause for 60s and retry with fewer parallel calls."
	case status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return "Server overloaded. Back off for 30s and retry."
	case status >= 500:
		return "Server error. Retry after a short delay."
	case status >= 400:
		return "Verify query parameters (term/campus) before retrying."
	}
	return "Retry details unavailable."
}

// ProbeResult はopenSections取得の結果メタデータ。
type ProbeResult struct {
	RequestID  string
	URL        string
	StatusCode int
	DurationMs int64
	SizeBytes  int64
	Indexes    []string
}

// Client はSOC APIのHTTPクライアント。
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient はSOC APIクライアントを生成する。
// httpClientがnilの場合はsafeurlで保護されたクライアントを使用する。
// safeurlはプライベートIPやメタデータIPへのリクエストをブロックする。
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		config := safeurl.GetConfigBuilder().
			SetTimeout(timeout).
			SetAllowedSchemes("http", "https").
			SetAllowedPorts(80, 443).
			Build()
		httpClient = safeurl.Client(config).Client
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
	}
}

// FetchOpenSections は指定学期・キャンパスの空席セクション一覧を取得する。
// 返却されるインデックス番号一覧は正規化済み（重複排除・昇順ソート）。
// 失敗時のerrorは*ProbeErrorにラップされ、errors.Asで分類を取り出せる。
func (c *Client) FetchOpenSections(ctx context.Context, sem Semester, campus string) (ProbeResult, error) {
	params := url.Values{}
	params.Set("year", strconv.Itoa(sem.Year))
	params.Set("term", strconv.Itoa(sem.TermCode))
	params.Set("campus", campus)
	reqURL := fmt.Sprintf("%s/openSections.json?%s", c.baseURL, params.Encode())

	requestID := uuid.NewString()
	result := ProbeResult{RequestID: requestID, URL: reqURL}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return result, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "seatwatch-probe/1.0")
	req.Header.Set("Accept", "application/json, text/plain")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return result, &ProbeError{
				Kind:      ErrorKindTimeout,
				RequestID: requestID,
				RetryHint: "Request timed out. Increase timeout or lower concurrency.",
				Detail:    err.Error(),
			}
		}
		return result, &ProbeError{
			Kind:      ErrorKindNetwork,
			RequestID: requestID,
			RetryHint: "Check network connectivity or VPN settings.",
			Detail:    err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, &ProbeError{
			Kind:      ErrorKindNetwork,
			RequestID: requestID,
			RetryHint: "Check network connectivity or VPN settings.",
			Detail:    err.Error(),
		}
	}
	result.StatusCode = resp.StatusCode
	result.SizeBytes = int64(len(body))
	result.DurationMs = time.Since(started).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		detail := string(body)
		if len(detail) > 400 {
			detail = detail[:400]
		}
		return result, &ProbeError{
			Kind:       ErrorKindHTTP,
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			StatusText: resp.Status,
			RetryHint:  RetryHintForStatus(resp.StatusCode),
			Detail:     detail,
		}
	}

	var raw []any
	if err := json.Unmarshal(body, &raw); err != nil {
		return result, &ProbeError{
			Kind:       ErrorKindJSONParse,
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			RetryHint:  "Inspect response payload, JSON parse failed",
			Detail:     err.Error(),
		}
	}

	result.Indexes = NormalizeOpenIndexes(raw)
	return result, nil
}

// NormalizeOpenIndexes はopenSections応答のインデックス番号一覧を正規化する。
// 文字列化して空白を除去し、空要素を捨て、重複排除して昇順に並べる。
func NormalizeOpenIndexes(entries []any) []string {
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		value := strings.TrimSpace(fmt.Sprint(entry))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	indexes := make([]string, 0, len(seen))
	for value := range seen {
		indexes = append(indexes, value)
	}
	sort.Strings(indexes)
	return indexes
}
