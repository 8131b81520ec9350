// Package handler は通知プルAPIと運用エンドポイントのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/repository"
)

// deviceIDRe はローカルデバイス識別子の許可文字。
var deviceIDRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)

const (
	deviceIDMinLen = 6
	deviceIDMaxLen = 128

	claimLimitDefault = 20
	claimLimitMax     = 50
)

// LocalClaimer はローカルチャネルの通知クレームインターフェース。
type LocalClaimer interface {
	ClaimLocal(ctx context.Context, deviceHash string, limit int, now time.Time) ([]model.NotificationJob, error)
}

// LocalHandler はデバイスからのプル型通知取得のHTTPハンドラー。
// デバイス識別子は平文で保存しないため、SHA-1ハッシュで購読と照合する。
type LocalHandler struct {
	claimer LocalClaimer
	logger  *slog.Logger
}

// NewLocalHandler はLocalHandlerを生成する。
func NewLocalHandler(claimer LocalClaimer, logger *slog.Logger) *LocalHandler {
	return &LocalHandler{claimer: claimer, logger: logger}
}

// claimRequest はローカル通知クレームのリクエストボディ。
type claimRequest struct {
	DeviceID string `json:"deviceId"`
	Limit    int    `json:"limit"`
}

// claimNotification はクレームされた通知1件分のレスポンス表現。
type claimNotification struct {
	NotificationID int64  `json:"notificationId"`
	Term           string `json:"term"`
	Campus         string `json:"campus"`
	SectionIndex   string `json:"sectionIndex"`
	CourseTitle    string `json:"courseTitle,omitempty"`
	EventAt        string `json:"eventAt"`
	DedupeKey      string `json:"dedupeKey"`
	TraceID        string `json:"traceId"`
}

// claimResponse はローカル通知クレームのレスポンス。
type claimResponse struct {
	Notifications []claimNotification `json:"notifications"`
	TraceID       string              `json:"traceId"`
	Meta          claimMeta           `json:"meta"`
}

type claimMeta struct {
	Version int `json:"version"`
	Count   int `json:"count"`
}

// apiError は統一エラーフォーマットの中身。
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

// Claim はデバイス宛ての配信待ち通知をクレームして返す。
// POST /notifications/local/claim
func (h *LocalHandler) Claim(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	w.Header().Set("X-Trace-Id", traceID)

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "リクエストボディの解析に失敗しました", traceID)
		return
	}

	deviceID := strings.ToLower(strings.TrimSpace(req.DeviceID))
	if len(deviceID) < deviceIDMinLen || len(deviceID) > deviceIDMaxLen || !deviceIDRe.MatchString(deviceID) {
		writeError(w, http.StatusBadRequest, "invalid_device_id", "deviceIdの形式が不正です", traceID)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = claimLimitDefault
	}
	if limit > claimLimitMax {
		limit = claimLimitMax
	}

	sum := sha1.Sum([]byte(deviceID))
	deviceHash := hex.EncodeToString(sum[:])

	jobs, err := h.claimer.ClaimLocal(r.Context(), deviceHash, limit, time.Now())
	if err != nil {
		h.logger.Error("ローカル通知のクレームに失敗しました",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "通知の取得に失敗しました", traceID)
		return
	}

	notifications := make([]claimNotification, 0, len(jobs))
	for _, job := range jobs {
		notifications = append(notifications, claimNotification{
			NotificationID: job.NotificationID,
			Term:           job.Event.TermID,
			Campus:         job.Event.CampusCode,
			SectionIndex:   job.Event.IndexNumber,
			CourseTitle:    job.Event.Payload.CourseTitle,
			EventAt:        job.Event.EventAt.UTC().Format(time.RFC3339Nano),
			DedupeKey:      job.DedupeKey,
			TraceID:        job.Event.TraceID,
		})
	}

	writeJSON(w, http.StatusOK, claimResponse{
		Notifications: notifications,
		TraceID:       traceID,
		Meta:          claimMeta{Version: 1, Count: len(notifications)},
	})
}

var _ LocalClaimer = (repository.NotificationRepository)(nil)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	writeJSON(w, status, apiErrorEnvelope{Error: apiError{Code: code, Message: message, TraceID: traceID}})
}
