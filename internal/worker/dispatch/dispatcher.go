// Package dispatch はファンアウトキューの配信ワーカーを提供する。
// チャネルアダプタを差し替えることでメール・チャット等の配信を同じ
// クレーム/リトライ/永続化の流れで処理する。
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/notify"
	"github.com/hitoshi/seatwatch/internal/repository"
)

// Adapter は配信チャネルの差し替え点。
// Validateで構造的に配信不能なジョブを弾き、Attemptで1回分の送信を行う。
type Adapter interface {
	// Channel はメトリクスやログで使うチャネル識別子を返す。
	Channel() string
	// ContactTypes はこのアダプタが処理する連絡先種別を返す。
	ContactTypes() []string
	// RateLimitKey はレート制限のキーを返す。
	RateLimitKey(job model.NotificationJob) string
	// Validate は配信前の適格性チェックを行う。非nilを返すとジョブはスキップされる。
	Validate(job model.NotificationJob) *notify.SendError
	// Attempt は1回分の送信を実行する。
	Attempt(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult
}

// Config はディスパッチャの動作設定。
type Config struct {
	// BatchSize は1サイクルでクレームする最大件数。
	BatchSize int
	// Interval はキューが空のときの待機間隔。
	Interval time.Duration
	// LockTTL はクレームしたリースの有効期間。
	LockTTL time.Duration
	// WorkerID はロック所有者の識別子。
	WorkerID string
	// MaxAttempts はキューレベルの最大試行回数。超過でfailedに確定する。
	MaxAttempts int
	// RetryBackoffMs はキューレベルのリトライ待機表（試行回数でインデックス）。
	RetryBackoffMs []int64
}

// skippableCodes は再試行しても成功しない構造的エラーのコード。
var skippableCodes = map[notify.SendErrorCode]struct{}{
	notify.ErrCodeInvalidRecipient:        {},
	notify.ErrCodeValidation:              {},
	notify.ErrCodeTemplateMissingLocale:   {},
	notify.ErrCodeTemplateVariableMissing: {},
	notify.ErrCodeIneligible:              {},
	notify.ErrCodeUnsupportedContact:      {},
	notify.ErrCodeInvalidTarget:           {},
	notify.ErrCodeChannelBlocked:          {},
}

// Dispatcher はキュー行をクレームしてチャネルアダプタ経由で配信する。
type Dispatcher struct {
	repo    repository.NotificationRepository
	adapter Adapter
	sender  *notify.ReliableSender
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config

	// テストで差し替える
	now func() time.Time
}

// New はDispatcherの新しいインスタンスを生成する。
func New(
	repo repository.NotificationRepository,
	adapter Adapter,
	sender *notify.ReliableSender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.RetryBackoffMs) == 0 {
		cfg.RetryBackoffMs = []int64{0, 2000, 7000}
	}
	return &Dispatcher{
		repo:    repo,
		adapter: adapter,
		sender:  sender,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run はディスパッチャを起動する。コンテキストがキャンセルされるまで実行を継続する。
// キューに残件がある間は短い間隔で連続処理し、空になったら通常間隔に戻る。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("ディスパッチャを開始しました",
		slog.String("channel", d.adapter.Channel()),
		slog.Int("batch_size", d.cfg.BatchSize),
		slog.Duration("lock_ttl", d.cfg.LockTTL),
	)

	for {
		processed, err := d.RunBatch(ctx)
		if err != nil {
			d.logger.Error("配信サイクルの実行に失敗しました",
				slog.String("channel", d.adapter.Channel()),
				slog.String("error", err.Error()),
			)
		}

		delay := d.cfg.Interval
		if processed > 0 {
			delay = 200 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("ディスパッチャを停止しました",
				slog.String("channel", d.adapter.Channel()),
			)
			return nil
		case <-timer.C:
		}
	}
}

// RunBatch は1サイクル分のクレームと配信を行い、処理した件数を返す。
func (d *Dispatcher) RunBatch(ctx context.Context) (int, error) {
	now := d.now()

	ids, err := d.repo.Claim(ctx, d.adapter.ContactTypes(), d.cfg.BatchSize, d.cfg.LockTTL, d.cfg.WorkerID, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	jobs, err := d.repo.LoadJobs(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		outcome := d.handleJob(ctx, job)
		if err := d.repo.PersistOutcome(ctx, outcome, d.now()); err != nil {
			d.logger.Error("配信結果の保存に失敗しました",
				slog.Int64("notification_id", job.NotificationID),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.metrics.RecordDispatch(d.adapter.Channel(), string(outcome.FanoutStatus))
		d.logger.Info("配信ジョブを処理しました",
			slog.String("channel", d.adapter.Channel()),
			slog.Int64("notification_id", job.NotificationID),
			slog.String("status", string(outcome.FanoutStatus)),
			slog.Int("attempts", outcome.Attempts),
		)
	}

	return len(jobs), nil
}

// handleJob は1件分の配信を実行し、永続化する結果を組み立てる。
func (d *Dispatcher) handleJob(ctx context.Context, job model.NotificationJob) repository.ClaimOutcome {
	if sendErr := d.adapter.Validate(job); sendErr != nil {
		return repository.ClaimOutcome{
			NotificationID: job.NotificationID,
			SubscriptionID: job.Subscription.ID,
			FanoutStatus:   model.FanoutSkipped,
			Attempts:       job.FanoutAttempts,
			Error:          marshalError(sendErr),
		}
	}

	msg := notify.Message{
		DedupeKey:    job.DedupeKey,
		RateLimitKey: d.adapter.RateLimitKey(job),
		TraceID:      job.Event.TraceID,
	}
	outcome, err := d.sender.Send(ctx, msg, func(ctx context.Context, attempt int) notify.SendResult {
		return d.adapter.Attempt(ctx, job, attempt)
	})
	d.metrics.RecordSendAttempts(d.adapter.Channel(), len(outcome.Attempts))

	attempts := job.FanoutAttempts + len(outcome.Attempts)
	if attempts == job.FanoutAttempts {
		attempts++
	}

	if err != nil {
		// コンテキストキャンセル等で試行が中断された。ロックを解いて再配信に委ねる
		return repository.ClaimOutcome{
			NotificationID: job.NotificationID,
			SubscriptionID: job.Subscription.ID,
			FanoutStatus:   model.FanoutPending,
			Attempts:       attempts,
			Error:          marshalOutcome(outcome),
		}
	}

	final := outcome.FinalResult
	switch final.Status {
	case notify.StatusSent:
		return repository.ClaimOutcome{
			NotificationID:        job.NotificationID,
			SubscriptionID:        job.Subscription.ID,
			FanoutStatus:          model.FanoutSent,
			Attempts:              attempts,
			UpdateLastNotified:    true,
			EventType:             model.SubscriptionEventNotifySent,
			EventPayload:          d.auditPayload(job, final),
			SectionStatusSnapshot: sectionStatusSnapshot(job),
		}

	case notify.StatusRetryable:
		if attempts >= d.cfg.MaxAttempts {
			return repository.ClaimOutcome{
				NotificationID:        job.NotificationID,
				SubscriptionID:        job.Subscription.ID,
				FanoutStatus:          model.FanoutFailed,
				Attempts:              attempts,
				Error:                 marshalOutcome(outcome),
				EventType:             model.SubscriptionEventNotifyFailed,
				EventPayload:          d.auditPayload(job, final),
				SectionStatusSnapshot: sectionStatusSnapshot(job),
			}
		}
		lockedAt := d.retryLock(final, attempts)
		return repository.ClaimOutcome{
			NotificationID: job.NotificationID,
			SubscriptionID: job.Subscription.ID,
			FanoutStatus:   model.FanoutPending,
			Attempts:       attempts,
			Error:          marshalOutcome(outcome),
			LockedAt:       &lockedAt,
		}

	default:
		if _, skippable := skippableCodes[final.ErrorCode()]; skippable {
			return repository.ClaimOutcome{
				NotificationID: job.NotificationID,
				SubscriptionID: job.Subscription.ID,
				FanoutStatus:   model.FanoutSkipped,
				Attempts:       attempts,
				Error:          marshalOutcome(outcome),
			}
		}
		return repository.ClaimOutcome{
			NotificationID:        job.NotificationID,
			SubscriptionID:        job.Subscription.ID,
			FanoutStatus:          model.FanoutFailed,
			Attempts:              attempts,
			Error:                 marshalOutcome(outcome),
			EventType:             model.SubscriptionEventNotifyFailed,
			EventPayload:          d.auditPayload(job, final),
			SectionStatusSnapshot: sectionStatusSnapshot(job),
		}
	}
}

// retryLock はリトライまでの待機時間をロック時刻の巻き戻しで表現する。
// ロックはTTL経過で期限切れになるため、
// lockedAt = now - (TTL - 待機時間) - 1ms とすると待機時間後に再クレーム可能になる。
func (d *Dispatcher) retryLock(final notify.SendResult, attempts int) time.Time {
	idx := attempts
	if idx >= len(d.cfg.RetryBackoffMs) {
		idx = len(d.cfg.RetryBackoffMs) - 1
	}
	delayMs := d.cfg.RetryBackoffMs[idx]
	if retryAfter := int64(final.RetryAfterSeconds) * 1000; retryAfter > delayMs {
		delayMs = retryAfter
	}
	maxMs := d.cfg.LockTTL.Milliseconds() - 1
	if delayMs > maxMs {
		delayMs = maxMs
	}
	if delayMs < 0 {
		delayMs = 0
	}
	delay := time.Duration(delayMs) * time.Millisecond
	return d.now().Add(-(d.cfg.LockTTL - delay)).Add(-time.Millisecond)
}

// auditPayload は監査レコードのペイロードJSONを組み立てる。
func (d *Dispatcher) auditPayload(job model.NotificationJob, final notify.SendResult) string {
	payload := map[string]any{
		"channel":     d.adapter.Channel(),
		"openEventId": job.OpenEventID,
		"dedupeKey":   job.DedupeKey,
		"traceId":     job.Event.TraceID,
	}
	if final.ProviderMessageID != "" {
		payload["providerMessageId"] = final.ProviderMessageID
	}
	if final.Error != nil {
		payload["errorCode"] = string(final.Error.Code)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func sectionStatusSnapshot(job model.NotificationJob) string {
	if job.Event.StatusAfter != "" {
		return job.Event.StatusAfter
	}
	if job.Subscription.LastKnownSectionStatus != "" {
		return job.Subscription.LastKnownSectionStatus
	}
	return model.SectionOpen
}

func marshalError(sendErr *notify.SendError) string {
	raw, err := json.Marshal(sendErr)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func marshalOutcome(outcome notify.SendOutcome) string {
	raw, err := json.Marshal(map[string]any{
		"finalResult": outcome.FinalResult,
		"attempts":    outcome.Attempts,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
