package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/notify"
	"github.com/hitoshi/seatwatch/internal/repository"
)

// --- フェイク定義 ---

type fakeRepo struct {
	claimFunc func(ctx context.Context, contactTypes []string, limit int, lockTTL time.Duration, workerID string, now time.Time) ([]int64, error)
	jobs      []model.NotificationJob

	loadCalls int
	persisted []repository.ClaimOutcome
}

func (r *fakeRepo) Claim(ctx context.Context, contactTypes []string, limit int, lockTTL time.Duration, workerID string, now time.Time) ([]int64, error) {
	if r.claimFunc != nil {
		return r.claimFunc(ctx, contactTypes, limit, lockTTL, workerID, now)
	}
	ids := make([]int64, 0, len(r.jobs))
	for _, job := range r.jobs {
		ids = append(ids, job.NotificationID)
	}
	return ids, nil
}

func (r *fakeRepo) LoadJobs(ctx context.Context, ids []int64) ([]model.NotificationJob, error) {
	r.loadCalls++
	return r.jobs, nil
}

func (r *fakeRepo) PersistOutcome(ctx context.Context, outcome repository.ClaimOutcome, now time.Time) error {
	r.persisted = append(r.persisted, outcome)
	return nil
}

func (r *fakeRepo) ClaimLocal(ctx context.Context, deviceHash string, limit int, now time.Time) ([]model.NotificationJob, error) {
	return nil, nil
}

type fakeAdapter struct {
	validateFunc func(job model.NotificationJob) *notify.SendError
	attemptFunc  func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult

	attemptCalls int
}

func (a *fakeAdapter) Channel() string        { return "test-channel" }
func (a *fakeAdapter) ContactTypes() []string { return []string{model.ContactTypeEmail} }
func (a *fakeAdapter) RateLimitKey(job model.NotificationJob) string {
	return "test-channel"
}

func (a *fakeAdapter) Validate(job model.NotificationJob) *notify.SendError {
	if a.validateFunc != nil {
		return a.validateFunc(job)
	}
	return nil
}

func (a *fakeAdapter) Attempt(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
	a.attemptCalls++
	if a.attemptFunc != nil {
		return a.attemptFunc(ctx, job, attempt)
	}
	return notify.SendResult{Status: notify.StatusSent, Provider: "test", ProviderMessageID: "m-1"}
}

type noopMetrics struct {
	dispatches map[string]int
}

func (m *noopMetrics) RecordPoll(string)                         {}
func (m *noopMetrics) RecordPollFailure(string)                  {}
func (m *noopMetrics) RecordPollDuration(string, time.Duration)  {}
func (m *noopMetrics) RecordOpenIndexes(string, int)             {}
func (m *noopMetrics) RecordEventsEmitted(string, int)           {}
func (m *noopMetrics) RecordNotificationsQueued(string, int)     {}
func (m *noopMetrics) RecordSendAttempts(string, int)            {}
func (m *noopMetrics) RecordDispatch(channel string, status string) {
	if m.dispatches == nil {
		m.dispatches = make(map[string]int)
	}
	m.dispatches[status]++
}

var fixedNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(repo *fakeRepo, adapter *fakeAdapter, cfg Config) *Dispatcher {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sender := notify.NewReliableSender(
		notify.NewRateLimiter(notify.RateLimitConfig{MaxPerSecond: 1000, Burst: 1000, BucketWidthSeconds: 1}),
		notify.RetryPolicy{MaxAttempts: 1},
		logger,
	)
	d := New(repo, adapter, sender, &noopMetrics{}, logger, cfg)
	d.now = func() time.Time { return fixedNow }
	return d
}

func dispatchJob(attempts int) model.NotificationJob {
	return model.NotificationJob{
		NotificationID: 7,
		OpenEventID:    10,
		DedupeKey:      "dk-1",
		FanoutAttempts: attempts,
		Event: model.OpenEvent{
			ID:          10,
			TermID:      "92024",
			CampusCode:  "NB",
			IndexNumber: "10101",
			StatusAfter: model.SectionOpen,
			TraceID:     "trace-1",
		},
		Subscription: model.Subscription{
			ID:           42,
			ContactType:  model.ContactTypeEmail,
			ContactValue: "student@example.com",
			Status:       model.SubscriptionActive,
		},
	}
}

// --- 配信結果の永続化 ---

func TestRunBatch_SentOutcome(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(0)}}
	adapter := &fakeAdapter{}
	d := newTestDispatcher(repo, adapter, Config{WorkerID: "w-1"})

	processed, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch() がエラーを返した: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if len(repo.persisted) != 1 {
		t.Fatalf("永続化された件数 = %d, want 1", len(repo.persisted))
	}

	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutSent {
		t.Errorf("FanoutStatus = %s, want sent", outcome.FanoutStatus)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
	if !outcome.UpdateLastNotified {
		t.Error("UpdateLastNotifiedがfalse")
	}
	if outcome.EventType != model.SubscriptionEventNotifySent {
		t.Errorf("EventType = %q, want notify_sent", outcome.EventType)
	}
	if !strings.Contains(outcome.EventPayload, `"providerMessageId":"m-1"`) {
		t.Errorf("監査ペイロードにproviderMessageIdがない: %s", outcome.EventPayload)
	}
	if outcome.SectionStatusSnapshot != model.SectionOpen {
		t.Errorf("SectionStatusSnapshot = %q, want OPEN", outcome.SectionStatusSnapshot)
	}
	if outcome.LockedAt != nil {
		t.Error("成功時のLockedAtは不要")
	}
}

func TestRunBatch_RetryableBacksOffViaLock(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(0)}}
	adapter := &fakeAdapter{
		attemptFunc: func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
			return notify.SendResult{
				Status:   notify.StatusRetryable,
				Provider: "test",
				Error:    &notify.SendError{Code: notify.ErrCodeProvider, Message: "boom"},
			}
		},
	}
	cfg := Config{MaxAttempts: 3, LockTTL: 2 * time.Minute, RetryBackoffMs: []int64{0, 2000, 7000}}
	d := newTestDispatcher(repo, adapter, cfg)

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutPending {
		t.Fatalf("FanoutStatus = %s, want pending", outcome.FanoutStatus)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
	if outcome.LockedAt == nil {
		t.Fatal("リトライ待機用のLockedAtが未設定")
	}
	// backoff[1]=2000ms 待機: lockedAt = now - (TTL - 2s) - 1ms
	want := fixedNow.Add(-(2*time.Minute - 2*time.Second)).Add(-time.Millisecond)
	if !outcome.LockedAt.Equal(want) {
		t.Errorf("LockedAt = %v, want %v", outcome.LockedAt, want)
	}
	if outcome.EventType != "" {
		t.Errorf("リトライ中に監査イベントが記録された: %q", outcome.EventType)
	}
}

func TestRunBatch_RetryAfterOverridesQueueBackoff(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(0)}}
	adapter := &fakeAdapter{
		attemptFunc: func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
			return notify.SendResult{
				Status:            notify.StatusRetryable,
				Provider:          "test",
				RetryAfterSeconds: 30,
				Error:             &notify.SendError{Code: notify.ErrCodeRateLimited, Message: "429"},
			}
		},
	}
	d := newTestDispatcher(repo, adapter, Config{MaxAttempts: 3, LockTTL: 2 * time.Minute, RetryBackoffMs: []int64{0, 2000, 7000}})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome := repo.persisted[0]
	want := fixedNow.Add(-(2*time.Minute - 30*time.Second)).Add(-time.Millisecond)
	if outcome.LockedAt == nil || !outcome.LockedAt.Equal(want) {
		t.Errorf("LockedAt = %v, want %v (Retry-After優先)", outcome.LockedAt, want)
	}
}

func TestRunBatch_RetryableExhaustsMaxAttempts(t *testing.T) {
	// 既に2回失敗済みのジョブが3回目も失敗するとfailedに確定する
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(2)}}
	adapter := &fakeAdapter{
		attemptFunc: func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
			return notify.SendResult{
				Status:   notify.StatusRetryable,
				Provider: "test",
				Error:    &notify.SendError{Code: notify.ErrCodeProvider, Message: "boom"},
			}
		},
	}
	d := newTestDispatcher(repo, adapter, Config{MaxAttempts: 3})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutFailed {
		t.Errorf("FanoutStatus = %s, want failed", outcome.FanoutStatus)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", outcome.Attempts)
	}
	if outcome.EventType != model.SubscriptionEventNotifyFailed {
		t.Errorf("EventType = %q, want notify_failed", outcome.EventType)
	}
	if !strings.Contains(outcome.EventPayload, `"errorCode":"provider_error"`) {
		t.Errorf("監査ペイロードにerrorCodeがない: %s", outcome.EventPayload)
	}
	if outcome.LockedAt != nil {
		t.Error("確定失敗でLockedAtが設定された")
	}
}

func TestRunBatch_SkippableFailureSkips(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(0)}}
	adapter := &fakeAdapter{
		attemptFunc: func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
			return notify.SendResult{
				Status:   notify.StatusFailed,
				Provider: "test",
				Error:    &notify.SendError{Code: notify.ErrCodeInvalidRecipient, Message: "bad address"},
			}
		},
	}
	d := newTestDispatcher(repo, adapter, Config{})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutSkipped {
		t.Errorf("FanoutStatus = %s, want skipped", outcome.FanoutStatus)
	}
	if outcome.EventType != "" {
		t.Errorf("スキップで監査イベントが記録された: %q", outcome.EventType)
	}
}

func TestRunBatch_PermanentFailureFails(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(0)}}
	adapter := &fakeAdapter{
		attemptFunc: func(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
			return notify.SendResult{
				Status:   notify.StatusFailed,
				Provider: "test",
				Error:    &notify.SendError{Code: notify.ErrCodeUnauthorized, Message: "bad token"},
			}
		},
	}
	d := newTestDispatcher(repo, adapter, Config{})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutFailed {
		t.Errorf("FanoutStatus = %s, want failed", outcome.FanoutStatus)
	}
	if outcome.EventType != model.SubscriptionEventNotifyFailed {
		t.Errorf("EventType = %q, want notify_failed", outcome.EventType)
	}
}

func TestRunBatch_ValidateErrorSkipsWithoutAttempt(t *testing.T) {
	repo := &fakeRepo{jobs: []model.NotificationJob{dispatchJob(2)}}
	adapter := &fakeAdapter{
		validateFunc: func(job model.NotificationJob) *notify.SendError {
			return &notify.SendError{Code: notify.ErrCodeIneligible, Message: "購読状態=unsubscribed"}
		},
	}
	d := newTestDispatcher(repo, adapter, Config{})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if adapter.attemptCalls != 0 {
		t.Errorf("検証失敗後に送信が試行された: %d回", adapter.attemptCalls)
	}
	outcome := repo.persisted[0]
	if outcome.FanoutStatus != model.FanoutSkipped {
		t.Errorf("FanoutStatus = %s, want skipped", outcome.FanoutStatus)
	}
	// 検証失敗は試行ではないので回数は据え置き
	if outcome.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", outcome.Attempts)
	}
	if !strings.Contains(outcome.Error, "ineligible") {
		t.Errorf("エラーJSONにコードがない: %s", outcome.Error)
	}
}

func TestRunBatch_EmptyQueue(t *testing.T) {
	repo := &fakeRepo{}
	d := newTestDispatcher(repo, &fakeAdapter{}, Config{})

	processed, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	if repo.loadCalls != 0 {
		t.Errorf("空クレームでLoadJobsが呼ばれた: %d回", repo.loadCalls)
	}
}

func TestRunBatch_ClaimUsesAdapterContactTypes(t *testing.T) {
	var claimedTypes []string
	repo := &fakeRepo{
		claimFunc: func(ctx context.Context, contactTypes []string, limit int, lockTTL time.Duration, workerID string, now time.Time) ([]int64, error) {
			claimedTypes = contactTypes
			return nil, nil
		},
	}
	d := newTestDispatcher(repo, &fakeAdapter{}, Config{})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(claimedTypes) != 1 || claimedTypes[0] != model.ContactTypeEmail {
		t.Errorf("クレーム対象の連絡先種別 = %v", claimedTypes)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	d := newTestDispatcher(&fakeRepo{}, &fakeAdapter{}, Config{})

	if d.cfg.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", d.cfg.BatchSize)
	}
	if d.cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", d.cfg.Interval)
	}
	if d.cfg.LockTTL != 2*time.Minute {
		t.Errorf("LockTTL = %v, want 2m", d.cfg.LockTTL)
	}
	if d.cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", d.cfg.MaxAttempts)
	}
}
