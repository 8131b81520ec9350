package notify

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"
)

// AttemptFunc は1回の送信試行を実行する。
// 期待される失敗はStatusRetryable/StatusFailedの結果として返し、
// errorを返すのは試行自体が実行できなかった場合のみ。
type AttemptFunc func(ctx context.Context, attempt int) SendResult

// ReliableSender はレート制限とリトライと同時送信集約を備えた送信実行器。
// 同一DedupeKeyの送信が同時に要求された場合、基盤の送信は1回だけ実行され
// 全ての呼び出し元が同じ結果を受け取る。
type ReliableSender struct {
	limiter *RateLimiter
	policy  RetryPolicy
	logger  *slog.Logger
	group   singleflight.Group

	// テストで差し替える
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	randF func() float64
}

// NewReliableSender はReliableSenderを生成する。
func NewReliableSender(limiter *RateLimiter, policy RetryPolicy, logger *slog.Logger) *ReliableSender {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &ReliableSender{
		limiter: limiter,
		policy:  policy,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
		randF:   rand.Float64,
	}
}

// Send はメッセージをリトライ付きで送信し、全試行の集約結果を返す。
// DedupeKeyが同じ送信が進行中の場合は新たな送信を開始せず、
// 進行中の送信の完了を待ってその結果を返す。
func (s *ReliableSender) Send(ctx context.Context, msg Message, attempt AttemptFunc) (SendOutcome, error) {
	key := msg.DedupeKey
	if key == "" {
		// デデュープキーがなければ集約しない
		return s.sendWithRetry(ctx, msg, attempt)
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		outcome, err := s.sendWithRetry(ctx, msg, attempt)
		if err != nil {
			return SendOutcome{}, err
		}
		return outcome, nil
	})
	if err != nil {
		return SendOutcome{}, err
	}
	return v.(SendOutcome), nil
}

func (s *ReliableSender) sendWithRetry(ctx context.Context, msg Message, attempt AttemptFunc) (SendOutcome, error) {
	outcome := SendOutcome{}
	for n := 1; n <= s.policy.MaxAttempts; n++ {
		waitStart := s.now()
		if err := s.limiter.Wait(ctx, msg.RateLimitKey); err != nil {
			return outcome, err
		}
		start := s.now()
		result := attempt(ctx, n)
		end := s.now()
		result.Attempt = n
		result.DurationMs = durationMs(start, end)

		rec := SendAttempt{
			Attempt:    n,
			StartedAt:  start.UTC().Format(time.RFC3339Nano),
			FinishedAt: end.UTC().Format(time.RFC3339Nano),
			DurationMs: result.DurationMs,
			WaitMs:     durationMs(waitStart, start),
			Result:     result,
		}

		retry := result.Status == StatusRetryable &&
			s.policy.Retryable(result.ErrorCode()) &&
			n < s.policy.MaxAttempts
		if retry {
			delay := s.nextDelay(n, result)
			rec.NextDelayMs = delay.Milliseconds()
			outcome.Attempts = append(outcome.Attempts, rec)
			s.logger.Warn("送信失敗、リトライします",
				slog.String("dedupe_key", msg.DedupeKey),
				slog.String("trace_id", msg.TraceID),
				slog.Int("attempt", n),
				slog.String("error_code", string(result.ErrorCode())),
				slog.Int64("delay_ms", delay.Milliseconds()),
			)
			if err := s.sleep(ctx, delay); err != nil {
				outcome.FinalResult = result
				return outcome, err
			}
			continue
		}

		outcome.Attempts = append(outcome.Attempts, rec)
		outcome.FinalResult = result
		return outcome, nil
	}
	// MaxAttempts >= 1 なのでここには到達しない
	return outcome, nil
}

// nextDelay は次の試行までの待機時間を計算する。
// ベースはバックオフ表とプロバイダ指定のRetry-Afterの大きい方で、
// そこにジッターを加える。
func (s *ReliableSender) nextDelay(attempt int, result SendResult) time.Duration {
	idx := attempt - 1
	if idx >= len(s.policy.BackoffMs) {
		idx = len(s.policy.BackoffMs) - 1
	}
	var baseMs int64
	if idx >= 0 {
		baseMs = s.policy.BackoffMs[idx]
	}
	if retryAfter := int64(result.RetryAfterSeconds * 1000); retryAfter > baseMs {
		baseMs = retryAfter
	}
	delayMs := float64(baseMs)
	if s.policy.Jitter > 0 {
		delayMs += s.policy.Jitter * delayMs * s.randF()
	}
	return time.Duration(delayMs) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
