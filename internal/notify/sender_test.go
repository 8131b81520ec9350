package notify

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSender(policy RetryPolicy) (*ReliableSender, *[]time.Duration) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	limiter := NewRateLimiter(RateLimitConfig{MaxPerSecond: 1000, Burst: 1000, BucketWidthSeconds: 1})
	s := NewReliableSender(limiter, policy, logger)

	sleeps := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	s.now = func() time.Time { return time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC) }
	s.randF = func() float64 { return 0 }
	return s, sleeps
}

func sentResult() SendResult {
	return SendResult{Status: StatusSent, Provider: "test", ProviderMessageID: "msg-1"}
}

func retryableResult(code SendErrorCode) SendResult {
	return SendResult{
		Status: StatusRetryable,
		Error:  &SendError{Code: code, Message: "transient"},
	}
}

func TestSend_SucceedsFirstAttempt(t *testing.T) {
	s, sleeps := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{0, 2000, 7000},
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited},
	})

	outcome, err := s.Send(context.Background(), Message{DedupeKey: "k1"}, func(ctx context.Context, attempt int) SendResult {
		return sentResult()
	})
	if err != nil {
		t.Fatalf("Send() がエラーを返した: %v", err)
	}
	if outcome.FinalResult.Status != StatusSent {
		t.Errorf("最終結果 = %s, want sent", outcome.FinalResult.Status)
	}
	if len(outcome.Attempts) != 1 {
		t.Errorf("試行回数 = %d, want 1", len(outcome.Attempts))
	}
	if outcome.FinalResult.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", outcome.FinalResult.Attempt)
	}
	if len(*sleeps) != 0 {
		t.Errorf("成功時にスリープが発生した: %v", *sleeps)
	}
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	s, sleeps := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{1000, 2000, 7000},
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited},
	})

	calls := 0
	outcome, err := s.Send(context.Background(), Message{DedupeKey: "k1"}, func(ctx context.Context, attempt int) SendResult {
		calls++
		if calls < 3 {
			return retryableResult(ErrCodeRateLimited)
		}
		return sentResult()
	})
	if err != nil {
		t.Fatalf("Send() がエラーを返した: %v", err)
	}
	if calls != 3 {
		t.Errorf("試行回数 = %d, want 3", calls)
	}
	if outcome.FinalResult.Status != StatusSent {
		t.Errorf("最終結果 = %s, want sent", outcome.FinalResult.Status)
	}
	if len(outcome.Attempts) != 3 {
		t.Errorf("試行履歴 = %d件, want 3", len(outcome.Attempts))
	}
	// バックオフ表の1番目と2番目が使われる
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("待機時間 = %v, want %v", *sleeps, want)
	}
	if outcome.Attempts[0].NextDelayMs != 1000 {
		t.Errorf("NextDelayMs = %d, want 1000", outcome.Attempts[0].NextDelayMs)
	}
}

func TestSend_RetryAfterOverridesBackoff(t *testing.T) {
	s, sleeps := newTestSender(RetryPolicy{
		MaxAttempts:     2,
		BackoffMs:       []int64{1000},
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited},
	})

	calls := 0
	_, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		calls++
		if calls == 1 {
			res := retryableResult(ErrCodeRateLimited)
			res.RetryAfterSeconds = 30
			return res
		}
		return sentResult()
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 30*time.Second {
		t.Errorf("待機時間 = %v, want [30s] (Retry-After優先)", *sleeps)
	}
}

func TestSend_JitterExtendsDelay(t *testing.T) {
	s, sleeps := newTestSender(RetryPolicy{
		MaxAttempts:     2,
		BackoffMs:       []int64{1000},
		Jitter:          0.25,
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited},
	})
	s.randF = func() float64 { return 1 }

	calls := 0
	_, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		calls++
		if calls == 1 {
			return retryableResult(ErrCodeRateLimited)
		}
		return sentResult()
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 1250*time.Millisecond {
		t.Errorf("待機時間 = %v, want [1.25s]", *sleeps)
	}
}

func TestSend_StopsOnNonRetryableCode(t *testing.T) {
	s, _ := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{0},
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited},
	})

	calls := 0
	outcome, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		calls++
		return retryableResult(ErrCodeUnauthorized)
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("許可外コードでリトライされた: calls = %d", calls)
	}
	if outcome.FinalResult.Status != StatusRetryable {
		t.Errorf("最終結果 = %s, want retryable", outcome.FinalResult.Status)
	}
}

func TestSend_StopsOnPermanentFailure(t *testing.T) {
	s, _ := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{0},
		RetryableErrors: []SendErrorCode{ErrCodeRateLimited, ErrCodeProvider},
	})

	calls := 0
	outcome, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		calls++
		return SendResult{
			Status: StatusFailed,
			Error:  &SendError{Code: ErrCodeInvalidRecipient, Message: "bad address"},
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("恒久的失敗でリトライされた: calls = %d", calls)
	}
	if outcome.FinalResult.ErrorCode() != ErrCodeInvalidRecipient {
		t.Errorf("エラーコード = %s, want invalid_recipient", outcome.FinalResult.ErrorCode())
	}
}

func TestSend_ExhaustsMaxAttempts(t *testing.T) {
	s, sleeps := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{100, 200},
		RetryableErrors: []SendErrorCode{ErrCodeNetwork},
	})

	calls := 0
	outcome, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		calls++
		return retryableResult(ErrCodeNetwork)
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("試行回数 = %d, want 3", calls)
	}
	// 最終試行後はスリープしない
	if len(*sleeps) != 2 {
		t.Errorf("待機回数 = %d, want 2", len(*sleeps))
	}
	if outcome.FinalResult.Status != StatusRetryable {
		t.Errorf("最終結果 = %s, want retryable", outcome.FinalResult.Status)
	}
	if len(outcome.Attempts) != 3 {
		t.Errorf("試行履歴 = %d件, want 3", len(outcome.Attempts))
	}
}

func TestSend_SleepCancellationAborts(t *testing.T) {
	s, _ := newTestSender(RetryPolicy{
		MaxAttempts:     3,
		BackoffMs:       []int64{1000},
		RetryableErrors: []SendErrorCode{ErrCodeNetwork},
	})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	outcome, err := s.Send(context.Background(), Message{}, func(ctx context.Context, attempt int) SendResult {
		return retryableResult(ErrCodeNetwork)
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if outcome.FinalResult.Status != StatusRetryable {
		t.Errorf("中断時も直近の結果を返すべき: %+v", outcome.FinalResult)
	}
}

func TestSend_DedupesConcurrentSends(t *testing.T) {
	s, _ := newTestSender(RetryPolicy{MaxAttempts: 1})

	gate := make(chan struct{})
	var calls atomic.Int64
	attempt := func(ctx context.Context, n int) SendResult {
		calls.Add(1)
		<-gate
		return sentResult()
	}

	var wg sync.WaitGroup
	results := make([]SendOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := s.Send(context.Background(), Message{DedupeKey: "same-key"}, attempt)
			if err != nil {
				t.Errorf("Send() がエラーを返した: %v", err)
			}
			results[i] = outcome
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("基盤の送信回数 = %d, want 1 (集約されるべき)", got)
	}
	if results[0].FinalResult.ProviderMessageID != results[1].FinalResult.ProviderMessageID {
		t.Error("両呼び出しが同じ結果を受け取るべき")
	}
}

func TestSend_EmptyDedupeKeySkipsCollapsing(t *testing.T) {
	s, _ := newTestSender(RetryPolicy{MaxAttempts: 1})

	gate := make(chan struct{})
	var calls atomic.Int64
	attempt := func(ctx context.Context, n int) SendResult {
		calls.Add(1)
		<-gate
		return sentResult()
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Send(context.Background(), Message{}, attempt); err != nil {
				t.Errorf("Send() がエラーを返した: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("基盤の送信回数 = %d, want 2 (キーなしは集約しない)", got)
	}
}
