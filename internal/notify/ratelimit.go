package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter はキー単位のトークンバケットを管理する。
// 同一プロバイダへの送信レートを抑え、429の発生を予防する。
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	capacity int
}

// NewRateLimiter はRateLimiterを生成する。
// バケット容量は max(1, min(burst, maxPerSecond*bucketWidthSeconds))。
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	capacity := int(cfg.MaxPerSecond * float64(cfg.BucketWidthSeconds))
	if cfg.Burst < capacity {
		capacity = cfg.Burst
	}
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(cfg.MaxPerSecond),
		capacity: capacity,
	}
}

// Wait はキーのバケットからトークンを1つ取得する。
// トークンがない場合は補充されるまでブロックする。
// コンテキストがキャンセルされた場合はそのエラーを返す。
func (l *RateLimiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = DefaultRateLimitKey
	}
	return l.limiterFor(key).Wait(ctx)
}

func (l *RateLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.capacity)
		l.limiters[key] = lim
	}
	return lim
}
