// Package limiter 提供加入房間嘗試的令牌桶限流。
//
// 每條 websocket 連接各持有一個桶，防止以腳本暴力猜測五位數加入碼。
package limiter

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶
//
// 固定容量、固定速率填充；令牌以小數累積，低速率（例如每秒 0.5 個）也能正確補充。
type TokenBucket struct {
	capacity   float64   // 桶容量（最大突發）
	tokens     float64   // 當前令牌數
	refillRate float64   // 每秒填充數
	lastRefill time.Time // 上次填充時間
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶，初始為滿
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, refillRate, time.Now)
}

// NewTokenBucketWithClock 建立使用指定時鐘的令牌桶（測試用）
func NewTokenBucketWithClock(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 當前令牌數（向下取整，用於監控）
func (tb *TokenBucket) Tokens() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now
}

// Unlimited 總是允許
type Unlimited struct{}

// Allow 實作 Limiter
func (Unlimited) Allow() bool { return true }

// Limiter 限流器介面
type Limiter interface {
	Allow() bool
}

// Factory 為每條連接建立新的限流器
type Factory func() Limiter

// NewFactory 依設定返回工廠；rate <= 0 表示不限流
func NewFactory(burst int, rate float64) Factory {
	if rate <= 0 || burst <= 0 {
		return func() Limiter { return Unlimited{} }
	}
	return func() Limiter { return NewTokenBucket(burst, rate) }
}
