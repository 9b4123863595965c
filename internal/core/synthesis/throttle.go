package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter はプロバイダ呼び出しのレート制限を管理する
// 1分あたりのリクエスト数をトークンバケットで、同時実行数をセマフォで制御する。
type RateLimiter struct {
	mu sync.Mutex

	maxRequestsPerMinute int
	tokens               int
	lastRefill           time.Time
	waiting              int
	retryInterval        time.Duration

	semaphore chan struct{}
	now       func() time.Time
}

// NewRateLimiter は新しい RateLimiter を作成する
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxRequestsPerMinute: maxRequestsPerMinute,
		tokens:               maxRequestsPerMinute,
		lastRefill:           time.Now(),
		retryInterval:        time.Second,
		semaphore:            make(chan struct{}, maxRequestsPerMinute),
		now:                  time.Now,
	}
}

// Wait はトークンを1つ取得するまで待機する
// 取得できた場合は必ず Release を呼ぶこと
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case rl.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	rl.mu.Lock()
	for {
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		rl.waiting++
		rl.mu.Unlock()

		select {
		case <-time.After(rl.retryInterval):
		case <-ctx.Done():
			rl.mu.Lock()
			rl.waiting--
			rl.mu.Unlock()
			<-rl.semaphore
			return ctx.Err()
		}

		rl.mu.Lock()
		rl.waiting--
	}
}

// Release は Wait で取得した実行枠を解放する
func (rl *RateLimiter) Release() {
	<-rl.semaphore
}

// refill は経過した分単位でトークンを補充する。呼び出し側でロックを取得していること。
func (rl *RateLimiter) refill() {
	elapsed := rl.now().Sub(rl.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	rl.tokens = min(rl.tokens+minutes*rl.maxRequestsPerMinute, rl.maxRequestsPerMinute)
	rl.lastRefill = rl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Status は現在の状態を返す
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return RateLimiterStatus{
		MaxRequestsPerMinute: rl.maxRequestsPerMinute,
		AvailableTokens:      rl.tokens,
		WaitingRequests:      rl.waiting,
		ActiveRequests:       len(rl.semaphore),
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	AvailableTokens      int
	WaitingRequests      int
	ActiveRequests       int
}

func (s RateLimiterStatus) String() string {
	return fmt.Sprintf("RateLimiter: max=%d/min, available=%d, waiting=%d, active=%d",
		s.MaxRequestsPerMinute, s.AvailableTokens, s.WaitingRequests, s.ActiveRequests)
}

// ThrottledProvider はレート制限付きの Provider
// 複数ワーカーで1つを共有し、プロバイダ全体へのリクエスト数を抑える。
type ThrottledProvider struct {
	next    Provider
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewThrottledProvider は1分あたり maxRequestsPerMinute 回までに制限した Provider を返す
func NewThrottledProvider(next Provider, maxRequestsPerMinute int, logger *slog.Logger) *ThrottledProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThrottledProvider{
		next:    next,
		limiter: NewRateLimiter(maxRequestsPerMinute),
		logger:  logger,
	}
}

func (p *ThrottledProvider) Name() string {
	return p.next.Name()
}

// Synthesize はレート制限に従って待機してから呼び出す
func (p *ThrottledProvider) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		p.logger.Warn("レート制限の待機中に中断されました", "limiter", p.limiter.Status().String(), "error", err)
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	defer p.limiter.Release()

	if waited := time.Since(start); waited >= p.limiter.retryInterval {
		p.logger.Info("レート制限により待機しました", "waited", waited, "limiter", p.limiter.Status().String())
	}
	return p.next.Synthesize(ctx, req)
}
