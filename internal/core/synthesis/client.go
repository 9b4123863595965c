package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/shared/ctxutil"
)

const (
	// DefaultMaxAttempts はセグメントあたりの最大試行回数のデフォルト値
	DefaultMaxAttempts = 4
	// DefaultBaseDelay は最初の再試行までの待機時間のデフォルト値
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxDelay は再試行間隔の上限のデフォルト値
	DefaultMaxDelay = 32 * time.Second
	// DefaultJitter は待機時間に加えるゆらぎの割合のデフォルト値
	DefaultJitter = 0.2
	// DefaultAttemptTimeout は1回の呼び出しのタイムアウトのデフォルト値
	DefaultAttemptTimeout = 120 * time.Second
	// DefaultMaxRetryAfter は Retry-After ヒントを採用する上限のデフォルト値
	DefaultMaxRetryAfter = 2 * time.Minute
)

// RetryPolicy は再試行とバックオフの設定
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
	MaxRetryAfter  time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行設定を返す
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Jitter:         DefaultJitter,
		AttemptTimeout: DefaultAttemptTimeout,
		MaxRetryAfter:  DefaultMaxRetryAfter,
	}
}

// Validate は設定値を検証する
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1: %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("backoff delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1]: %v", p.Jitter)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	return nil
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

// Result は1セグメント分の合成結果
type Result struct {
	Audio    []byte
	Attempts int
}

// Client は Provider を再試行付きで呼び出す
// 共有状態は持たず、結果を返す以外の副作用は無い。
type Client struct {
	provider Provider
	policy   RetryPolicy
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption は Client のオプション
type ClientOption func(*Client)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleeper は待機処理を差し替える (テスト用)
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(provider Provider, policy RetryPolicy, opts ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	c := &Client{
		provider: provider,
		policy:   policy,
		logger:   slog.Default(),
		sleep:    ctxutil.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ProviderName は呼び出し先のプロバイダ名を返す
func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Synthesize は1セグメントのテキストを音声に変換する
//
// 再試行可能なエラーは MaxAttempts 回までバックオフしながら再試行し、
// プロバイダが Retry-After を返した場合はその値を優先する。
// 最終的な失敗は *AttemptError として返す。ctx がキャンセルされた場合は ctx のエラーを返す。
func (c *Client) Synthesize(ctx context.Context, text string, voice job.VoiceConfig) (*Result, error) {
	req := Request{Text: text, Voice: voice}
	b := c.policy.newBackOff()

	for attempt := 1; ; attempt++ {
		audio, err := c.attempt(ctx, req)
		if err == nil {
			return &Result{Audio: audio, Attempts: attempt}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if Classify(err) == Terminal {
			c.logger.Error("音声合成がリトライ不可能なエラーで失敗しました",
				"provider", c.provider.Name(),
				"attempt", attempt,
				"error", err,
			)
			return nil, &AttemptError{Attempts: attempt, Err: err}
		}

		if attempt >= c.policy.MaxAttempts {
			c.logger.Error("音声合成の最大試行回数に達しました",
				"provider", c.provider.Name(),
				"attempts", attempt,
				"error", err,
			)
			return nil, &AttemptError{Attempts: attempt, Exhausted: true, Err: err}
		}

		delay := b.NextBackOff()
		if hint := RetryAfterOf(err); hint > 0 {
			delay = hint
			if c.policy.MaxRetryAfter > 0 && delay > c.policy.MaxRetryAfter {
				delay = c.policy.MaxRetryAfter
			}
		}

		c.logger.Warn("音声合成をリトライします",
			"provider", c.provider.Name(),
			"attempt", attempt,
			"maxAttempts", c.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt は1回分の呼び出しを専用のタイムアウト付きで実行する
func (c *Client) attempt(ctx context.Context, req Request) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	audio, err := c.provider.Synthesize(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{
				Provider: c.provider.Name(),
				Kind:     Retryable,
				Message:  fmt.Sprintf("attempt timed out after %s", c.policy.AttemptTimeout),
				Err:      err,
			}
		}
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &ProviderError{
			Provider: c.provider.Name(),
			Kind:     Retryable,
			Message:  "provider returned empty audio",
		}
	}
	return audio, nil
}
