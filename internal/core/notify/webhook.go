package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drshumard/Larynx/internal/shared/ctxutil"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Config は Webhook 送信の設定
type Config struct {
	URL         string
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// DeliveryError は Webhook の配信失敗
type DeliveryError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook delivery failed after %d attempt(s): status %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// WebhookSender は結果ペイロードを HTTP POST で送信する
type WebhookSender struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// SenderOption は WebhookSender のオプション
type SenderOption func(*WebhookSender)

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *WebhookSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithSenderLogger はロガーを設定する
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *WebhookSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSleeper は待機処理を差し替える (テスト用)
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) SenderOption {
	return func(s *WebhookSender) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewWebhookSender は新しい WebhookSender を作成する
func NewWebhookSender(cfg Config, opts ...SenderOption) *WebhookSender {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	s := &WebhookSender{
		cfg:    cfg,
		client: &http.Client{},
		logger: slog.Default(),
		sleep:  ctxutil.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled は送信先が設定されているかを返す
func (s *WebhookSender) Enabled() bool {
	return s.cfg.URL != ""
}

// Send はペイロードを送信する
// 2xx 以外の応答とネットワークエラーは MaxAttempts 回まで再送し、すべて失敗した場合は *DeliveryError を返す。
func (s *WebhookSender) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.BaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(s.cfg.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)

	var last *DeliveryError
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		status, err := s.post(ctx, body)
		if err == nil {
			s.logger.Info("Webhookを送信しました", "jobID", p.JobID, "status", p.Status, "attempt", attempt)
			return nil
		}
		last = &DeliveryError{Attempts: attempt, StatusCode: status, Err: err}

		s.logger.Warn("Webhookの送信に失敗しました",
			"jobID", p.JobID,
			"attempt", attempt,
			"maxAttempts", s.cfg.MaxAttempts,
			"error", err,
		)

		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, b.NextBackOff()); err != nil {
			return &DeliveryError{Attempts: attempt, StatusCode: status, Err: err}
		}
	}
	return last
}

func (s *WebhookSender) post(ctx context.Context, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "larynx-webhook/1")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
