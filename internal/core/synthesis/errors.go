package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Kind はプロバイダエラーの分類
type Kind int

const (
	// Terminal は再試行しても成功しないエラー (認証エラー、不正なリクエスト、拒否されたコンテンツ)
	Terminal Kind = iota
	// Retryable はバックオフ後の再試行で回復し得るエラー (レート制限、5xx、一時的なネットワーク障害)
	Retryable
)

func (k Kind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "terminal"
}

// ProviderError は音声合成プロバイダから返された分類済みエラー
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d", e.StatusCode)
		if e.Message != "" {
			b.WriteString(": ")
		}
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" || e.StatusCode != 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewStatusError は HTTP ステータスコードから分類済みのエラーを作成する
func NewStatusError(provider string, statusCode int, message string, retryAfter time.Duration) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       KindForStatus(statusCode),
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

// KindForStatus は HTTP ステータスコードを分類する
func KindForStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return Retryable
	default:
		return Terminal
	}
}

// Classify はエラーを再試行可能かどうかで分類する
func Classify(err error) Kind {
	if err == nil {
		return Terminal
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Retryable
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	return Terminal
}

// RetryAfterOf はエラーに含まれる Retry-After ヒントを返す
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ParseRetryAfter は Retry-After ヘッダー (秒数または HTTP 日付) を解釈する
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// AttemptError はセグメントの合成が最終的に失敗したことを表す
type AttemptError struct {
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *AttemptError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%v (gave up after %d attempts)", e.Err, e.Attempts)
	}
	return fmt.Sprintf("%v (not retryable, %d attempt(s))", e.Err, e.Attempts)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// AttemptsOf はエラーから試行回数を取り出す。不明な場合は 0 を返す。
func AttemptsOf(err error) int {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Attempts
	}
	return 0
}
