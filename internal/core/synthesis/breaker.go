package synthesis

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerProvider はサーキットブレーカー付きの Provider
// 再試行可能なエラーが連続した場合に一定時間呼び出しを遮断する。
// 遮断中のエラーは Retryable に分類されるため、Client のバックオフに委ねられる。
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerProvider は consecutiveFailures 回連続で失敗すると cooldown の間遮断する Provider を返す
func NewBreakerProvider(next Provider, consecutiveFailures uint32, cooldown time.Duration, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		// 入力起因のエラーではブレーカーを開かない
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) == Terminal
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &BreakerProvider{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

func (p *BreakerProvider) Name() string {
	return p.next.Name()
}

// Synthesize はブレーカーが閉じている場合のみ呼び出す
func (p *BreakerProvider) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	out, err := p.cb.Execute(func() (interface{}, error) {
		return p.next.Synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// State はブレーカーの状態を返す
func (p *BreakerProvider) State() gobreaker.State {
	return p.cb.State()
}
