package synthesis

import (
	"context"

	"github.com/drshumard/Larynx/internal/core/job"
)

// Request は1セグメント分の合成リクエスト
type Request struct {
	Text  string
	Voice job.VoiceConfig
}

// Provider は外部の音声合成サービス
// 1回の呼び出しは1回のネットワーク要求に対応し、再試行は行わない。
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
