package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/drshumard/Larynx/internal/core/synthesis"
)

const (
	// ProviderName はプロバイダ名
	ProviderName = "openai"

	// DefaultModel はデフォルトで使用する音声合成モデル
	DefaultModel = openai.SpeechModelTTS1

	// DefaultVoice はデフォルトの話者
	DefaultVoice = "alloy"

	// MaxInputChars は1リクエストで送れる入力の最大文字数
	MaxInputChars = 4096
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

// Config は OpenAI クライアントの設定
type Config struct {
	APIKey  string
	BaseURL string // テストや互換エンドポイント用。空なら公式API
}

// Client は OpenAI の音声合成APIを使用した synthesis.Provider 実装
type Client struct {
	client openai.Client
	now    func() time.Time
}

var _ synthesis.Provider = (*Client)(nil)

// NewClient は新しい Client を作成する
// 再試行は synthesis.Client が行うため SDK 側のリトライは無効にする。
func NewClient(cfg Config, opts ...option.RequestOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &Client{
		client: openai.NewClient(reqOpts...),
		now:    time.Now,
	}, nil
}

func (c *Client) Name() string {
	return ProviderName
}

// Synthesize はテキストを MP3 に変換する
func (c *Client) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	model := req.Voice.ModelID
	if model == "" {
		model = DefaultModel
	}
	voice := req.Voice.VoiceID
	if voice == "" {
		voice = DefaultVoice
	}

	params := openai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          model,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if speed := req.Voice.Settings.Speed; speed > 0 {
		params.Speed = openai.Float(speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return audio, nil
}

// classify は SDK のエラーを synthesis.ProviderError に変換する
func (c *Client) classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	var retryAfter time.Duration
	if apiErr.Response != nil {
		retryAfter = synthesis.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), c.now())
	}

	return synthesis.NewStatusError(ProviderName, apiErr.StatusCode, msg, retryAfter)
}
