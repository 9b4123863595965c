package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/synthesis"
)

const (
	// ProviderName はプロバイダ名
	ProviderName = "elevenlabs"
	// DefaultBaseURL は ElevenLabs API のベースURL
	DefaultBaseURL = "https://api.elevenlabs.io"
	// DefaultOutputFormat は既定の出力形式
	DefaultOutputFormat = "mp3_44100_128"

	maxErrorBody = 4 << 10
)

// Config は ElevenLabs クライアントの設定
type Config struct {
	APIKey  string
	BaseURL string
}

// Client は ElevenLabs の text-to-speech API を呼び出す synthesis.Provider 実装
// 再試行は synthesis.Client が担うため、ここでは1回だけ呼び出して分類したエラーを返す。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

var _ synthesis.Provider = (*Client)(nil)

// Option は Client のオプション設定
type Option func(*Client)

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		// タイムアウトは呼び出し側の ctx で制御する
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string {
	return ProviderName
}

type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           float64  `json:"style"`
	UseSpeakerBoost bool     `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func newSpeechRequest(text string, voice job.VoiceConfig) speechRequest {
	s := voice.Settings
	vs := voiceSettings{
		Stability:       s.Stability,
		SimilarityBoost: s.SimilarityBoost,
		Style:           s.Style,
		UseSpeakerBoost: s.UseSpeakerBoost,
	}
	if s.Speed > 0 {
		speed := s.Speed
		vs.Speed = &speed
	}
	return speechRequest{Text: text, ModelID: voice.ModelID, VoiceSettings: vs}
}

// Synthesize は1セグメント分のテキストを MP3 に変換する
func (c *Client) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	if req.Voice.VoiceID == "" {
		return nil, &synthesis.ProviderError{Provider: ProviderName, Kind: synthesis.Terminal, Message: "voice id is required"}
	}

	body, err := json.Marshal(newSpeechRequest(req.Text, req.Voice))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	format := req.Voice.OutputFormat
	if format == "" {
		format = DefaultOutputFormat
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?%s",
		c.baseURL, url.PathEscape(req.Voice.VoiceID), url.Values{"output_format": {format}}.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, synthesis.NewStatusError(ProviderName, resp.StatusCode,
			errorMessage(msg),
			synthesis.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return audio, nil
}

// errorMessage は API のエラー応答から要点を取り出す
func errorMessage(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Detail) > 0 {
		var detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Detail, &detail); err == nil && detail.Message != "" {
			if detail.Status != "" {
				return detail.Status + ": " + detail.Message
			}
			return detail.Message
		}
		var text string
		if err := json.Unmarshal(parsed.Detail, &text); err == nil && text != "" {
			return text
		}
	}
	return strings.TrimSpace(string(body))
}
