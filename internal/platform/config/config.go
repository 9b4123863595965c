package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/drshumard/Larynx/internal/core/chunker"
	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/notify"
	"github.com/drshumard/Larynx/internal/core/pipeline"
	"github.com/drshumard/Larynx/internal/core/synthesis"
	"github.com/drshumard/Larynx/internal/core/worker"
)

// ジョブストアの種類
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// 音声合成プロバイダの種類
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderOpenAI     = "openai"
)

// 成果物ストレージの種類
const (
	StorageFilesystem = "filesystem"
	StorageMinIO      = "minio"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// JobStore は "postgres" または "memory"
	JobStore string
	Database DatabaseConfig

	TTS        TTSConfig
	ElevenLabs ElevenLabsConfig
	OpenAI     OpenAIConfig
	Voice      VoiceConfig
	Retry      synthesis.RetryPolicy
	Breaker    BreakerConfig

	Pipeline PipelineConfig
	Worker   worker.Config
	Storage  StorageConfig
	Webhook  notify.Config

	// PublicBaseURL は通知ペイロードの audioUrl の前置部分
	PublicBaseURL string
	// FFmpegPath は再エンコード用 ffmpeg のパス。空なら再エンコードしない
	FFmpegPath string

	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// TTSConfig はプロバイダ選択と呼び出し頻度の設定
type TTSConfig struct {
	Provider          string
	RequestsPerMinute int
}

// ElevenLabsConfig は ElevenLabs API 設定
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	Model        string
	OutputFormat string
}

// OpenAIConfig は OpenAI 音声合成 API 設定
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
}

// VoiceConfig は話者パラメータの既定値
type VoiceConfig struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	SpeakerBoost    bool
	Speed           float64
	// Policy は "snapshot" または "live"
	Policy string
}

// BreakerConfig はサーキットブレーカー設定
type BreakerConfig struct {
	Failures uint32
	Cooldown time.Duration
}

// PipelineConfig はジョブ処理の設定
type PipelineConfig struct {
	ChunkMaxChars     int
	MaxTextChars      int
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	MergeTimeout      time.Duration
	ArtifactTimeout   time.Duration
	SweepSchedule     string
	CleanupSchedule   string
	// AutoCleanupHours は終端ジョブを保持する時間。0 なら削除しない
	AutoCleanupHours int
}

// StorageConfig は成果物ストレージ設定
type StorageConfig struct {
	Backend string
	Dir     string
	MinIO   MinIOConfig
}

// MinIOConfig は S3 互換ストレージ設定
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		JobStore: strings.ToLower(getEnv("JOB_STORE", StorePostgres)),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "larynx"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "larynx"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		TTS: TTSConfig{
			Provider:          strings.ToLower(getEnv("TTS_PROVIDER", ProviderElevenLabs)),
			RequestsPerMinute: getEnvAsInt("SYNTH_REQUESTS_PER_MINUTE", 0),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:       getEnv("ELEVENLABS_API_KEY", ""),
			BaseURL:      getEnv("ELEVENLABS_BASE_URL", ""),
			VoiceID:      getEnv("ELEVENLABS_VOICE_ID", "LNHBM9NjjOl44Efsdmtl"),
			Model:        getEnv("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
			OutputFormat: getEnv("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_TTS_MODEL", "tts-1"),
			Voice:   getEnv("OPENAI_TTS_VOICE", "alloy"),
		},
		Voice: VoiceConfig{
			Stability:       getEnvAsFloat("VOICE_STABILITY", 0.5),
			SimilarityBoost: getEnvAsFloat("VOICE_SIMILARITY_BOOST", 0.75),
			Style:           getEnvAsFloat("VOICE_STYLE", 0),
			SpeakerBoost:    getEnvAsBool("VOICE_SPEAKER_BOOST", true),
			Speed:           getEnvAsFloat("VOICE_SPEED", 1.0),
			Policy:          strings.ToLower(getEnv("VOICE_POLICY", string(pipeline.VoicePolicySnapshot))),
		},
		Retry: synthesis.RetryPolicy{
			MaxAttempts:    getEnvAsInt("SYNTH_MAX_ATTEMPTS", synthesis.DefaultMaxAttempts),
			BaseDelay:      getEnvAsDuration("SYNTH_BASE_DELAY", synthesis.DefaultBaseDelay),
			MaxDelay:       getEnvAsDuration("SYNTH_MAX_DELAY", synthesis.DefaultMaxDelay),
			Jitter:         getEnvAsFloat("SYNTH_JITTER", synthesis.DefaultJitter),
			AttemptTimeout: getEnvAsDuration("SYNTH_ATTEMPT_TIMEOUT", synthesis.DefaultAttemptTimeout),
			MaxRetryAfter:  getEnvAsDuration("SYNTH_MAX_RETRY_AFTER", synthesis.DefaultMaxRetryAfter),
		},
		Breaker: BreakerConfig{
			Failures: uint32(max(getEnvAsInt("SYNTH_BREAKER_FAILURES", 5), 0)),
			Cooldown: getEnvAsDuration("SYNTH_BREAKER_COOLDOWN", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			ChunkMaxChars:     getEnvAsInt("CHUNK_MAX_CHARS", chunker.DefaultMaxChars),
			MaxTextChars:      getEnvAsInt("MAX_TEXT_CHARS", job.DefaultMaxTextLength),
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", pipeline.DefaultHeartbeatInterval),
			LivenessTimeout:   getEnvAsDuration("LIVENESS_TIMEOUT", pipeline.DefaultLivenessTimeout),
			MergeTimeout:      getEnvAsDuration("MERGE_TIMEOUT", pipeline.DefaultMergeTimeout),
			ArtifactTimeout:   getEnvAsDuration("ARTIFACT_TIMEOUT", pipeline.DefaultArtifactTimeout),
			SweepSchedule:     getEnv("SWEEP_SCHEDULE", pipeline.DefaultSweepSchedule),
			CleanupSchedule:   getEnv("CLEANUP_SCHEDULE", pipeline.DefaultCleanupSchedule),
			AutoCleanupHours:  getEnvAsInt("AUTO_CLEANUP_HOURS", 48),
		},
		Worker: worker.Config{
			Workers:      getEnvAsInt("WORKER_COUNT", worker.DefaultWorkers),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", worker.DefaultPollInterval),
			ID:           getEnv("WORKER_ID", ""),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageFilesystem)),
			Dir:     getEnv("STORAGE_DIR", "/var/lib/larynx/audio"),
			MinIO: MinIOConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "larynx"),
				UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			},
		},
		Webhook: notify.Config{
			URL:         getEnv("WEBHOOK_URL", ""),
			MaxAttempts: getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", notify.DefaultMaxAttempts),
			Timeout:     getEnvAsDuration("WEBHOOK_TIMEOUT", notify.DefaultTimeout),
			BaseDelay:   getEnvAsDuration("WEBHOOK_BASE_DELAY", notify.DefaultBaseDelay),
			MaxDelay:    notify.DefaultMaxDelay,
		},
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		FFmpegPath:    getEnv("FFMPEG_PATH", ""),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate は選択されたバックエンドに必要な値が揃っているかを検証します
func (c *Config) Validate() error {
	var errs []error

	switch c.JobStore {
	case StorePostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			errs = append(errs, errors.New("DB_HOST and DB_NAME are required for the postgres job store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_STORE: %q", c.JobStore))
	}

	switch c.TTS.Provider {
	case ProviderElevenLabs:
		if c.ElevenLabs.APIKey == "" {
			errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
		}
		if c.ElevenLabs.VoiceID == "" {
			errs = append(errs, errors.New("ELEVENLABS_VOICE_ID is required"))
		}
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER: %q", c.TTS.Provider))
	}

	switch c.Storage.Backend {
	case StorageFilesystem:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("STORAGE_DIR is required for the filesystem backend"))
		}
	case StorageMinIO:
		m := c.Storage.MinIO
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" || m.Bucket == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND: %q", c.Storage.Backend))
	}

	if _, err := pipeline.ParseVoicePolicy(c.Voice.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.ChunkMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_MAX_CHARS must be positive: %d", c.Pipeline.ChunkMaxChars))
	}
	if c.Pipeline.MaxTextChars <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TEXT_CHARS must be positive: %d", c.Pipeline.MaxTextChars))
	}
	if c.Pipeline.AutoCleanupHours < 0 {
		errs = append(errs, fmt.Errorf("AUTO_CLEANUP_HOURS must not be negative: %d", c.Pipeline.AutoCleanupHours))
	}
	if c.Pipeline.HeartbeatInterval >= c.Pipeline.LivenessTimeout {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than LIVENESS_TIMEOUT (%s)",
			c.Pipeline.HeartbeatInterval, c.Pipeline.LivenessTimeout))
	}
	if c.Pipeline.MergeTimeout <= 0 || c.Pipeline.ArtifactTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MERGE_TIMEOUT (%s) and ARTIFACT_TIMEOUT (%s) must be positive",
			c.Pipeline.MergeTimeout, c.Pipeline.ArtifactTimeout))
	}
	if c.Webhook.URL != "" && !isAbsoluteURL(c.PublicBaseURL) {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL when WEBHOOK_URL is set: %q", c.PublicBaseURL))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// DefaultVoice は現在の設定から選択中プロバイダの音声設定を組み立てます
func (c *Config) DefaultVoice() job.VoiceConfig {
	settings := job.VoiceSettings{
		Stability:       c.Voice.Stability,
		SimilarityBoost: c.Voice.SimilarityBoost,
		Style:           c.Voice.Style,
		UseSpeakerBoost: c.Voice.SpeakerBoost,
		Speed:           c.Voice.Speed,
	}

	if c.TTS.Provider == ProviderOpenAI {
		return job.VoiceConfig{
			Provider:     ProviderOpenAI,
			VoiceID:      c.OpenAI.Voice,
			ModelID:      c.OpenAI.Model,
			OutputFormat: "mp3",
			Settings:     settings,
		}
	}
	return job.VoiceConfig{
		Provider:     ProviderElevenLabs,
		VoiceID:      c.ElevenLabs.VoiceID,
		ModelID:      c.ElevenLabs.Model,
		OutputFormat: c.ElevenLabs.OutputFormat,
		Settings:     settings,
	}
}

// RetentionPeriod は終端ジョブの保持期間を返します。0 なら無期限
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Pipeline.AutoCleanupHours) * time.Hour
}

// isAbsoluteURL は s がスキームとホストを持つ http(s) URL かを返します
func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を期間として取得します
// "90s" のような Go の期間表記のほか、単位なしの整数は秒として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
