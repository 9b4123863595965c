package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/drshumard/Larynx/internal/core/audio"
	"github.com/drshumard/Larynx/internal/core/chunker"
	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/notify"
	"github.com/drshumard/Larynx/internal/core/pipeline"
	"github.com/drshumard/Larynx/internal/core/synthesis"
	"github.com/drshumard/Larynx/internal/core/worker"
	"github.com/drshumard/Larynx/internal/infra/elevenlabs"
	"github.com/drshumard/Larynx/internal/infra/ffmpeg"
	"github.com/drshumard/Larynx/internal/infra/memory"
	"github.com/drshumard/Larynx/internal/infra/openai"
	"github.com/drshumard/Larynx/internal/infra/postgres"
	jobsqlc "github.com/drshumard/Larynx/internal/infra/postgres/sqlc"
	"github.com/drshumard/Larynx/internal/infra/storage"
	"github.com/drshumard/Larynx/internal/platform/config"
	"github.com/drshumard/Larynx/internal/platform/database"
)

// ServiceContainer はジョブ処理に必要な依存関係を保持する。
// プロバイダ資格情報が不要なコマンド (status, list など) は NewStoreContainer を使う。
type ServiceContainer struct {
	Config    *config.Config
	Repo      job.RepositoryRW
	Artifacts job.ArtifactStore
	Service   *pipeline.Service
	Sweeper   *pipeline.Sweeper
	Retention *pipeline.Retention

	// 以下は NewContainer でのみ設定される
	Orchestrator *pipeline.Orchestrator
	Pool         *worker.Pool
	Scheduler    *pipeline.Scheduler

	logger   *slog.Logger
	database *database.DB
	tx       *database.TransactionProvider
}

type containerOptions struct {
	logger    *slog.Logger
	provider  synthesis.Provider
	repo      job.RepositoryRW
	artifacts job.ArtifactStore
	sender    notify.Sender
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerProvider は音声合成プロバイダを差し替える
func WithContainerProvider(provider synthesis.Provider) ContainerOption {
	return func(opts *containerOptions) {
		opts.provider = provider
	}
}

// WithContainerRepository はジョブストアを差し替える
func WithContainerRepository(repo job.RepositoryRW) ContainerOption {
	return func(opts *containerOptions) {
		opts.repo = repo
	}
}

// WithContainerArtifactStore は成果物ストレージを差し替える
func WithContainerArtifactStore(store job.ArtifactStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.artifacts = store
	}
}

// WithContainerSender は通知の送信手段を差し替える
func WithContainerSender(sender notify.Sender) ContainerOption {
	return func(opts *containerOptions) {
		opts.sender = sender
	}
}

func buildOptions(opts []ContainerOption) containerOptions {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

// NewStoreContainer はジョブストアと成果物ストレージ、投入・照会サービスだけを組み立てる。
func NewStoreContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := buildOptions(opts)
	c := &ServiceContainer{Config: cfg, logger: options.logger}

	if err := c.initStore(ctx, options); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initServices(options); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewContainer はワーカーを含むすべての依存関係を組み立てる。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := buildOptions(opts)

	c, err := NewStoreContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.initWorker(options); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *ServiceContainer) initStore(ctx context.Context, options containerOptions) error {
	cfg := c.Config

	// Repository
	c.Repo = options.repo
	if c.Repo == nil {
		switch cfg.JobStore {
		case config.StoreMemory:
			c.Repo = memory.NewJobRepository()
		default:
			db, err := database.New(ctx, database.ConnectionParams{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				DBName:   cfg.Database.DBName,
				SSLMode:  cfg.Database.SSLMode,
			})
			if err != nil {
				return fmt.Errorf("データベース初期化に失敗しました: %w", err)
			}
			c.database = db
			c.tx = database.NewTransactionProvider(db.Pool)
			c.Repo = postgres.NewJobRepository(jobsqlc.New(db.Pool), c.tx)
		}
	}

	// ArtifactStore
	c.Artifacts = options.artifacts
	if c.Artifacts == nil {
		switch cfg.Storage.Backend {
		case config.StorageMinIO:
			store, err := storage.NewMinIOStore(storage.MinIOConfig{
				Endpoint:  cfg.Storage.MinIO.Endpoint,
				AccessKey: cfg.Storage.MinIO.AccessKey,
				SecretKey: cfg.Storage.MinIO.SecretKey,
				Bucket:    cfg.Storage.MinIO.Bucket,
				UseSSL:    cfg.Storage.MinIO.UseSSL,
			})
			if err != nil {
				return fmt.Errorf("MinIOストレージの初期化に失敗しました: %w", err)
			}
			if err := store.EnsureBucket(ctx); err != nil {
				return fmt.Errorf("MinIOバケットの準備に失敗しました: %w", err)
			}
			c.Artifacts = store
		default:
			store, err := storage.NewFileStore(cfg.Storage.Dir)
			if err != nil {
				return fmt.Errorf("ファイルストレージの初期化に失敗しました: %w", err)
			}
			c.Artifacts = store
		}
	}
	return nil
}

func (c *ServiceContainer) initServices(options containerOptions) error {
	cfg := c.Config

	service, err := pipeline.NewService(c.Repo, c.Artifacts, pipeline.ServiceConfig{
		MaxTextLength: cfg.Pipeline.MaxTextChars,
		Defaults:      cfg.DefaultVoice,
	}, c.logger)
	if err != nil {
		return err
	}
	c.Service = service

	sweeper, err := pipeline.NewSweeper(c.Repo, c.newNotifier(options), cfg.Pipeline.LivenessTimeout, c.logger)
	if err != nil {
		return err
	}
	c.Sweeper = sweeper
	c.Retention = pipeline.NewRetention(c.Repo, c.Artifacts, cfg.RetentionPeriod(), c.logger)
	return nil
}

func (c *ServiceContainer) newNotifier(options containerOptions) *notify.CompletionNotifier {
	sender := options.sender
	if sender == nil {
		sender = notify.NewWebhookSender(c.Config.Webhook, notify.WithSenderLogger(c.logger))
	}
	return notify.NewCompletionNotifier(sender, c.Repo, c.Config.PublicBaseURL, c.logger)
}

func (c *ServiceContainer) initWorker(options containerOptions) error {
	cfg := c.Config

	provider, err := c.newProvider(options)
	if err != nil {
		return err
	}
	synth, err := synthesis.NewClient(provider, cfg.Retry, synthesis.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("音声合成クライアントの初期化に失敗しました: %w", err)
	}

	maxChars := cfg.Pipeline.ChunkMaxChars
	if cfg.TTS.Provider == config.ProviderOpenAI && maxChars > openai.MaxInputChars {
		c.logger.Info("OpenAIの入力上限に合わせてセグメント長を制限します", "configured", maxChars, "max", openai.MaxInputChars)
		maxChars = openai.MaxInputChars
	}
	chunk, err := chunker.New(maxChars)
	if err != nil {
		return err
	}

	var merger *audio.Merger
	if cfg.FFmpegPath != "" {
		merger = audio.NewMerger(ffmpeg.New(cfg.FFmpegPath, ffmpeg.WithLogger(c.logger)), c.logger)
	} else {
		merger = audio.NewMerger(nil, c.logger)
	}

	policy, err := pipeline.ParseVoicePolicy(cfg.Voice.Policy)
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.NewOrchestrator(c.Repo, chunk, synth, merger, c.Artifacts,
		pipeline.WithNotifier(c.newNotifier(options)),
		pipeline.WithVoicePolicy(policy, cfg.DefaultVoice),
		pipeline.WithHeartbeatInterval(cfg.Pipeline.HeartbeatInterval),
		pipeline.WithStepTimeouts(cfg.Pipeline.MergeTimeout, cfg.Pipeline.ArtifactTimeout),
		pipeline.WithOrchestratorLogger(c.logger),
	)
	if err != nil {
		return err
	}
	c.Orchestrator = orchestrator

	pool, err := worker.NewPool(cfg.Worker, c.Repo, orchestrator, c.logger)
	if err != nil {
		return err
	}
	c.Pool = pool
	c.Service.SetWaker(pool)

	c.Scheduler = pipeline.NewScheduler(pipeline.SchedulerConfig{
		SweepSchedule:   cfg.Pipeline.SweepSchedule,
		CleanupSchedule: cfg.Pipeline.CleanupSchedule,
	}, c.Sweeper, c.Retention, c.logger)
	return nil
}

// newProvider は設定されたプロバイダにレート制限とサーキットブレーカーを重ねる
func (c *ServiceContainer) newProvider(options containerOptions) (synthesis.Provider, error) {
	cfg := c.Config

	provider := options.provider
	if provider == nil {
		var err error
		switch cfg.TTS.Provider {
		case config.ProviderOpenAI:
			provider, err = openai.NewClient(openai.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL})
		default:
			provider, err = elevenlabs.NewClient(elevenlabs.Config{APIKey: cfg.ElevenLabs.APIKey, BaseURL: cfg.ElevenLabs.BaseURL})
		}
		if err != nil {
			return nil, fmt.Errorf("音声合成プロバイダの初期化に失敗しました: %w", err)
		}
	}

	if cfg.TTS.RequestsPerMinute > 0 {
		provider = synthesis.NewThrottledProvider(provider, cfg.TTS.RequestsPerMinute, c.logger)
	}
	return synthesis.NewBreakerProvider(provider, cfg.Breaker.Failures, cfg.Breaker.Cooldown, c.logger), nil
}

// Migrate は PostgreSQL ストアのスキーマを適用する。メモリストアでは何もしない。
func (c *ServiceContainer) Migrate(ctx context.Context) error {
	if c.tx == nil {
		c.logger.Info("PostgreSQLを使用していないためマイグレーションをスキップします")
		return nil
	}
	return postgres.Migrate(ctx, c.tx)
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c != nil && c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
