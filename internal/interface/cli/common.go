package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/drshumard/Larynx/internal/platform/config"
	"github.com/drshumard/Larynx/internal/platform/container"
	"github.com/drshumard/Larynx/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// newAppContext は設定ファイルを読み込み、コンテナを作成する
// withWorker が false の場合はジョブストアと成果物ストレージだけを初期化し、プロバイダの資格情報を要求しない。
func newAppContext(ctx context.Context, envFile string, withWorker bool, opts ...container.ContainerOption) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	appLogger := logger.New(logger.Config{Level: level, Format: cfg.Log.Format})

	var cont *container.ServiceContainer
	opts = append([]container.ContainerOption{container.WithContainerLogger(appLogger)}, opts...)
	if withWorker {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("設定が不正です: %w", err)
		}
		cont, err = container.NewContainer(ctx, cfg, opts...)
	} else {
		cont, err = container.NewStoreContainer(ctx, cfg, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{Config: cfg, Container: cont}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "ジョブID",
		Required: true,
	}
}

func jobID(cmd *cli.Command) (uuid.UUID, error) {
	raw := cmd.String("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return io.Discard
}
