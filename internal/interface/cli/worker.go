package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// WorkerStartAction はワーカープールと定期処理を起動し、シグナルを受けるまで処理を続ける
func (a *App) WorkerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := newAppContext(ctx, cmd.String("env"), true, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()
	c := appCtx.Container

	if cmd.Bool("migrate") {
		if err := c.Migrate(ctx); err != nil {
			return fmt.Errorf("マイグレーションに失敗: %w", err)
		}
	}

	if err := c.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("スケジューラの起動に失敗: %w", err)
	}
	defer c.Scheduler.Stop()

	slog.Info("ワーカーを起動します",
		"provider", appCtx.Config.TTS.Provider,
		"workers", appCtx.Config.Worker.Workers,
		"workerIDs", c.Pool.WorkerIDs(),
		"voicePolicy", appCtx.Config.Voice.Policy,
	)

	if err := c.Pool.Run(ctx); err != nil {
		return fmt.Errorf("ワーカープールが異常終了しました: %w", err)
	}
	slog.Info("ワーカーを停止しました")
	return nil
}

// SweepAction は停止したジョブの検出を1回実行する
func (a *App) SweepAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	n, err := appCtx.Container.Sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("停止ジョブの検出に失敗: %w", err)
	}
	fmt.Fprintf(stdout(cmd), "failed %d stalled job(s)\n", n)
	return nil
}

// CleanupAction は保持期間を過ぎた終端ジョブの削除を1回実行する
func (a *App) CleanupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if !appCtx.Container.Retention.Enabled() {
		slog.Info("AUTO_CLEANUP_HOURSが0のため削除をスキップします")
		return nil
	}
	n, err := appCtx.Container.Retention.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("期限切れジョブの削除に失敗: %w", err)
	}
	fmt.Fprintf(stdout(cmd), "deleted %d expired job(s)\n", n)
	return nil
}

// MigrateAction はジョブストアのスキーマを適用する
func (a *App) MigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Migrate(ctx); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	slog.Info("マイグレーションが完了しました")
	return nil
}
