package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSweepSchedule は停止ジョブ掃除の既定スケジュール
	DefaultSweepSchedule = "@every 1m"
	// DefaultCleanupSchedule は期限切れジョブ削除の既定スケジュール
	DefaultCleanupSchedule = "@hourly"
)

// SchedulerConfig は定期処理のスケジュール設定
type SchedulerConfig struct {
	SweepSchedule   string // Cron形式 (例: "@every 1m")
	CleanupSchedule string // Cron形式 (例: "@hourly")
}

// Scheduler は停止ジョブの掃除と期限切れジョブの削除を定期実行する
type Scheduler struct {
	config    SchedulerConfig
	sweeper   *Sweeper
	retention *Retention
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewScheduler は新しい Scheduler を作成する。retention は nil でもよい。
func NewScheduler(config SchedulerConfig, sweeper *Sweeper, retention *Retention, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = DefaultSweepSchedule
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = DefaultCleanupSchedule
	}

	return &Scheduler{
		config:    config,
		sweeper:   sweeper,
		retention: retention,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger,
	}
}

// Start はスケジューラーを起動する。ctx は各実行に引き継ぐ。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.sweeper != nil {
		_, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
			if _, err := s.sweeper.Sweep(ctx); err != nil {
				s.logger.Error("停止ジョブの掃除に失敗しました", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule sweep: %w", err)
		}
	}

	if s.retention != nil && s.retention.Enabled() {
		_, err := s.cron.AddFunc(s.config.CleanupSchedule, func() {
			if _, err := s.retention.Cleanup(ctx); err != nil {
				s.logger.Error("期限切れジョブの削除に失敗しました", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("スケジューラーを開始しました",
		"sweep", s.config.SweepSchedule,
		"cleanup", s.config.CleanupSchedule)
	return nil
}

// Stop はスケジューラーを停止し、実行中の処理の終了を待つ
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("スケジューラーを停止しました")
}
