package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drshumard/Larynx/internal/core/job"
)

// DefaultLivenessTimeout は処理中ジョブを停止とみなすまでの既定時間
const DefaultLivenessTimeout = 10 * time.Minute

// Sweeper は一定時間進捗のない処理中ジョブを failed にして通知する
type Sweeper struct {
	repo     job.RepositoryRW
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper は新しい Sweeper を作成する
func NewSweeper(repo job.RepositoryRW, notifier Notifier, timeout time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("liveness timeout must be positive: %s", timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Sweep は停止したジョブを failed にし、件数を返す
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.timeout)
	reason := fmt.Sprintf("stalled: no progress since %s", cutoff.UTC().Format(time.RFC3339))

	stalled, err := s.repo.FailStalled(ctx, cutoff, reason, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stalled jobs: %w", err)
	}

	for _, j := range stalled {
		s.logger.Warn("停止したジョブを失敗にしました",
			"jobID", j.ID,
			"processed", j.ProcessedSegmentCount,
			"chunkCount", j.ChunkCount)
		if s.notifier != nil {
			s.notifier.Notify(ctx, j)
		}
	}
	if len(stalled) > 0 {
		s.logger.Info("停止ジョブの掃除が完了しました", "count", len(stalled))
	}
	return len(stalled), nil
}

// Retention は保持期間を過ぎた終端ジョブと音声ファイルを削除する
type Retention struct {
	repo      job.RepositoryRW
	artifacts job.ArtifactStore
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetention は新しい Retention を作成する。maxAge が 0 以下なら無効。
func NewRetention(repo job.RepositoryRW, artifacts job.ArtifactStore, maxAge time.Duration, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		repo:      repo,
		artifacts: artifacts,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Enabled は削除が有効かどうかを返す
func (r *Retention) Enabled() bool {
	return r.maxAge > 0
}

// Cleanup は期限切れのジョブを削除し、件数を返す
// 個別の削除失敗はログに残して次のジョブへ進む。
func (r *Retention) Cleanup(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}

	expired, err := r.repo.ListExpired(ctx, r.now().Add(-r.maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	deleted := 0
	for _, j := range expired {
		if err := r.artifacts.Delete(ctx, j.ArtifactKey()); err != nil {
			r.logger.Error("音声ファイルの削除に失敗しました", "jobID", j.ID, "error", err)
			continue
		}
		if err := r.repo.Delete(ctx, j.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
			r.logger.Error("ジョブの削除に失敗しました", "jobID", j.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		r.logger.Info("期限切れのジョブを削除しました", "count", deleted, "maxAge", r.maxAge)
	}
	return deleted, nil
}
