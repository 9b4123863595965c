package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/infra/postgres/sqlc"
	"github.com/drshumard/Larynx/internal/platform/database"
)

// Schema は jobs テーブルの DDL
//
//go:embed schema.sql
var Schema string

var (
	sweepLockID   = database.GenerateLockID("larynx", "sweep")
	migrateLockID = database.GenerateLockID("larynx", "migrate")
)

// JobRepository は job.RepositoryRW インターフェースを実装する PostgreSQL リポジトリです
// 処理中ジョブへの書き込みはすべて worker_id と状態で条件付けし、0 行なら job.ErrJobLost を返します。
type JobRepository struct {
	q  sqlc.Querier
	tx *database.TransactionProvider
}

// コンパイル時の型チェック
var _ job.RepositoryRW = (*JobRepository)(nil)

// NewJobRepository は新しい JobRepository を作成します
// tx が nil の場合、停止ジョブの掃除はロックを取らずに実行します。
func NewJobRepository(q sqlc.Querier, tx *database.TransactionProvider) *JobRepository {
	return &JobRepository{q: q, tx: tx}
}

func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	voice, err := voiceToJSONB(j.Voice)
	if err != nil {
		return err
	}
	segments, err := segmentsToJSONB(j.Segments)
	if err != nil {
		return err
	}

	err = r.q.CreateJob(ctx, sqlc.CreateJobParams{
		ID:                    UUIDToPgtype(j.ID),
		Name:                  j.Name,
		InputText:             j.Text,
		TextLength:            int32(j.TextLength),
		Voice:                 voice,
		Segments:              segments,
		ChunkCount:            int32(j.ChunkCount),
		ProcessedSegmentCount: int32(j.ProcessedSegmentCount),
		ProgressPercent:       int32(j.ProgressPercent),
		Status:                string(j.Status),
		Stage:                 j.Stage,
		CreatedAt:             TimeToPgtype(j.CreatedAt),
		UpdatedAt:             TimeToPgtype(j.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row, err := r.q.GetJob(ctx, UUIDToPgtype(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return toDomain(row)
}

func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]*job.Job, error) {
	rows, err := r.q.ListJobs(ctx, sqlc.ListJobsParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toDomainList(rows)
}

func (r *JobRepository) Count(ctx context.Context) (int, error) {
	n, err := r.q.CountJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(n), nil
}

func (r *JobRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled, err := r.q.GetCancelRequested(ctx, UUIDToPgtype(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, job.ErrNotFound
		}
		return false, fmt.Errorf("failed to get cancel flag: %w", err)
	}
	return cancelled, nil
}

func (r *JobRepository) ListExpired(ctx context.Context, before time.Time) ([]*job.Job, error) {
	rows, err := r.q.ListExpiredJobs(ctx, TimeToPgtype(before))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	return toDomainList(rows)
}

// ClaimNext は FOR UPDATE SKIP LOCKED で最も古い queued ジョブを1件割り当てます
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	row, err := r.q.ClaimNextJob(ctx, sqlc.ClaimNextJobParams{
		WorkerID:  StringToNullableText(workerID),
		Stage:     job.StageChunking,
		UpdatedAt: TimeToPgtype(now),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return toDomain(row)
}

func (r *JobRepository) Update(ctx context.Context, j *job.Job) error {
	voice, err := voiceToJSONB(j.Voice)
	if err != nil {
		return err
	}
	segments, err := segmentsToJSONB(j.Segments)
	if err != nil {
		return err
	}

	n, err := r.q.UpdateOwnedJob(ctx, sqlc.UpdateOwnedJobParams{
		ID:                    UUIDToPgtype(j.ID),
		WorkerID:              StringToNullableText(j.WorkerID),
		Voice:                 voice,
		Segments:              segments,
		ChunkCount:            int32(j.ChunkCount),
		ProcessedSegmentCount: int32(j.ProcessedSegmentCount),
		ProgressPercent:       int32(j.ProgressPercent),
		Status:                string(j.Status),
		Stage:                 j.Stage,
		AudioUrl:              StringToNullableText(j.AudioURL),
		DurationSeconds:       Float64ToNullableFloat8(j.DurationSeconds),
		Error:                 StringToNullableText(j.Error),
		UpdatedAt:             TimeToPgtype(j.UpdatedAt),
		CompletedAt:           TimePtrToPgtype(j.CompletedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return job.ErrJobLost
	}
	return nil
}

func (r *JobRepository) Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	n, err := r.q.TouchJob(ctx, sqlc.TouchJobParams{
		ID:        UUIDToPgtype(id),
		WorkerID:  StringToNullableText(workerID),
		UpdatedAt: TimeToPgtype(now),
	})
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	if n == 0 {
		return job.ErrJobLost
	}
	return nil
}

func (r *JobRepository) Release(ctx context.Context, j *job.Job) error {
	n, err := r.q.ReleaseJob(ctx, sqlc.ReleaseJobParams{
		ID:        UUIDToPgtype(j.ID),
		WorkerID:  StringToNullableText(j.WorkerID),
		Stage:     job.StageQueued,
		UpdatedAt: TimeToPgtype(j.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if n == 0 {
		return job.ErrJobLost
	}
	return nil
}

func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error {
	n, err := r.q.RequestCancel(ctx, sqlc.RequestCancelParams{
		ID:        UUIDToPgtype(id),
		UpdatedAt: TimeToPgtype(now),
	})
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if n > 0 {
		return nil
	}

	// 0 行の理由を判別する
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return job.ErrTerminal
}

func (r *JobRepository) SetWebhookDelivered(ctx context.Context, id uuid.UUID, delivered bool) error {
	n, err := r.q.SetWebhookDelivered(ctx, sqlc.SetWebhookDeliveredParams{
		ID:               UUIDToPgtype(id),
		WebhookDelivered: delivered,
	})
	if err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}

// FailStalled は cutoff より前から更新のない処理中ジョブを failed にします
// 複数プロセスが同時に掃除しないよう、トランザクションスコープのアドバイザリロックを試み、取れなければ何もしません。
func (r *JobRepository) FailStalled(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]*job.Job, error) {
	params := sqlc.FailStalledJobsParams{
		UpdatedAt:   TimeToPgtype(cutoff),
		Error:       StringToNullableText(reason),
		Stage:       job.StageFailed,
		UpdatedAt_2: TimeToPgtype(now),
	}

	if r.tx == nil {
		rows, err := r.q.FailStalledJobs(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to fail stalled jobs: %w", err)
		}
		return toDomainList(rows)
	}

	return database.Transact(ctx, r.tx, func(a *database.Adapter) ([]*job.Job, error) {
		acquired, err := a.Locks.TryAcquire(ctx, sweepLockID)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, nil
		}

		rows, err := a.Queries.FailStalledJobs(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to fail stalled jobs: %w", err)
		}
		return toDomainList(rows)
	})
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	n, err := r.q.DeleteJob(ctx, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}

// Migrate はアドバイザリロックの下でスキーマを適用します
// 複数のワーカーが同時に起動しても DDL が競合しません。
func Migrate(ctx context.Context, tx *database.TransactionProvider) error {
	_, err := database.Transact(ctx, tx, func(a *database.Adapter) (struct{}, error) {
		if err := a.Locks.Acquire(ctx, migrateLockID); err != nil {
			return struct{}{}, err
		}
		if _, err := a.Tx.Exec(ctx, Schema); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
