package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drshumard/Larynx/internal/core/job"
)

// JobRepository はプロセス内メモリにジョブを保持する job.RepositoryRW 実装
// 単一プロセスでの開発・テスト用。呼び出し側とはコピーをやり取りする。
type JobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

var _ job.RepositoryRW = (*JobRepository)(nil)

// NewJobRepository は空のリポジトリを作成する
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*job.Job)}
}

func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[j.ID] = j.Clone()
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

// List は作成日時の新しい順に offset 件を飛ばしてジョブを返す
func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if offset > 0 {
		out = out[min(offset, len(out)):]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs), nil
}

func (r *JobRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (r *JobRepository) ListExpired(ctx context.Context, before time.Time) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*job.Job
	for _, j := range r.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// ClaimNext は作成日時が最も古い queued ジョブを割り当てる
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *job.Job
	for _, j := range r.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, job.ErrNoJobAvailable
	}

	next.Status = job.StatusChunking
	next.Stage = job.StageChunking
	next.WorkerID = workerID
	next.UpdatedAt = now
	return next.Clone(), nil
}

// owned は id のジョブが workerID の所有かつ処理中であれば返す。ロック取得済みであること。
func (r *JobRepository) owned(id uuid.UUID, workerID string) (*job.Job, error) {
	cur, ok := r.jobs[id]
	if !ok || cur.WorkerID != workerID || !cur.Status.IsActive() {
		return nil, job.ErrJobLost
	}
	return cur, nil
}

func (r *JobRepository) Update(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.owned(j.ID, j.WorkerID)
	if err != nil {
		return err
	}

	next := j.Clone()
	// キャンセル要求と通知結果は所有ワーカー以外からも書き込まれる
	next.CancelRequested = cur.CancelRequested || j.CancelRequested
	next.WebhookDelivered = cur.WebhookDelivered
	r.jobs[j.ID] = next
	return nil
}

func (r *JobRepository) Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.owned(id, workerID)
	if err != nil {
		return err
	}
	cur.UpdatedAt = now
	return nil
}

func (r *JobRepository) Release(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.owned(j.ID, j.WorkerID); err != nil {
		return err
	}

	released := j.Clone()
	if err := released.Requeue(j.UpdatedAt); err != nil {
		return err
	}
	r.jobs[j.ID] = released
	return nil
}

func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return job.ErrTerminal
	}
	j.CancelRequested = true
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) SetWebhookDelivered(ctx context.Context, id uuid.UUID, delivered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	j.WebhookDelivered = delivered
	return nil
}

func (r *JobRepository) FailStalled(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []*job.Job
	for _, j := range r.jobs {
		if !j.Status.IsActive() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := j.Fail(reason, now); err != nil {
			return nil, err
		}
		j.WorkerID = ""
		failed = append(failed, j.Clone())
	}
	return failed, nil
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}
