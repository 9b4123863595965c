package job

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// RepositoryR はジョブの読み取り専用操作
type RepositoryR interface {
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// List は作成日時の新しい順に offset 件を飛ばして最大 limit 件を返す
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Count は保存されているジョブの総数を返す
	Count(ctx context.Context) (int, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// ListExpired は before より前に更新された終端状態のジョブを返す
	ListExpired(ctx context.Context, before time.Time) ([]*Job, error)
}

// RepositoryRW はジョブの読み書き操作
//
// Update / Touch / Release は所有ワーカーのみが実行できる。
// 保存済みの worker_id が一致しない、または保存済みの状態が終端の場合は ErrJobLost を返す。
type RepositoryRW interface {
	RepositoryR

	Create(ctx context.Context, j *Job) error

	// ClaimNext は最も古い queued ジョブを原子的に chunking へ遷移させ workerID に割り当てる
	// 対象が無い場合は ErrNoJobAvailable を返す
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error)

	Update(ctx context.Context, j *Job) error
	Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error
	Release(ctx context.Context, j *Job) error

	// RequestCancel はキャンセル要求フラグを立てる。終端状態なら ErrTerminal を返す。
	RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error

	// SetWebhookDelivered は通知結果のみを記録する。状態は変更しない。
	SetWebhookDelivered(ctx context.Context, id uuid.UUID, delivered bool) error

	// FailStalled は cutoff 以降 updated_at が進んでいない処理中ジョブを failed にし、
	// この呼び出しで failed にしたジョブを返す
	FailStalled(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]*Job, error)

	Delete(ctx context.Context, id uuid.UUID) error
}

// Artifact はバイト範囲アクセス可能な音声ファイルのストリーム
type Artifact struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// ArtifactStore は結合済み音声ファイルの保存先
type ArtifactStore interface {
	// Put は data を key に保存する。読み手が書き込み途中の内容を観測することはない。
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (*Artifact, error)
	// Delete は key を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}
