package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drshumard/Larynx/internal/core/audio"
	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/synthesis"
)

const (
	// DefaultHeartbeatInterval はハートビートの既定間隔
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMergeTimeout は結合 (再エンコードを含む) の既定タイムアウト
	DefaultMergeTimeout = 10 * time.Minute
	// DefaultArtifactTimeout は音声ファイル保存の既定タイムアウト
	DefaultArtifactTimeout = 5 * time.Minute
	// releaseTimeout はワーカー停止時にジョブを戻す書き込みのタイムアウト
	releaseTimeout = 5 * time.Second
	// CancelledReason はキャンセル要求で失敗したジョブのエラー文言
	CancelledReason = "cancelled by request"
)

// VoicePolicy は処理中ジョブの音声設定の扱い
type VoicePolicy string

const (
	// VoicePolicySnapshot は作成時の音声設定をそのまま使う
	VoicePolicySnapshot VoicePolicy = "snapshot"
	// VoicePolicyLive は割り当て時点の既定設定で上書きする
	VoicePolicyLive VoicePolicy = "live"
)

// ParseVoicePolicy は文字列から VoicePolicy を返す
func ParseVoicePolicy(s string) (VoicePolicy, error) {
	switch VoicePolicy(s) {
	case "", VoicePolicySnapshot:
		return VoicePolicySnapshot, nil
	case VoicePolicyLive:
		return VoicePolicyLive, nil
	default:
		return "", fmt.Errorf("unknown voice policy: %s", s)
	}
}

// Outcome は1ジョブ分の処理結果
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleased はワーカー停止により queued へ戻したことを示す
	OutcomeReleased Outcome = "released"
	// OutcomeLost は所有権を失い処理を打ち切ったことを示す
	OutcomeLost Outcome = "lost"
)

// Chunker はテキストをセグメントに分割する
type Chunker interface {
	Chunk(text string) []string
}

// Synthesizer はセグメント単位で音声を合成する
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice job.VoiceConfig) (*synthesis.Result, error)
}

// Merger はセグメント音声を1つの音声ファイルに結合する
type Merger interface {
	Merge(ctx context.Context, payloads [][]byte) (*audio.Merged, error)
}

// Notifier は終端状態に達したジョブを通知する
type Notifier interface {
	Notify(ctx context.Context, j *job.Job) bool
}

// VoiceDefaults は現在の既定音声設定を返す
type VoiceDefaults func() job.VoiceConfig

// DownloadPath は完了ジョブの音声ファイル参照を返す
func DownloadPath(id uuid.UUID) string {
	return fmt.Sprintf("/api/jobs/%s/download", id)
}

// Orchestrator は割り当て済みのジョブを chunking から終端状態まで進める
type Orchestrator struct {
	repo        job.RepositoryRW
	chunker     Chunker
	synth       Synthesizer
	merger      Merger
	artifacts   job.ArtifactStore
	notifier    Notifier
	defaults    VoiceDefaults
	voicePolicy VoicePolicy
	heartbeat   time.Duration
	mergeTTL    time.Duration
	artifactTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type orchestratorOptions struct {
	notifier    Notifier
	defaults    VoiceDefaults
	voicePolicy VoicePolicy
	heartbeat   time.Duration
	mergeTTL    time.Duration
	artifactTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*orchestratorOptions)

// WithNotifier は終端状態の通知先を設定する
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.notifier = n
	}
}

// WithVoicePolicy は音声設定の扱いを設定する。live の場合は defaults が必要。
func WithVoicePolicy(policy VoicePolicy, defaults VoiceDefaults) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.voicePolicy = policy
		o.defaults = defaults
	}
}

// WithHeartbeatInterval はハートビート間隔を設定する
func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.heartbeat = d
	}
}

// WithStepTimeouts は結合と音声ファイル保存のタイムアウトを設定する
// 期限を過ぎた工程ではハートビートも止まり、停止ジョブの掃除対象になる。
func WithStepTimeouts(merge, artifact time.Duration) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.mergeTTL = merge
		o.artifactTTL = artifact
	}
}

// WithOrchestratorLogger はロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.logger = logger
	}
}

// WithClock は時刻取得関数を差し替える
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.now = now
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(
	repo job.RepositoryRW,
	chunker Chunker,
	synth Synthesizer,
	merger Merger,
	artifacts job.ArtifactStore,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	options := orchestratorOptions{
		voicePolicy: VoicePolicySnapshot,
		heartbeat:   DefaultHeartbeatInterval,
		mergeTTL:    DefaultMergeTimeout,
		artifactTTL: DefaultArtifactTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	switch {
	case repo == nil:
		return nil, errors.New("job repository is required")
	case chunker == nil:
		return nil, errors.New("chunker is required")
	case synth == nil:
		return nil, errors.New("synthesizer is required")
	case merger == nil:
		return nil, errors.New("merger is required")
	case artifacts == nil:
		return nil, errors.New("artifact store is required")
	case options.voicePolicy == VoicePolicyLive && options.defaults == nil:
		return nil, errors.New("live voice policy requires voice defaults")
	case options.heartbeat <= 0:
		return nil, fmt.Errorf("heartbeat interval must be positive: %s", options.heartbeat)
	case options.mergeTTL <= 0 || options.artifactTTL <= 0:
		return nil, fmt.Errorf("step timeouts must be positive: merge=%s artifact=%s", options.mergeTTL, options.artifactTTL)
	}

	return &Orchestrator{
		repo:        repo,
		chunker:     chunker,
		synth:       synth,
		merger:      merger,
		artifacts:   artifacts,
		notifier:    options.notifier,
		defaults:    options.defaults,
		voicePolicy: options.voicePolicy,
		heartbeat:   options.heartbeat,
		mergeTTL:    options.mergeTTL,
		artifactTTL: options.artifactTTL,
		logger:      options.logger,
		now:         options.now,
	}, nil
}

// run は1ジョブ分の実行状態
type run struct {
	o      *Orchestrator
	j      *job.Job
	logger *slog.Logger

	// deadline は実行中の工程の期限 (UnixNano)。0 は期限なし。
	deadline atomic.Int64
}

// step は d を期限とする工程用のコンテキストを返す
func (r *run) step(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	r.deadline.Store(r.o.now().Add(d).UnixNano())
	sctx, cancel := context.WithTimeout(ctx, d)
	return sctx, func() {
		cancel()
		r.deadline.Store(0)
	}
}

// overdue は実行中の工程が期限を過ぎているかを返す
func (r *run) overdue() bool {
	d := r.deadline.Load()
	return d != 0 && r.o.now().UnixNano() > d
}

// errStop は呼び出し元に結果を返して処理を打ち切るための内部エラー
type errStop struct {
	outcome Outcome
	err     error
}

func (e *errStop) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.outcome, e.err)
	}
	return string(e.outcome)
}

// Run は ClaimNext で割り当てられたジョブを処理する
// ctx のキャンセル (ワーカー停止) ではジョブを queued に戻し、通知はしない。
// 返す error は永続化に失敗した場合のみで、ジョブの失敗は OutcomeFailed で表す。
func (o *Orchestrator) Run(ctx context.Context, j *job.Job) (Outcome, error) {
	r := &run{
		o:      o,
		j:      j,
		logger: o.logger.With("jobID", j.ID, "workerID", j.WorkerID),
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.keepAlive(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	r.logger.Info("ジョブの処理を開始します", "name", j.Name, "textLength", j.TextLength)
	start := o.now()

	err := r.execute(ctx)
	var stop *errStop
	if errors.As(err, &stop) {
		if stop.outcome == OutcomeLost {
			r.logger.Warn("ジョブの所有権を失ったため処理を中断します", "error", stop.err)
		}
		return stop.outcome, stop.err
	}
	if err != nil {
		return "", err
	}

	r.logger.Info("ジョブが完了しました",
		"chunkCount", j.ChunkCount,
		"durationSeconds", j.DurationSeconds,
		"elapsed", o.now().Sub(start))
	o.notify(ctx, j)
	return OutcomeCompleted, nil
}

func (r *run) execute(ctx context.Context) error {
	o, j := r.o, r.j

	if o.voicePolicy == VoicePolicyLive {
		j.Voice = o.defaults()
	}

	// chunking
	texts := o.chunker.Chunk(j.Text)
	if len(texts) == 0 {
		return r.fail(ctx, "text produced no segments")
	}
	j.SetSegments(texts, o.now())
	if err := j.Transition(job.StatusSynthesizing, o.now()); err != nil {
		return err
	}
	j.Stage = job.SynthesizingStage(1, j.ChunkCount)
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.logger.Info("テキストを分割しました", "chunkCount", j.ChunkCount)

	// synthesizing
	payloads := make([][]byte, 0, j.ChunkCount)
	for i := range j.Segments {
		index := i + 1

		if err := r.checkCancel(ctx); err != nil {
			return err
		}

		res, err := o.synth.Synthesize(ctx, j.Segments[i].Text, j.Voice)
		if err != nil {
			if ctx.Err() != nil {
				return r.release(ctx)
			}
			attempts := synthesis.AttemptsOf(err)
			if markErr := j.MarkSegmentFailed(index, attempts, err.Error(), o.now()); markErr != nil {
				return markErr
			}
			return r.fail(ctx, segmentFailure(index, j.ChunkCount, attempts, err))
		}

		payloads = append(payloads, res.Audio)
		if err := j.MarkSegmentDone(index, res.Attempts, o.now()); err != nil {
			return err
		}
		if index < j.ChunkCount {
			j.Stage = job.SynthesizingStage(index+1, j.ChunkCount)
		}
		if err := r.persist(ctx); err != nil {
			return err
		}
		r.logger.Debug("セグメントを合成しました",
			"segment", index,
			"attempt", res.Attempts,
			"progress", j.ProgressPercent)
	}

	// merging
	if err := j.Transition(job.StatusMerging, o.now()); err != nil {
		return err
	}
	j.Stage = job.StageMerging
	if err := r.persist(ctx); err != nil {
		return err
	}

	mctx, done := r.step(ctx, o.mergeTTL)
	merged, err := o.merger.Merge(mctx, payloads)
	done()
	if err != nil {
		if ctx.Err() != nil {
			return r.release(ctx)
		}
		return r.fail(ctx, fmt.Sprintf("merge failed: %v", err))
	}
	r.logger.Info("音声を結合しました",
		"method", merged.Method,
		"frames", merged.Frames,
		"bytes", len(merged.Data))

	j.Stage = job.StageSaving
	if err := r.persist(ctx); err != nil {
		return err
	}
	pctx, done := r.step(ctx, o.artifactTTL)
	err = o.artifacts.Put(pctx, j.ArtifactKey(), merged.Data)
	done()
	if err != nil {
		if ctx.Err() != nil {
			return r.release(ctx)
		}
		return r.fail(ctx, fmt.Sprintf("failed to store audio: %v", err))
	}

	if err := j.Complete(DownloadPath(j.ID), merged.Duration, o.now()); err != nil {
		return err
	}
	if err := r.persist(ctx); err != nil {
		// 完了を記録できなかった音声ファイルは公開しない
		if delErr := o.artifacts.Delete(context.WithoutCancel(ctx), j.ArtifactKey()); delErr != nil {
			r.logger.Error("音声ファイルの削除に失敗しました", "error", delErr)
		}
		return err
	}
	return nil
}

// persist はジョブを保存する。所有権喪失と停止はそれぞれ errStop に変換する。
func (r *run) persist(ctx context.Context) error {
	err := r.o.repo.Update(ctx, r.j)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrJobLost):
		return &errStop{outcome: OutcomeLost, err: err}
	case ctx.Err() != nil:
		return r.release(ctx)
	default:
		return fmt.Errorf("failed to persist job %s: %w", r.j.ID, err)
	}
}

func (r *run) checkCancel(ctx context.Context) error {
	cancelled, err := r.o.repo.IsCancelRequested(ctx, r.j.ID)
	if err != nil {
		if ctx.Err() != nil {
			return r.release(ctx)
		}
		r.logger.Warn("キャンセル要求の確認に失敗しました", "error", err)
		return nil
	}
	if !cancelled {
		return nil
	}
	r.logger.Info("キャンセル要求を受け付けました", "processed", r.j.ProcessedSegmentCount)
	return r.fail(ctx, CancelledReason)
}

// fail はジョブを failed として保存し通知する
func (r *run) fail(ctx context.Context, reason string) error {
	if err := r.j.Fail(reason, r.o.now()); err != nil {
		return err
	}
	if err := r.o.repo.Update(context.WithoutCancel(ctx), r.j); err != nil {
		if errors.Is(err, job.ErrJobLost) {
			return &errStop{outcome: OutcomeLost, err: err}
		}
		return fmt.Errorf("failed to persist failed job %s: %w", r.j.ID, err)
	}

	r.logger.Error("ジョブが失敗しました", "error", reason)
	r.o.notify(ctx, r.j)
	return &errStop{outcome: OutcomeFailed}
}

// release はワーカー停止時にジョブを queued へ戻す
func (r *run) release(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	r.j.UpdatedAt = r.o.now()
	if err := r.o.repo.Release(rctx, r.j); err != nil {
		if errors.Is(err, job.ErrJobLost) {
			return &errStop{outcome: OutcomeLost, err: err}
		}
		return fmt.Errorf("failed to release job %s: %w", r.j.ID, err)
	}
	r.logger.Info("ワーカー停止のためジョブをキューに戻しました")
	return &errStop{outcome: OutcomeReleased}
}

func (o *Orchestrator) notify(ctx context.Context, j *job.Job) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, j)
}

// keepAlive は処理中のジョブの updated_at を定期的に更新する
// 工程が期限を過ぎている間は更新しない。
func (r *run) keepAlive(ctx context.Context) {
	o := r.o
	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.overdue() {
				if !warned {
					r.logger.Warn("工程が期限を過ぎているためハートビートを止めます")
					warned = true
				}
				continue
			}
			warned = false
			if err := o.repo.Touch(ctx, r.j.ID, r.j.WorkerID, o.now()); err != nil {
				if errors.Is(err, job.ErrJobLost) || ctx.Err() != nil {
					return
				}
				r.logger.Warn("ハートビートの更新に失敗しました", "error", err)
			}
		}
	}
}

// segmentFailure は保存用のエラー文言を組み立てる
func segmentFailure(index, total, attempts int, err error) string {
	detail := err.Error()
	var attemptErr *synthesis.AttemptError
	if errors.As(err, &attemptErr) && attemptErr.Err != nil {
		detail = attemptErr.Err.Error()
	}
	if attempts <= 0 {
		return fmt.Sprintf("segment %d/%d: %s", index, total, detail)
	}
	noun := "attempts"
	if attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("segment %d/%d: %s (after %d %s)", index, total, detail, attempts, noun)
}
