package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drshumard/Larynx/internal/core/job"
)

// DefaultListLimit は一覧取得の既定件数
const DefaultListLimit = 50

// Waker は新しいジョブの投入をワーカープールに知らせる
type Waker interface {
	Wake()
}

// Service はジョブの投入・照会・取消・削除のユースケースを提供する
type Service struct {
	repo          job.RepositoryRW
	artifacts     job.ArtifactStore
	defaults      VoiceDefaults
	maxTextLength int
	logger        *slog.Logger
	now           func() time.Time

	mu    sync.RWMutex
	waker Waker
}

// ServiceConfig は Service の設定
type ServiceConfig struct {
	// MaxTextLength は投入できるテキストの最大文字数
	MaxTextLength int
	// Defaults は投入時点の音声設定を返す
	Defaults VoiceDefaults
}

// NewService は新しい Service を作成する
func NewService(repo job.RepositoryRW, artifacts job.ArtifactStore, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if cfg.Defaults == nil {
		return nil, errors.New("voice defaults are required")
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = job.DefaultMaxTextLength
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		repo:          repo,
		artifacts:     artifacts,
		defaults:      cfg.Defaults,
		maxTextLength: cfg.MaxTextLength,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// SetWaker は投入時に起こすワーカープールを設定する
func (s *Service) SetWaker(w Waker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waker = w
}

// Submit は入力を検証し、現在の音声設定を固定した queued ジョブを作成する
func (s *Service) Submit(ctx context.Context, name, text string) (*job.Job, error) {
	if err := job.ValidateSubmission(name, text, s.maxTextLength); err != nil {
		return nil, err
	}

	j := job.New(name, text, s.defaults(), s.now())
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.logger.Info("ジョブを登録しました", "jobID", j.ID, "name", j.Name, "textLength", j.TextLength)

	s.mu.RLock()
	w := s.waker
	s.mu.RUnlock()
	if w != nil {
		w.Wake()
	}
	return j, nil
}

// Get はジョブを取得する
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.repo.Get(ctx, id)
}

// Page はジョブ一覧の1ページ分
type Page struct {
	Jobs   []*job.Job
	Total  int
	Limit  int
	Offset int
}

// List は新しい順に offset 件を飛ばしてジョブを返す。Total は全件数。
func (s *Service) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Page{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// Cancel はジョブにキャンセルを要求する
// queued のジョブもワーカーが割り当てた直後のセグメント境界で failed になる。
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.RequestCancel(ctx, id, s.now()); err != nil {
		return err
	}
	s.logger.Info("ジョブのキャンセルを要求しました", "jobID", id)
	return nil
}

// Delete は終端状態のジョブと音声ファイルを削除する
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", job.ErrNotTerminal, id, j.Status)
	}

	if err := s.artifacts.Delete(ctx, j.ArtifactKey()); err != nil {
		return fmt.Errorf("failed to delete audio: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("ジョブを削除しました", "jobID", id)
	return nil
}

// OpenArtifact は完了ジョブの音声ファイルを開く
// completed 以外では job.ErrArtifactNotReady を返す。
func (s *Service) OpenArtifact(ctx context.Context, id uuid.UUID) (*job.Artifact, *job.Job, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, j, job.ErrArtifactNotReady
	}

	art, err := s.artifacts.Open(ctx, j.ArtifactKey())
	if err != nil {
		return nil, j, err
	}
	return art, j, nil
}
