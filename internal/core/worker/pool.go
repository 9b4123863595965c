package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/pipeline"
)

const (
	// DefaultWorkers はデフォルトのワーカー数
	DefaultWorkers = 2
	// DefaultPollInterval はキューを確認するデフォルト間隔
	DefaultPollInterval = 5 * time.Second
)

// Config はワーカープールの設定
type Config struct {
	Workers      int           // 同時に処理するジョブ数
	PollInterval time.Duration // 起こされない場合にキューを確認する間隔
	ID           string        // ワーカーIDの接頭辞。空ならホスト名から生成する
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Workers:      DefaultWorkers,
		PollInterval: DefaultPollInterval,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be greater than 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Store はジョブの割り当て元
type Store interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*job.Job, error)
}

// Runner は割り当てられたジョブを終端状態まで処理する
type Runner interface {
	Run(ctx context.Context, j *job.Job) (pipeline.Outcome, error)
}

// Metrics はプールの稼働状況
type Metrics struct {
	Claimed   atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	Released  atomic.Int64
	Lost      atomic.Int64
	Errors    atomic.Int64
	Busy      atomic.Int64
}

// MetricsSnapshot は Metrics のある時点の値
type MetricsSnapshot struct {
	Claimed   int64
	Completed int64
	Failed    int64
	Released  int64
	Lost      int64
	Errors    int64
	Busy      int64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Claimed:   m.Claimed.Load(),
		Completed: m.Completed.Load(),
		Failed:    m.Failed.Load(),
		Released:  m.Released.Load(),
		Lost:      m.Lost.Load(),
		Errors:    m.Errors.Load(),
		Busy:      m.Busy.Load(),
	}
}

// result はワーカーからディスパッチャへ返す処理結果
type result struct {
	slot    int
	jobID   uuid.UUID
	outcome pipeline.Outcome
	err     error
	elapsed time.Duration
}

// Pool は固定数のワーカーでジョブを処理する
//
// ディスパッチャは空いているワーカーがいるときだけジョブを割り当てる。
// 割り当てたジョブはワーカーごとのチャネルで渡し、結果は結果チャネルで受け取る。
type Pool struct {
	cfg     Config
	store   Store
	runner  Runner
	logger  *slog.Logger
	ids     []string
	wake    chan struct{}
	metrics Metrics
	now     func() time.Time
}

// NewPool は新しい Pool を作成する
func NewPool(cfg Config, store Store, runner Runner, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || runner == nil {
		return nil, errors.New("store and runner are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.ID
	if prefix == "" {
		prefix = defaultID()
	}
	ids := make([]string, cfg.Workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}

	return &Pool{
		cfg:    cfg,
		store:  store,
		runner: runner,
		logger: logger,
		ids:    ids,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Wake はディスパッチャにキューの確認を促す。ブロックしない。
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Metrics は現在の稼働状況を返す
func (p *Pool) Metrics() MetricsSnapshot {
	return p.metrics.snapshot()
}

// WorkerIDs は各ワーカーのIDを返す
func (p *Pool) WorkerIDs() []string {
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

// Run は ctx がキャンセルされるまでジョブを処理する
// キャンセル後は処理中のジョブが戻されるのを待ってから返る。
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.Workers
	idle := make(chan int, n)
	inboxes := make([]chan *job.Job, n)
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		inboxes[i] = make(chan *job.Job, 1)
		idle <- i
	}

	p.logger.Info("ワーカープールを開始します", "workers", n, "pollInterval", p.cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)

	var workers sync.WaitGroup
	workers.Add(n)
	for i := 0; i < n; i++ {
		slot := i
		go func() {
			defer workers.Done()
			p.work(ctx, slot, inboxes[slot], results)
		}()
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	g.Go(func() error {
		defer func() {
			for _, inbox := range inboxes {
				close(inbox)
			}
		}()
		return p.dispatch(gctx, idle, inboxes)
	})

	g.Go(func() error {
		for r := range results {
			p.record(r)
			idle <- r.slot
		}
		return nil
	})

	err := g.Wait()
	p.logger.Info("ワーカープールを停止しました", "metrics", fmt.Sprintf("%+v", p.Metrics()))
	return err
}

// dispatch は空きワーカーのトークンを受け取るたびにジョブを1件割り当てる
func (p *Pool) dispatch(ctx context.Context, idle <-chan int, inboxes []chan *job.Job) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var slot int
		select {
		case <-ctx.Done():
			return nil
		case slot = <-idle:
		}

		for {
			j, err := p.store.ClaimNext(ctx, p.ids[slot], p.now())
			if err == nil {
				p.metrics.Claimed.Add(1)
				p.metrics.Busy.Add(1)
				inboxes[slot] <- j
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, job.ErrNoJobAvailable) {
				p.metrics.Errors.Add(1)
				p.logger.Error("ジョブの割り当てに失敗しました", "workerID", p.ids[slot], "error", err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-p.wake:
			case <-ticker.C:
			}
		}
	}
}

// work は inbox に届いたジョブを順に処理する
func (p *Pool) work(ctx context.Context, slot int, inbox <-chan *job.Job, results chan<- result) {
	for j := range inbox {
		start := p.now()
		outcome, err := p.runJob(ctx, j)
		results <- result{
			slot:    slot,
			jobID:   j.ID,
			outcome: outcome,
			err:     err,
			elapsed: p.now().Sub(start),
		}
	}
}

// runJob はジョブを実行する。Runner の panic はエラーとして扱う。
func (p *Pool) runJob(ctx context.Context, j *job.Job) (outcome pipeline.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while processing job %s: %v", j.ID, rec)
		}
	}()
	return p.runner.Run(ctx, j)
}

func (p *Pool) record(r result) {
	p.metrics.Busy.Add(-1)

	switch r.outcome {
	case pipeline.OutcomeCompleted:
		p.metrics.Completed.Add(1)
	case pipeline.OutcomeFailed:
		p.metrics.Failed.Add(1)
	case pipeline.OutcomeReleased:
		p.metrics.Released.Add(1)
	case pipeline.OutcomeLost:
		p.metrics.Lost.Add(1)
	}

	if r.err != nil && r.outcome != pipeline.OutcomeLost {
		p.metrics.Errors.Add(1)
		p.logger.Error("ジョブの処理でエラーが発生しました", "jobID", r.jobID, "error", r.err)
		return
	}
	p.logger.Debug("ジョブの処理が終了しました", "jobID", r.jobID, "outcome", r.outcome, "elapsed", r.elapsed)
}
