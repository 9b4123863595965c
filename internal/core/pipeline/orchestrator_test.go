package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcolgate/mp3"

	"github.com/drshumard/Larynx/internal/core/audio"
	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/notify"
	"github.com/drshumard/Larynx/internal/core/synthesis"
	"github.com/drshumard/Larynx/internal/infra/memory"
	"github.com/drshumard/Larynx/internal/infra/storage"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

type fixedChunker []string

func (c fixedChunker) Chunk(string) []string { return c }

// scriptedProvider はセグメント本文ごとに決められた結果を返す
type scriptedProvider struct {
	mu      sync.Mutex
	script  map[string][]error
	always  map[string]error
	payload []byte
	onCall  func(ctx context.Context, req synthesis.Request) error
	calls   []string
	voices  []string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		script:  map[string][]error{},
		always:  map[string]error{},
		payload: mp3.SilentBytes,
	}
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	p.mu.Lock()
	n := 0
	for _, c := range p.calls {
		if c == req.Text {
			n++
		}
	}
	p.calls = append(p.calls, req.Text)
	p.voices = append(p.voices, req.Voice.VoiceID)
	errs := p.script[req.Text]
	always := p.always[req.Text]
	hook := p.onCall
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	if always != nil {
		return nil, always
	}
	out := make([]byte, len(p.payload))
	copy(out, p.payload)
	return out, nil
}

func (p *scriptedProvider) callsFor(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == text {
			n++
		}
	}
	return n
}

type countingNotifier struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (n *countingNotifier) Notify(ctx context.Context, j *job.Job) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, j.Clone())
	return true
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

// progressRepo は Update ごとの進捗率を記録する
type progressRepo struct {
	*memory.JobRepository
	mu       sync.Mutex
	progress []int
}

func (r *progressRepo) Update(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	r.progress = append(r.progress, j.ProgressPercent)
	r.mu.Unlock()
	return r.JobRepository.Update(ctx, j)
}

type harness struct {
	repo     *progressRepo
	store    *storage.FileStore
	provider *scriptedProvider
	notifier *countingNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, segments []string, opts ...OrchestratorOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, segments, nil, opts...)
}

// newHarnessWithStore は artifacts が nil の場合にファイルストアを使う
func newHarnessWithStore(t *testing.T, segments []string, artifacts job.ArtifactStore, opts ...OrchestratorOption) *harness {
	t.Helper()

	repo := &progressRepo{JobRepository: memory.NewJobRepository()}
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	if artifacts == nil {
		artifacts = store
	}
	provider := newScriptedProvider()
	client, err := synthesis.NewClient(provider, synthesis.DefaultRetryPolicy(), synthesis.WithSleeper(noSleep))
	require.NoError(t, err)
	notifier := &countingNotifier{}

	opts = append([]OrchestratorOption{WithNotifier(notifier)}, opts...)
	orch, err := NewOrchestrator(repo, fixedChunker(segments), client, audio.NewMerger(nil, nil), artifacts, opts...)
	require.NoError(t, err)

	return &harness{repo: repo, store: store, provider: provider, notifier: notifier, orch: orch}
}

func (h *harness) claim(t *testing.T) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New("book", strings.Repeat("text ", 30), job.VoiceConfig{VoiceID: "snap"}, time.Now())
	require.NoError(t, h.repo.Create(ctx, j))
	claimed, err := h.repo.ClaimNext(ctx, "worker-1", time.Now())
	require.NoError(t, err)
	return claimed
}

func (h *harness) stored(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	got, err := h.repo.Get(context.Background(), j.ID)
	require.NoError(t, err)
	return got
}

func TestOrchestrator_Completes(t *testing.T) {
	h := newHarness(t, []string{"one", "two", "three"})
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 3, got.ProcessedSegmentCount)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, job.StageComplete, got.Stage)
	assert.Equal(t, DownloadPath(j.ID), got.AudioURL)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)

	// 3フレーム分の再生時間
	want := 3 * mp3.SilentFrame.Duration().Seconds()
	assert.InDelta(t, want, got.DurationSeconds, 0.002)

	art, err := h.store.Open(context.Background(), j.ArtifactKey())
	require.NoError(t, err)
	defer art.Close()
	assert.Equal(t, int64(3*len(mp3.SilentBytes)), art.Size)

	assert.Equal(t, 1, h.notifier.count())

	// 進捗率は単調非減少
	for i := 1; i < len(h.repo.progress); i++ {
		assert.GreaterOrEqual(t, h.repo.progress[i], h.repo.progress[i-1])
	}
}

func TestOrchestrator_RetriesRateLimitedSegment(t *testing.T) {
	h := newHarness(t, []string{"first", "second"})
	h.provider.script["second"] = []error{
		synthesis.NewStatusError("fake", http.StatusTooManyRequests, "rate limited", 0),
	}
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedSegmentCount)
	require.Len(t, got.Segments, 2)
	assert.Equal(t, 1, got.Segments[0].Attempts)
	assert.Equal(t, 2, got.Segments[1].Attempts)
	assert.Equal(t, job.SegmentDone, got.Segments[1].Status)
}

func TestOrchestrator_FailsOnExhaustedSegment(t *testing.T) {
	h := newHarness(t, []string{"alpha", "beta", "gamma"})
	h.provider.always["alpha"] = synthesis.NewStatusError("fake", http.StatusServiceUnavailable, "upstream down", 0)
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 0, got.ProcessedSegmentCount)
	assert.Equal(t, 0, got.ProgressPercent)
	assert.Contains(t, got.Error, "segment 1/3")
	assert.Contains(t, got.Error, "status 503")
	assert.Contains(t, got.Error, "after 4 attempts")
	assert.Empty(t, got.AudioURL)
	assert.Equal(t, job.SegmentFailed, got.Segments[0].Status)

	assert.Equal(t, 4, h.provider.callsFor("alpha"))
	assert.Zero(t, h.provider.callsFor("beta"))
	assert.Zero(t, h.provider.callsFor("gamma"))

	_, err = h.store.Open(context.Background(), j.ArtifactKey())
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)
	assert.Equal(t, 1, h.notifier.count())
}

func TestOrchestrator_TerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, []string{"alpha", "beta"})
	h.provider.always["beta"] = synthesis.NewStatusError("fake", http.StatusUnauthorized, "invalid api key", 0)
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.stored(t, j)
	assert.Equal(t, "segment 2/2: fake: status 401: invalid api key (after 1 attempt)", got.Error)
	assert.Equal(t, 1, got.ProcessedSegmentCount)
	assert.Equal(t, 1, h.provider.callsFor("beta"))
}

func TestOrchestrator_CancelBetweenSegments(t *testing.T) {
	h := newHarness(t, []string{"alpha", "beta", "gamma"})
	j := h.claim(t)
	h.provider.onCall = func(ctx context.Context, req synthesis.Request) error {
		if req.Text == "alpha" {
			return h.repo.RequestCancel(ctx, j.ID, time.Now())
		}
		return nil
	}

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, CancelledReason, got.Error)
	assert.Equal(t, 1, got.ProcessedSegmentCount)
	assert.Zero(t, h.provider.callsFor("beta"))
	assert.Equal(t, 1, h.notifier.count())
}

func TestOrchestrator_ReleasesOnShutdown(t *testing.T) {
	h := newHarness(t, []string{"alpha", "beta"})
	j := h.claim(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.onCall = func(callCtx context.Context, req synthesis.Request) error {
		if req.Text == "beta" {
			cancel()
			<-callCtx.Done()
			return callCtx.Err()
		}
		return nil
	}

	outcome, err := h.orch.Run(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Zero(t, got.ChunkCount)
	// 1/2 セグメント分の進捗は保持する
	assert.Equal(t, 50, got.ProgressPercent)
	assert.Zero(t, h.notifier.count())

	// 別のワーカーが再度割り当てられる
	again, err := h.repo.ClaimNext(context.Background(), "worker-2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
}

func TestOrchestrator_LostOwnership(t *testing.T) {
	h := newHarness(t, []string{"alpha"})
	j := h.claim(t)

	// 割り当て直後に掃除された
	_, err := h.repo.FailStalled(context.Background(), time.Now().Add(time.Hour), "stalled", time.Now())
	require.NoError(t, err)

	outcome, err := h.orch.Run(context.Background(), j)
	assert.ErrorIs(t, err, job.ErrJobLost)
	assert.Equal(t, OutcomeLost, outcome)
	assert.Zero(t, h.notifier.count())

	got := h.stored(t, j)
	assert.Equal(t, "stalled", got.Error)
}

func TestOrchestrator_MergeFailure(t *testing.T) {
	h := newHarness(t, []string{"alpha", "beta"})
	h.provider.payload = []byte("definitely not an mp3 stream")
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "merge failed:"), got.Error)
	assert.Equal(t, 2, got.ProcessedSegmentCount)

	_, err = h.store.Open(context.Background(), j.ArtifactKey())
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)
}

// blockingStore は Put がコンテキストの終了まで戻らない
type blockingStore struct {
	*storage.FileStore
}

func (s blockingStore) Put(ctx context.Context, key string, data []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

// stuckStore は Put がコンテキストを無視して release が閉じられるまで戻らない
type stuckStore struct {
	*storage.FileStore
	entered chan struct{}
	release chan struct{}
}

func (s *stuckStore) Put(ctx context.Context, key string, data []byte) error {
	close(s.entered)
	<-s.release
	return s.FileStore.Put(context.Background(), key, data)
}

func TestOrchestrator_ArtifactTimeout(t *testing.T) {
	fs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	h := newHarnessWithStore(t, []string{"alpha", "beta"}, blockingStore{FileStore: fs},
		WithStepTimeouts(time.Minute, 50*time.Millisecond),
		WithHeartbeatInterval(10*time.Millisecond))
	j := h.claim(t)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := h.orch.Run(context.Background(), j)
		assert.NoError(t, err)
		done <- outcome
	}()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeFailed, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("保存が期限で打ち切られませんでした")
	}

	got := h.stored(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "failed to store audio:"), got.Error)
	assert.Contains(t, got.Error, context.DeadlineExceeded.Error())
	assert.Empty(t, got.AudioURL)
	assert.Equal(t, 1, h.notifier.count())
}

func TestOrchestrator_OverdueStepStopsHeartbeat(t *testing.T) {
	fs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &stuckStore{FileStore: fs, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithStore(t, []string{"alpha"}, store,
		WithStepTimeouts(time.Minute, 30*time.Millisecond),
		WithHeartbeatInterval(10*time.Millisecond))
	j := h.claim(t)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := h.orch.Run(context.Background(), j)
		done <- outcome
	}()
	<-store.entered

	// 期限切れの工程はハートビートが止まるため掃除で failed になる
	liveness := 100 * time.Millisecond
	require.Eventually(t, func() bool {
		swept, err := h.repo.FailStalled(context.Background(), time.Now().Add(-liveness), "stalled", time.Now())
		return err == nil && len(swept) == 1
	}, 5*time.Second, 20*time.Millisecond)

	close(store.release)
	assert.Equal(t, OutcomeLost, <-done)

	got := h.stored(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "stalled", got.Error)

	// 完了を記録できなかった音声ファイルは残らない
	_, err = fs.Open(context.Background(), j.ArtifactKey())
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)
}

func TestOrchestrator_NoSegments(t *testing.T) {
	h := newHarness(t, nil)
	j := h.claim(t)

	outcome, err := h.orch.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "text produced no segments", h.stored(t, j).Error)
}

func TestOrchestrator_VoicePolicy(t *testing.T) {
	live := func() job.VoiceConfig { return job.VoiceConfig{VoiceID: "live"} }

	tests := []struct {
		name   string
		policy VoicePolicy
		want   string
	}{
		{name: "作成時の設定を使う", policy: VoicePolicySnapshot, want: "snap"},
		{name: "割り当て時の既定設定を使う", policy: VoicePolicyLive, want: "live"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"alpha", "beta"}, WithVoicePolicy(tt.policy, live))
			j := h.claim(t)

			_, err := h.orch.Run(context.Background(), j)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want, tt.want}, h.provider.voices)
			assert.Equal(t, tt.want, h.stored(t, j).Voice.VoiceID)
		})
	}
}

func TestOrchestrator_WebhookUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	repo := memory.NewJobRepository()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	client, err := synthesis.NewClient(newScriptedProvider(), synthesis.DefaultRetryPolicy(), synthesis.WithSleeper(noSleep))
	require.NoError(t, err)
	sender := notify.NewWebhookSender(notify.Config{URL: url, MaxAttempts: 3}, notify.WithSleeper(noSleep))
	notifier := notify.NewCompletionNotifier(sender, repo, "https://larynx.example", nil)

	orch, err := NewOrchestrator(repo, fixedChunker{"alpha", "beta"}, client, audio.NewMerger(nil, nil), store,
		WithNotifier(notifier))
	require.NoError(t, err)

	j := job.New("book", strings.Repeat("text ", 30), job.VoiceConfig{}, time.Now())
	require.NoError(t, repo.Create(context.Background(), j))
	claimed, err := repo.ClaimNext(context.Background(), "worker-1", time.Now())
	require.NoError(t, err)

	outcome, err := orch.Run(context.Background(), claimed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := repo.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.False(t, got.WebhookDelivered)

	art, err := store.Open(context.Background(), j.ArtifactKey())
	require.NoError(t, err)
	art.Close()
}

func TestNewOrchestrator_Validation(t *testing.T) {
	repo := memory.NewJobRepository()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	client, err := synthesis.NewClient(newScriptedProvider(), synthesis.DefaultRetryPolicy())
	require.NoError(t, err)

	_, err = NewOrchestrator(repo, fixedChunker{"a"}, client, audio.NewMerger(nil, nil), store,
		WithVoicePolicy(VoicePolicyLive, nil))
	assert.Error(t, err)

	_, err = NewOrchestrator(nil, fixedChunker{"a"}, client, audio.NewMerger(nil, nil), store)
	assert.Error(t, err)

	_, err = NewOrchestrator(repo, fixedChunker{"a"}, client, audio.NewMerger(nil, nil), store,
		WithStepTimeouts(0, time.Minute))
	assert.Error(t, err)
}

func TestParseVoicePolicy(t *testing.T) {
	p, err := ParseVoicePolicy("")
	require.NoError(t, err)
	assert.Equal(t, VoicePolicySnapshot, p)

	p, err = ParseVoicePolicy("live")
	require.NoError(t, err)
	assert.Equal(t, VoicePolicyLive, p)

	_, err = ParseVoicePolicy("sometimes")
	assert.Error(t, err)
}

func TestSegmentFailure(t *testing.T) {
	err := &synthesis.AttemptError{Attempts: 3, Exhausted: true, Err: errors.New("boom")}
	assert.Equal(t, "segment 2/5: boom (after 3 attempts)", segmentFailure(2, 5, 3, err))
	assert.Equal(t, "segment 1/1: boom", segmentFailure(1, 1, 0, errors.New("boom")))
}
