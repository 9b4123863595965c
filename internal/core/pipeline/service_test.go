package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/infra/memory"
	"github.com/drshumard/Larynx/internal/infra/storage"
)

type wakeCounter struct{ n atomic.Int32 }

func (w *wakeCounter) Wake() { w.n.Add(1) }

func newService(t *testing.T) (*Service, *memory.JobRepository, *storage.FileStore) {
	t.Helper()
	repo := memory.NewJobRepository()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	svc, err := NewService(repo, store, ServiceConfig{
		MaxTextLength: 1000,
		Defaults:      func() job.VoiceConfig { return job.VoiceConfig{VoiceID: "default"} },
	}, nil)
	require.NoError(t, err)
	return svc, repo, store
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()
	text := strings.Repeat("A sentence for the audio book. ", 5)

	tests := []struct {
		name    string
		jobName string
		text    string
		wantErr bool
	}{
		{name: "正常な投入", jobName: "Chapter 1", text: text},
		{name: "名前が空", jobName: "  ", text: text, wantErr: true},
		{name: "テキストが短すぎる", jobName: "x", text: "short", wantErr: true},
		{name: "テキストが長すぎる", jobName: "x", text: strings.Repeat("a", 1001), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newService(t)
			waker := &wakeCounter{}
			svc.SetWaker(waker)

			j, err := svc.Submit(ctx, tt.jobName, tt.text)
			if tt.wantErr {
				assert.True(t, job.IsValidationError(err), "got %v", err)
				assert.Zero(t, waker.n.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, job.StatusQueued, j.Status)
			assert.Equal(t, "default", j.Voice.VoiceID)
			assert.Equal(t, int32(1), waker.n.Load())

			got, err := svc.Get(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, j.ID, got.ID)
		})
	}
}

func TestService_DeleteAndArtifact(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newService(t)

	j, err := svc.Submit(ctx, "book", strings.Repeat("x", 120))
	require.NoError(t, err)

	_, _, err = svc.OpenArtifact(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)
	assert.ErrorIs(t, svc.Delete(ctx, j.ID), job.ErrNotTerminal)

	// ワーカーが完了させた状態を作る
	now := time.Now()
	claimed, err := repo.ClaimNext(ctx, "w", now)
	require.NoError(t, err)
	claimed.SetSegments([]string{"x"}, now)
	require.NoError(t, claimed.Transition(job.StatusSynthesizing, now))
	require.NoError(t, claimed.MarkSegmentDone(1, 1, now))
	require.NoError(t, claimed.Transition(job.StatusMerging, now))
	require.NoError(t, store.Put(ctx, claimed.ArtifactKey(), []byte("audio")))
	require.NoError(t, claimed.Complete(DownloadPath(claimed.ID), time.Second, now))
	require.NoError(t, repo.Update(ctx, claimed))

	art, got, err := svc.OpenArtifact(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), art.Size)
	assert.Equal(t, "book.mp3", job.DownloadFilename(got.Name))
	require.NoError(t, art.Close())

	assert.ErrorIs(t, svc.Cancel(ctx, j.ID), job.ErrTerminal)

	require.NoError(t, svc.Delete(ctx, j.ID))
	_, err = svc.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = store.Open(ctx, claimed.ArtifactKey())
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)
}

func TestService_ListAndCancel(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, "book", strings.Repeat("x", 120))
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 3)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, DefaultListLimit, page.Limit)

	tests := []struct {
		name   string
		limit  int
		offset int
		want   int
	}{
		{name: "先頭2件", limit: 2, offset: 0, want: 2},
		{name: "2件飛ばす", limit: 2, offset: 2, want: 1},
		{name: "範囲外", limit: 2, offset: 10, want: 0},
		{name: "負のoffsetは0扱い", limit: 5, offset: -1, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := svc.List(ctx, tt.limit, tt.offset)
			require.NoError(t, err)
			assert.Len(t, p.Jobs, tt.want)
			assert.Equal(t, 3, p.Total)
		})
	}

	list := page.Jobs
	require.NoError(t, svc.Cancel(ctx, list[0].ID))
	cancelled, err := repo.IsCancelRequested(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	notifier := &countingNotifier{}
	base := time.Now()

	j := job.New("book", strings.Repeat("x", 120), job.VoiceConfig{}, base)
	require.NoError(t, repo.Create(ctx, j))
	_, err := repo.ClaimNext(ctx, "w", base)
	require.NoError(t, err)

	sweeper, err := NewSweeper(repo, notifier, 10*time.Minute, nil)
	require.NoError(t, err)

	// タイムアウト前は対象外
	sweeper.now = func() time.Time { return base.Add(5 * time.Minute) }
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper.now = func() time.Time { return base.Add(11 * time.Minute) }
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, notifier.count())

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "stalled: no progress since"))

	// 通知は1回だけ
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, notifier.count())

	_, err = NewSweeper(repo, nil, 0, nil)
	assert.Error(t, err)
}

func TestRetention_Cleanup(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	base := time.Now()

	old := job.New("old", strings.Repeat("x", 120), job.VoiceConfig{}, base)
	require.NoError(t, repo.Create(ctx, old))
	claimed, err := repo.ClaimNext(ctx, "w", base)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, claimed.ArtifactKey(), []byte("audio")))
	require.NoError(t, claimed.Fail("boom", base))
	require.NoError(t, repo.Update(ctx, claimed))

	pending := job.New("pending", strings.Repeat("x", 120), job.VoiceConfig{}, base)
	require.NoError(t, repo.Create(ctx, pending))

	disabled := NewRetention(repo, store, 0, nil)
	n, err := disabled.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r := NewRetention(repo, store, 48*time.Hour, nil)
	r.now = func() time.Time { return base.Add(49 * time.Hour) }
	n, err = r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, old.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = store.Open(ctx, old.ArtifactKey())
	assert.ErrorIs(t, err, job.ErrArtifactNotReady)

	_, err = repo.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	repo := memory.NewJobRepository()
	sweeper, err := NewSweeper(repo, nil, time.Minute, nil)
	require.NoError(t, err)

	s := NewScheduler(SchedulerConfig{SweepSchedule: "not a schedule"}, sweeper, nil, nil)
	assert.Error(t, s.Start(context.Background()))

	ok := NewScheduler(SchedulerConfig{}, sweeper, nil, nil)
	require.NoError(t, ok.Start(context.Background()))
	ok.Stop()
}
