package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcolgate/mp3"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/core/notify"
	"github.com/drshumard/Larynx/internal/core/synthesis"
	"github.com/drshumard/Larynx/internal/platform/config"
)

type silentProvider struct{}

func (silentProvider) Name() string { return "fake" }

func (silentProvider) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	return append([]byte(nil), mp3.SilentBytes...), nil
}

func loadTestConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	t.Setenv("JOB_STORE", "memory")
	t.Setenv("STORAGE_BACKEND", "filesystem")
	t.Setenv("STORAGE_DIR", t.TempDir())
	t.Setenv("CHUNK_MAX_CHARS", "100")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("WORKER_POLL_INTERVAL", "20ms")
	t.Setenv("WEBHOOK_URL", webhookURL)
	t.Setenv("PUBLIC_BASE_URL", "https://tts.example.com/")
	t.Setenv("ELEVENLABS_API_KEY", "unused")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestContainer_EndToEnd(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notify.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := loadTestConfig(t, srv.URL)
	c, err := NewContainer(context.Background(), cfg, WithContainerProvider(silentProvider{}))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Migrate(context.Background()))

	var sentences []string
	for i := 1; i <= 3; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence %d %s.", i, strings.Repeat("x", 50)))
	}
	submitted, err := c.Service.Submit(context.Background(), "Chapter 1", strings.Join(sentences, " "))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := c.Service.Get(context.Background(), submitted.ID)
		return err == nil && j.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := c.Service.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.True(t, got.WebhookDelivered)

	art, _, err := c.Service.OpenArtifact(context.Background(), submitted.ID)
	require.NoError(t, err)
	defer art.Close()
	assert.Equal(t, int64(3*len(mp3.SilentBytes)), art.Size)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "completed", payloads[0].Status)
	assert.Equal(t, "https://tts.example.com/api/jobs/"+submitted.ID.String()+"/download", payloads[0].AudioURL)
}

func TestNewStoreContainer(t *testing.T) {
	cfg := loadTestConfig(t, "")
	c, err := NewStoreContainer(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Service)
	assert.NotNil(t, c.Sweeper)
	assert.True(t, c.Retention.Enabled())
	assert.Nil(t, c.Pool)
}
