package job

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewJSON(t *testing.T, j *Job) map[string]any {
	t.Helper()
	b, err := json.Marshal(j.View())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestJob_View(t *testing.T) {
	t.Run("処理前でもキーは常に出力される", func(t *testing.T) {
		j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
		m := viewJSON(t, j)

		for _, key := range []string{"audio_url", "duration_seconds", "error", "completed_at"} {
			v, ok := m[key]
			assert.True(t, ok, key)
			assert.Nil(t, v, key)
		}
		assert.Equal(t, []any{}, m["segments"])
		assert.NotContains(t, m, "text")
	})

	t.Run("セグメント本文は含めない", func(t *testing.T) {
		j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
		require.NoError(t, j.Transition(StatusChunking, testNow))
		j.SetSegments([]string{"first secret", "second"}, testNow)
		require.NoError(t, j.MarkSegmentFailed(2, 3, "boom", testNow))

		m := viewJSON(t, j)
		segs, ok := m["segments"].([]any)
		require.True(t, ok)
		require.Len(t, segs, 2)

		first := segs[0].(map[string]any)
		assert.NotContains(t, first, "text")
		assert.EqualValues(t, 12, first["length"])
		assert.Nil(t, first["last_error"])
		assert.Equal(t, "boom", segs[1].(map[string]any)["last_error"])

		b, err := json.Marshal(j.View())
		require.NoError(t, err)
		assert.NotContains(t, string(b), "first secret")
	})

	t.Run("完了後は成果物と再生時間が入る", func(t *testing.T) {
		j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
		require.NoError(t, j.Transition(StatusChunking, testNow))
		j.SetSegments([]string{"a"}, testNow)
		require.NoError(t, j.Transition(StatusSynthesizing, testNow))
		require.NoError(t, j.MarkSegmentDone(1, 1, testNow))
		require.NoError(t, j.Transition(StatusMerging, testNow))
		require.NoError(t, j.Complete("/api/jobs/x/download", 1500*time.Millisecond, testNow))

		m := viewJSON(t, j)
		assert.Equal(t, "/api/jobs/x/download", m["audio_url"])
		assert.InDelta(t, 1.5, m["duration_seconds"], 0.001)
		assert.Nil(t, m["error"])
		assert.NotNil(t, m["completed_at"])
	})
}
