package job

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queuedからchunking", StatusQueued, StatusChunking, true},
		{"queuedからsynthesizingは不可", StatusQueued, StatusSynthesizing, false},
		{"chunkingからsynthesizing", StatusChunking, StatusSynthesizing, true},
		{"synthesizingからmerging", StatusSynthesizing, StatusMerging, true},
		{"synthesizingからcompletedは不可", StatusSynthesizing, StatusCompleted, false},
		{"mergingからcompleted", StatusMerging, StatusCompleted, true},
		{"処理中からfailed", StatusSynthesizing, StatusFailed, true},
		{"queuedからfailed", StatusQueued, StatusFailed, true},
		{"completedからfailedは不可", StatusCompleted, StatusFailed, false},
		{"failedからqueuedは不可", StatusFailed, StatusQueued, false},
		{"処理中からqueuedへ差し戻し", StatusMerging, StatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name      string
		processed int
		total     int
		want      int
	}{
		{"チャンク数未確定", 0, 0, 0},
		{"未処理", 0, 3, 0},
		{"1/3は33", 1, 3, 33},
		{"2/3は67", 2, 3, 67},
		{"全件完了", 3, 3, 100},
		{"上限で丸める", 5, 3, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProgressPercent(tt.processed, tt.total))
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	j := New("  Chapter 1 ", strings.Repeat("a", 120), VoiceConfig{VoiceID: "v"}, testNow)
	assert.Equal(t, "Chapter 1", j.Name)
	assert.Equal(t, 120, j.TextLength)
	assert.Equal(t, StatusQueued, j.Status)

	require.NoError(t, j.Transition(StatusChunking, testNow))
	j.SetSegments([]string{"a.", "b.", "c."}, testNow)
	require.NoError(t, j.Transition(StatusSynthesizing, testNow))
	assert.Equal(t, 3, j.ChunkCount)
	assert.Equal(t, 1, j.Segments[0].Index)

	last := 0
	for i := 1; i <= 3; i++ {
		require.NoError(t, j.MarkSegmentDone(i, 1, testNow))
		assert.GreaterOrEqual(t, j.ProgressPercent, last)
		assert.LessOrEqual(t, j.ProcessedSegmentCount, j.ChunkCount)
		last = j.ProgressPercent
	}

	// 同じセグメントを二重に完了扱いしても進捗は進まない
	require.NoError(t, j.MarkSegmentDone(3, 1, testNow))
	assert.Equal(t, 3, j.ProcessedSegmentCount)

	require.NoError(t, j.Transition(StatusMerging, testNow))
	require.NoError(t, j.Complete("/api/jobs/x/download", 1500*time.Millisecond, testNow))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 1.5, j.DurationSeconds)
	assert.Empty(t, j.Error)
	assert.Equal(t, 100, j.ProgressPercent)

	// 終端状態からは遷移できない
	err := j.Fail("late failure", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Empty(t, j.Error)
}

func TestJob_Fail(t *testing.T) {
	j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
	require.NoError(t, j.Transition(StatusChunking, testNow))

	require.NoError(t, j.Fail("", testNow))
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "unknown error", j.Error)
	assert.Empty(t, j.AudioURL)
	assert.Equal(t, StageFailed, j.Stage)
}

func TestJob_MarkSegmentOutOfRange(t *testing.T) {
	j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
	j.SetSegments([]string{"only"}, testNow)

	assert.Error(t, j.MarkSegmentDone(0, 1, testNow))
	assert.Error(t, j.MarkSegmentFailed(2, 1, "x", testNow))
}

func TestJob_RequeueAndClone(t *testing.T) {
	j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
	require.NoError(t, j.Transition(StatusChunking, testNow))
	j.WorkerID = "w1"
	j.SetSegments([]string{"a", "b"}, testNow)

	c := j.Clone()
	c.Segments[0].Text = "changed"
	assert.Equal(t, "a", j.Segments[0].Text)

	require.NoError(t, j.Requeue(testNow))
	assert.Equal(t, StatusQueued, j.Status)
	assert.Empty(t, j.Segments)
	assert.Empty(t, j.WorkerID)
	assert.Zero(t, j.ChunkCount)
}

func TestJob_ProgressSurvivesRequeue(t *testing.T) {
	j := New("n", strings.Repeat("a", 120), VoiceConfig{}, testNow)
	require.NoError(t, j.Transition(StatusChunking, testNow))
	j.SetSegments([]string{"a", "b", "c", "d"}, testNow)
	require.NoError(t, j.MarkSegmentDone(1, 1, testNow))
	require.NoError(t, j.MarkSegmentDone(2, 1, testNow))
	require.Equal(t, 50, j.ProgressPercent)

	// ワーカー停止で戻しても進捗率は下がらない
	require.NoError(t, j.Requeue(testNow))
	assert.Equal(t, 50, j.ProgressPercent)
	assert.Zero(t, j.ProcessedSegmentCount)

	require.NoError(t, j.Transition(StatusChunking, testNow))
	j.SetSegments([]string{"a", "b", "c", "d"}, testNow)
	assert.Equal(t, 50, j.ProgressPercent)

	seen := []int{j.ProgressPercent}
	for i := 1; i <= 4; i++ {
		require.NoError(t, j.MarkSegmentDone(i, 1, testNow))
		seen = append(seen, j.ProgressPercent)
	}
	assert.Equal(t, []int{50, 50, 50, 75, 100}, seen)
}

func TestValidateSubmission(t *testing.T) {
	long := strings.Repeat("word ", 40)

	tests := []struct {
		name    string
		jobName string
		text    string
		max     int
		field   string
	}{
		{"正常", "Book", long, 0, ""},
		{"名前が空", "  ", long, 0, "name"},
		{"名前が長すぎる", strings.Repeat("n", 201), long, 0, "name"},
		{"本文が空白のみ", "Book", strings.Repeat(" ", 200), 0, "text"},
		{"本文が短すぎる", "Book", "too short.", 0, "text"},
		{"本文が長すぎる", "Book", long, 150, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubmission(tt.jobName, tt.text, tt.max)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestDownloadFilename(t *testing.T) {
	assert.Equal(t, "My_Book__Part_1_.mp3", DownloadFilename("My Book (Part 1)"))
	assert.Equal(t, "audio.mp3", DownloadFilename(""))
	assert.Len(t, DownloadFilename(strings.Repeat("x", 80)), 54)
}
