package job

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// VoiceSettings はプロバイダに渡す音声パラメータ
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

// VoiceConfig はジョブ作成時に確定する音声設定のスナップショット
// ジョブの生存期間中は変更しない
type VoiceConfig struct {
	Provider     string        `json:"provider"`
	VoiceID      string        `json:"voice_id"`
	ModelID      string        `json:"model_id"`
	OutputFormat string        `json:"output_format"`
	Settings     VoiceSettings `json:"voice_settings"`
}

// Segment はチャンク分割で得られたテキスト片の処理状況
type Segment struct {
	Index     int           `json:"index"` // 1始まり
	Text      string        `json:"text"`
	Status    SegmentStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

// Job は1件の音声合成リクエストとその処理状況
type Job struct {
	ID                    uuid.UUID   `json:"id"`
	Name                  string      `json:"name"`
	Text                  string      `json:"-"`
	TextLength            int         `json:"text_length"`
	Voice                 VoiceConfig `json:"voice"`
	Segments              []Segment   `json:"segments,omitempty"`
	ChunkCount            int         `json:"chunk_count"`
	ProcessedSegmentCount int         `json:"processed_segment_count"`
	ProgressPercent       int         `json:"progress_percent"`
	Status                Status      `json:"status"`
	Stage                 string      `json:"stage"`
	AudioURL              string      `json:"audio_url,omitempty"`
	DurationSeconds       float64     `json:"duration_seconds,omitempty"`
	Error                 string      `json:"error,omitempty"`
	WebhookDelivered      bool        `json:"webhook_delivered"`
	CancelRequested       bool        `json:"cancel_requested"`
	WorkerID              string      `json:"-"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// New は queued 状態の新しいジョブを作成する
func New(name, text string, voice VoiceConfig, now time.Time) *Job {
	return &Job{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(name),
		Text:       text,
		TextLength: utf8.RuneCountInString(text),
		Voice:      voice,
		Status:     StatusQueued,
		Stage:      StageQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ArtifactKey は音声ファイルの保存キーを返す
func (j *Job) ArtifactKey() string {
	return ArtifactKey(j.ID)
}

// ArtifactKey はジョブIDから音声ファイルの保存キーを返す
func ArtifactKey(id uuid.UUID) string {
	return id.String() + ".mp3"
}

// Transition は状態を to に遷移させる
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// SetSegments はチャンク分割結果を記録する。以後セグメント順序は変更しない。
// 再割り当てされたジョブでも ProgressPercent は戻さない。
func (j *Job) SetSegments(texts []string, now time.Time) {
	j.Segments = make([]Segment, len(texts))
	for i, text := range texts {
		j.Segments[i] = Segment{
			Index:  i + 1,
			Text:   text,
			Status: SegmentPending,
		}
	}
	j.ChunkCount = len(texts)
	j.ProcessedSegmentCount = 0
	j.UpdatedAt = now
}

// MarkSegmentDone は index (1始まり) のセグメントを完了として進捗を進める
func (j *Job) MarkSegmentDone(index, attempts int, now time.Time) error {
	seg, err := j.segment(index)
	if err != nil {
		return err
	}
	if seg.Status == SegmentDone {
		return nil
	}
	seg.Status = SegmentDone
	seg.Attempts = attempts
	seg.LastError = ""

	j.ProcessedSegmentCount++
	j.ProgressPercent = max(j.ProgressPercent, ProgressPercent(j.ProcessedSegmentCount, j.ChunkCount))
	j.UpdatedAt = now
	return nil
}

// MarkSegmentFailed は index (1始まり) のセグメントを失敗として記録する
func (j *Job) MarkSegmentFailed(index, attempts int, reason string, now time.Time) error {
	seg, err := j.segment(index)
	if err != nil {
		return err
	}
	seg.Status = SegmentFailed
	seg.Attempts = attempts
	seg.LastError = reason
	j.UpdatedAt = now
	return nil
}

func (j *Job) segment(index int) (*Segment, error) {
	if index < 1 || index > len(j.Segments) {
		return nil, fmt.Errorf("segment index %d out of range [1,%d]", index, len(j.Segments))
	}
	return &j.Segments[index-1], nil
}

// Complete はジョブを completed にし、成果物の参照と再生時間を記録する
func (j *Job) Complete(audioURL string, duration time.Duration, now time.Time) error {
	if audioURL == "" {
		return fmt.Errorf("audio reference must not be empty")
	}
	if err := j.Transition(StatusCompleted, now); err != nil {
		return err
	}
	j.AudioURL = audioURL
	j.DurationSeconds = math.Round(duration.Seconds()*1000) / 1000
	j.Error = ""
	j.ProgressPercent = 100
	j.Stage = StageComplete
	j.CompletedAt = &now
	return nil
}

// Fail はジョブを failed にする。成果物の参照は必ず空になる。
func (j *Job) Fail(reason string, now time.Time) error {
	if reason == "" {
		reason = "unknown error"
	}
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	j.Error = reason
	j.AudioURL = ""
	j.DurationSeconds = 0
	j.Stage = StageFailed
	j.CompletedAt = &now
	return nil
}

// Requeue はワーカー停止時にジョブを queued に戻す。チャンク分割からやり直す。
// 観測者から見て進捗率が下がらないよう ProgressPercent は保持する。
func (j *Job) Requeue(now time.Time) error {
	if err := j.Transition(StatusQueued, now); err != nil {
		return err
	}
	j.Segments = nil
	j.ChunkCount = 0
	j.ProcessedSegmentCount = 0
	j.Stage = StageQueued
	j.WorkerID = ""
	return nil
}

// Clone はジョブのディープコピーを返す
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Segments != nil {
		c.Segments = make([]Segment, len(j.Segments))
		copy(c.Segments, j.Segments)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ProgressPercent は processed/total から進捗率 (0-100) を計算する
// total が未確定 (0以下) の間は 0 を返す
func ProgressPercent(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(processed) / float64(total)))
	if p > 100 {
		return 100
	}
	return p
}
