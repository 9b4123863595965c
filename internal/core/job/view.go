package job

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// View は状態照会用のジョブ表現
// 値が無い項目も null として常に出力し、セグメント本文は含めない。
type View struct {
	ID                    uuid.UUID     `json:"id"`
	Name                  string        `json:"name"`
	Status                Status        `json:"status"`
	Stage                 string        `json:"stage"`
	ProgressPercent       int           `json:"progress_percent"`
	TextLength            int           `json:"text_length"`
	ChunkCount            int           `json:"chunk_count"`
	ProcessedSegmentCount int           `json:"processed_segment_count"`
	Voice                 VoiceConfig   `json:"voice"`
	Segments              []SegmentView `json:"segments"`
	AudioURL              *string       `json:"audio_url"`
	DurationSeconds       *float64      `json:"duration_seconds"`
	Error                 *string       `json:"error"`
	WebhookDelivered      bool          `json:"webhook_delivered"`
	CancelRequested       bool          `json:"cancel_requested"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	CompletedAt           *time.Time    `json:"completed_at"`
}

// SegmentView はセグメントの処理状況 (本文を除く)
type SegmentView struct {
	Index     int           `json:"index"`
	Length    int           `json:"length"`
	Status    SegmentStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError *string       `json:"last_error"`
}

// View は照会用の表現を返す
func (j *Job) View() View {
	v := View{
		ID:                    j.ID,
		Name:                  j.Name,
		Status:                j.Status,
		Stage:                 j.Stage,
		ProgressPercent:       j.ProgressPercent,
		TextLength:            j.TextLength,
		ChunkCount:            j.ChunkCount,
		ProcessedSegmentCount: j.ProcessedSegmentCount,
		Voice:                 j.Voice,
		Segments:              make([]SegmentView, 0, len(j.Segments)),
		WebhookDelivered:      j.WebhookDelivered,
		CancelRequested:       j.CancelRequested,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		CompletedAt:           j.CompletedAt,
	}
	for _, s := range j.Segments {
		v.Segments = append(v.Segments, SegmentView{
			Index:     s.Index,
			Length:    utf8.RuneCountInString(s.Text),
			Status:    s.Status,
			Attempts:  s.Attempts,
			LastError: optional(s.LastError),
		})
	}
	if j.Status == StatusCompleted {
		v.AudioURL = optional(j.AudioURL)
		d := j.DurationSeconds
		v.DurationSeconds = &d
	}
	v.Error = optional(j.Error)
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
