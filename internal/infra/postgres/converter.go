package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/drshumard/Larynx/internal/core/job"
	"github.com/drshumard/Larynx/internal/infra/postgres/sqlc"
)

// UUIDToPgtype converts uuid.UUID to pgtype.UUID
func UUIDToPgtype(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// PgtypeToUUID converts pgtype.UUID to uuid.UUID
func PgtypeToUUID(id pgtype.UUID) uuid.UUID {
	return id.Bytes
}

// StringToNullableText converts string to pgtype.Text (nullable)
func StringToNullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// PgtextToString converts pgtype.Text to string ("" for NULL)
func PgtextToString(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// TimeToPgtype converts time.Time to pgtype.Timestamptz
func TimeToPgtype(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// PgtypeToTime converts pgtype.Timestamptz to time.Time
func PgtypeToTime(t pgtype.Timestamptz) time.Time {
	return t.Time
}

// TimePtrToPgtype converts *time.Time to pgtype.Timestamptz
func TimePtrToPgtype(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// PgtypeToTimePtr converts pgtype.Timestamptz to *time.Time
func PgtypeToTimePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Float64ToNullableFloat8 converts float64 to pgtype.Float8 (0 は NULL)
func Float64ToNullableFloat8(f float64) pgtype.Float8 {
	if f == 0 {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: f, Valid: true}
}

// PgfloatToFloat64 converts pgtype.Float8 to float64
func PgfloatToFloat64(f pgtype.Float8) float64 {
	if !f.Valid {
		return 0
	}
	return f.Float64
}

// segmentsToJSONB は永続化用にセグメントを JSONB へ変換する
func segmentsToJSONB(segments []job.Segment) ([]byte, error) {
	if segments == nil {
		segments = []job.Segment{}
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segments: %w", err)
	}
	return b, nil
}

func voiceToJSONB(v job.VoiceConfig) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode voice: %w", err)
	}
	return b, nil
}

// toDomain は jobs 行をドメインモデルに変換する
func toDomain(row sqlc.Job) (*job.Job, error) {
	var voice job.VoiceConfig
	if len(row.Voice) > 0 {
		if err := json.Unmarshal(row.Voice, &voice); err != nil {
			return nil, fmt.Errorf("failed to decode voice: %w", err)
		}
	}

	var segments []job.Segment
	if len(row.Segments) > 0 {
		if err := json.Unmarshal(row.Segments, &segments); err != nil {
			return nil, fmt.Errorf("failed to decode segments: %w", err)
		}
	}
	if len(segments) == 0 {
		segments = nil
	}

	status, err := job.ParseStatus(row.Status)
	if err != nil {
		return nil, err
	}

	return &job.Job{
		ID:                    PgtypeToUUID(row.ID),
		Name:                  row.Name,
		Text:                  row.InputText,
		TextLength:            int(row.TextLength),
		Voice:                 voice,
		Segments:              segments,
		ChunkCount:            int(row.ChunkCount),
		ProcessedSegmentCount: int(row.ProcessedSegmentCount),
		ProgressPercent:       int(row.ProgressPercent),
		Status:                status,
		Stage:                 row.Stage,
		AudioURL:              PgtextToString(row.AudioUrl),
		DurationSeconds:       PgfloatToFloat64(row.DurationSeconds),
		Error:                 PgtextToString(row.Error),
		WebhookDelivered:      row.WebhookDelivered,
		CancelRequested:       row.CancelRequested,
		WorkerID:              PgtextToString(row.WorkerID),
		CreatedAt:             PgtypeToTime(row.CreatedAt),
		UpdatedAt:             PgtypeToTime(row.UpdatedAt),
		CompletedAt:           PgtypeToTimePtr(row.CompletedAt),
	}, nil
}

func toDomainList(rows []sqlc.Job) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(rows))
	for _, row := range rows {
		j, err := toDomain(row)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
