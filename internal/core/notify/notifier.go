package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drshumard/Larynx/internal/core/job"
)

// Payload は終端状態に達したジョブの通知内容
type Payload struct {
	JobID       string `json:"jobId"`
	Name        string `json:"name"`
	AudioURL    string `json:"audioUrl"`
	Status      string `json:"status"`
	TextLength  int    `json:"textLength"`
	ChunkCount  int    `json:"chunkCount"`
	CompletedAt string `json:"completedAt"`
}

// NewPayload はジョブから通知内容を作成する
// audioUrl は completed の場合のみ publicBaseURL を前置した完全な URL になる。
func NewPayload(j *job.Job, publicBaseURL string, now time.Time) Payload {
	completedAt := now
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}

	audioURL := ""
	if j.Status == job.StatusCompleted && j.AudioURL != "" {
		audioURL = strings.TrimRight(publicBaseURL, "/") + j.AudioURL
	}

	return Payload{
		JobID:       j.ID.String(),
		Name:        j.Name,
		AudioURL:    audioURL,
		Status:      string(j.Status),
		TextLength:  j.TextLength,
		ChunkCount:  j.ChunkCount,
		CompletedAt: completedAt.UTC().Format(time.RFC3339),
	}
}

// Sender は通知の送信手段
type Sender interface {
	Enabled() bool
	Send(ctx context.Context, p Payload) error
}

// DeliveryRecorder は配信結果を記録する
type DeliveryRecorder interface {
	SetWebhookDelivered(ctx context.Context, id uuid.UUID, delivered bool) error
}

// CompletionNotifier は終端状態のジョブを外部へ通知し、配信結果を記録する
// 配信の成否がジョブの状態を変えることはない。
type CompletionNotifier struct {
	sender        Sender
	recorder      DeliveryRecorder
	publicBaseURL string
	logger        *slog.Logger
	now           func() time.Time
}

// NewCompletionNotifier は新しい CompletionNotifier を作成する
func NewCompletionNotifier(sender Sender, recorder DeliveryRecorder, publicBaseURL string, logger *slog.Logger) *CompletionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if sender != nil && sender.Enabled() && publicBaseURL == "" {
		logger.Warn("PUBLIC_BASE_URLが未設定のため通知のaudioUrlは相対パスになります")
	}
	return &CompletionNotifier{
		sender:        sender,
		recorder:      recorder,
		publicBaseURL: publicBaseURL,
		logger:        logger,
		now:           time.Now,
	}
}

// Notify はジョブの結果を1回だけ配信し、webhook_delivered を記録する
// ワーカー停止時でも配信を完了させるため、ctx のキャンセルは引き継がない。
func (n *CompletionNotifier) Notify(ctx context.Context, j *job.Job) bool {
	ctx = context.WithoutCancel(ctx)

	delivered := false
	switch {
	case n.sender == nil || !n.sender.Enabled():
		n.logger.Info("Webhookが未設定のため通知をスキップします", "jobID", j.ID)
	default:
		if err := n.sender.Send(ctx, NewPayload(j, n.publicBaseURL, n.now())); err != nil {
			n.logger.Error("Webhookの配信に失敗しました", "jobID", j.ID, "status", j.Status, "error", err)
		} else {
			delivered = true
		}
	}

	if n.recorder != nil {
		if err := n.recorder.SetWebhookDelivered(ctx, j.ID, delivered); err != nil {
			n.logger.Error("webhook_deliveredの記録に失敗しました", "jobID", j.ID, "error", err)
		}
	}
	j.WebhookDelivered = delivered
	return delivered
}
