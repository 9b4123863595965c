package job

import "fmt"

// Status はジョブの状態
type Status string

const (
	StatusQueued       Status = "queued"
	StatusChunking     Status = "chunking"
	StatusSynthesizing Status = "synthesizing"
	StatusMerging      Status = "merging"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// IsTerminal は終端状態かどうかを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive はワーカーが処理中の状態かどうかを返す
func (s Status) IsActive() bool {
	switch s {
	case StatusChunking, StatusSynthesizing, StatusMerging:
		return true
	default:
		return false
	}
}

// ActiveStatuses は処理中とみなす状態の一覧を返す
func ActiveStatuses() []Status {
	return []Status{StatusChunking, StatusSynthesizing, StatusMerging}
}

// ParseStatus は文字列を Status に変換する
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusQueued, StatusChunking, StatusSynthesizing, StatusMerging, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status: %q", s)
	}
}

// CanTransition は from から to への遷移が許可されているかを返す
// 終端状態からの遷移は一切認めない。処理中の状態からは常に failed へ遷移できる。
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}

	switch from {
	case StatusQueued:
		return to == StatusChunking
	case StatusChunking:
		return to == StatusSynthesizing || to == StatusQueued
	case StatusSynthesizing:
		return to == StatusMerging || to == StatusQueued
	case StatusMerging:
		return to == StatusCompleted || to == StatusQueued
	default:
		return false
	}
}

// SegmentStatus はセグメント単位の状態
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentDone    SegmentStatus = "done"
	SegmentFailed  SegmentStatus = "failed"
)

// 進捗表示用のステージ文言
const (
	StageQueued   = "Queued"
	StageChunking = "Splitting text into chunks..."
	StageMerging  = "Merging audio files..."
	StageSaving   = "Saving audio file..."
	StageComplete = "Complete"
	StageFailed   = "Failed"
)

// SynthesizingStage は音声合成中のステージ文言を返す
func SynthesizingStage(current, total int) string {
	return fmt.Sprintf("Converting to speech (%d/%d)...", current, total)
}
