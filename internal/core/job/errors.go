package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound はジョブが存在しない場合のエラー
	ErrNotFound = errors.New("job not found")

	// ErrNoJobAvailable は取得可能な queued ジョブが無い場合のエラー
	ErrNoJobAvailable = errors.New("no queued job available")

	// ErrJobLost はワーカーがジョブの所有権を失った場合のエラー
	// (スイープで failed にされた、別ワーカーに再割り当てされた等)
	ErrJobLost = errors.New("job ownership lost")

	// ErrInvalidTransition は状態遷移が許可されていない場合のエラー
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrTerminal は終端状態のジョブに対する操作のエラー
	ErrTerminal = errors.New("job is already in a terminal state")

	// ErrNotTerminal は終端状態に達していないジョブに対する操作のエラー
	ErrNotTerminal = errors.New("job is still in progress")

	// ErrArtifactNotReady は音声ファイルがまだ利用できない場合のエラー
	ErrArtifactNotReady = errors.New("audio artifact is not available")
)

// ValidationError は投入時の入力検証エラー
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError は err が ValidationError かどうかを返す
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
