package ctxutil

import (
	"context"
	"time"
)

// Sleep は d だけ待つ。待機中に ctx が終了した場合は ctx のエラーを返す。
// d が0以下なら待たずに ctx の状態だけを返す。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
