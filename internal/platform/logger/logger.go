package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	// Output は出力先。nil なら標準エラー出力
	Output io.Writer
}

// DefaultConfig はデフォルトのロガー設定
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "json",
	}
}

// ParseLevel は LOG_LEVEL の文字列を slog.Level に変換します
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します
// CLI の出力と混ざらないよう、既定の出力先は標準エラー出力です。
func New(cfg Config) *slog.Logger {
	var handler slog.Handler

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default: // "json"
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
