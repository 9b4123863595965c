package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// DefaultBitrate は再エンコード時のビットレート
	DefaultBitrate = "128k"
	// DefaultSampleRate は再エンコード時のサンプリングレート
	DefaultSampleRate = "44100"

	maxStderrInError = 512
)

// Result はコマンド実行結果
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner はプロセス実行を抽象化する
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner は os/exec でコマンドを実行する
type ExecRunner struct{}

// Run はコマンドを1つ実行し、標準出力・標準エラー・終了コードを返す
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// CommandError は ffmpeg の実行失敗
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Reencoder は ffmpeg で複数の MP3 を1つのストリームに再エンコードする
type Reencoder struct {
	path       string
	bitrate    string
	sampleRate string
	tempDir    string
	runner     Runner
	logger     *slog.Logger
}

// Option は Reencoder のオプション
type Option func(*Reencoder)

// WithRunner はコマンド実行を差し替える (テスト用)
func WithRunner(runner Runner) Option {
	return func(r *Reencoder) {
		r.runner = runner
	}
}

// WithTempDir は作業ディレクトリの親を指定する
func WithTempDir(dir string) Option {
	return func(r *Reencoder) {
		r.tempDir = dir
	}
}

// WithBitrate は出力ビットレートを指定する
func WithBitrate(bitrate string) Option {
	return func(r *Reencoder) {
		if bitrate != "" {
			r.bitrate = bitrate
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reencoder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New は ffmpeg 実行ファイルのパスを指定して Reencoder を作成する
func New(path string, opts ...Option) *Reencoder {
	r := &Reencoder{
		path:       path,
		bitrate:    DefaultBitrate,
		sampleRate: DefaultSampleRate,
		runner:     ExecRunner{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reencode はセグメントを順に concat demuxer で連結し、libmp3lame で再エンコードする
func (r *Reencoder) Reencode(ctx context.Context, payloads [][]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, errors.New("no payloads to re-encode")
	}

	dir, err := os.MkdirTemp(r.tempDir, "larynx-merge-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, p := range payloads {
		name := filepath.Join(dir, fmt.Sprintf("segment-%05d.mp3", i+1))
		if err := os.WriteFile(name, p, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write segment %d: %w", i+1, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", name)
	}

	listPath := filepath.Join(dir, "segments.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write concat list: %w", err)
	}

	outPath := filepath.Join(dir, "merged.mp3")
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-vn", "-c:a", "libmp3lame", "-b:a", r.bitrate, "-ar", r.sampleRate,
		outPath,
	}

	r.logger.Debug("ffmpeg で再エンコードします", "segments", len(payloads), "bitrate", r.bitrate)

	res, err := r.runner.Run(ctx, r.path, args...)
	if err != nil {
		return nil, &CommandError{
			Command:  filepath.Base(r.path),
			ExitCode: res.ExitCode,
			Stderr:   tail(strings.TrimSpace(res.Stderr), maxStderrInError),
			Err:      err,
		}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read re-encoded output: %w", err)
	}
	return data, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
