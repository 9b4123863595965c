package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// 結合方式
const (
	MethodConcat   = "concat"
	MethodReencode = "reencode"
)

// MergeError は音声結合の失敗
// Segment は問題のあったセグメント番号 (1始まり)、特定できない場合は 0。
type MergeError struct {
	Stage   string
	Segment int
	Err     error
}

func (e *MergeError) Error() string {
	if e.Segment > 0 {
		return fmt.Sprintf("merge %s failed at segment %d: %v", e.Stage, e.Segment, e.Err)
	}
	return fmt.Sprintf("merge %s failed: %v", e.Stage, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// Reencoder は各セグメントをデコードし、1つのストリームとして再エンコードする
type Reencoder interface {
	Reencode(ctx context.Context, payloads [][]byte) ([]byte, error)
}

// Merged は結合結果
type Merged struct {
	Data     []byte
	Duration time.Duration
	Frames   int
	Method   string
}

// Merger はセグメント順に音声を結合する
type Merger struct {
	reencoder Reencoder
	logger    *slog.Logger
}

// NewMerger は新しい Merger を作成する
// reencoder が nil の場合、フレーム連結できない入力は MergeError になる。
func NewMerger(reencoder Reencoder, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		reencoder: reencoder,
		logger:    logger,
	}
}

// Merge は順序付きのペイロードを1つの音声ファイルに結合する
//
// すべてのペイロードが同じストリーム属性を持ち、フレーム構造に問題が無ければ
// MPEG フレームをそのまま連結する。そうでなければ再エンコードにフォールバックする。
// 空または解析できないペイロードが1つでもあれば結果を作らずに MergeError を返す。
func (m *Merger) Merge(ctx context.Context, payloads [][]byte) (*Merged, error) {
	if len(payloads) == 0 {
		return nil, &MergeError{Stage: "validate", Err: errors.New("no audio segments to merge")}
	}

	streams := make([]*Stream, len(payloads))
	concatable := true
	for i, p := range payloads {
		if len(p) == 0 {
			return nil, &MergeError{Stage: "validate", Segment: i + 1, Err: errors.New("empty audio payload")}
		}
		s, err := Analyze(p)
		if err != nil {
			return nil, &MergeError{Stage: "validate", Segment: i + 1, Err: err}
		}
		streams[i] = s
		if s.Truncated {
			m.logger.Debug("末尾の欠けたフレームを除外しました", "segment", i+1, "frames", len(s.Frames))
		}

		if s.Mixed || s.Irregular || s.Signature != streams[0].Signature {
			concatable = false
		}
	}

	if concatable {
		return concat(streams), nil
	}

	m.logger.Warn("フレーム連結できないため再エンコードします", "segments", len(payloads))
	return m.reencode(ctx, payloads)
}

func concat(streams []*Stream) *Merged {
	size := 0
	for _, s := range streams {
		size += s.Size()
	}

	out := &Merged{
		Data:   make([]byte, 0, size),
		Method: MethodConcat,
	}
	for _, s := range streams {
		for _, f := range s.Frames {
			out.Data = append(out.Data, f...)
		}
		out.Frames += len(s.Frames)
		out.Duration += s.Duration
	}
	return out
}

func (m *Merger) reencode(ctx context.Context, payloads [][]byte) (*Merged, error) {
	if m.reencoder == nil {
		return nil, &MergeError{Stage: "reencode", Err: errors.New("segments are not frame-compatible and no re-encoder is configured")}
	}

	data, err := m.reencoder.Reencode(ctx, payloads)
	if err != nil {
		return nil, &MergeError{Stage: "reencode", Err: err}
	}

	s, err := Analyze(data)
	if err != nil {
		return nil, &MergeError{Stage: "reencode", Err: fmt.Errorf("re-encoded output is invalid: %w", err)}
	}

	return &Merged{
		Data:     data,
		Duration: s.Duration,
		Frames:   len(s.Frames),
		Method:   MethodReencode,
	}, nil
}
