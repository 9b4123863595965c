package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcolgate/mp3"
)

// frames は無音フレームを n 個並べたペイロードを返す
func frames(n int) []byte {
	return bytes.Repeat(mp3.SilentBytes, n)
}

func frameDuration() time.Duration {
	return mp3.SilentFrame.Duration()
}

// monoFrames はチャンネルモードだけを変えた無音フレームを返す
func monoFrames(n int) []byte {
	f := append([]byte(nil), mp3.SilentBytes...)
	f[3] = f[3]&0x3f | 0xc0
	return bytes.Repeat(f, n)
}

type fakeReencoder struct {
	calls  int
	output []byte
	err    error
}

func (r *fakeReencoder) Reencode(ctx context.Context, payloads [][]byte) ([]byte, error) {
	r.calls++
	return r.output, r.err
}

func TestAnalyze(t *testing.T) {
	t.Run("フレーム数と再生時間", func(t *testing.T) {
		s, err := Analyze(frames(3))
		require.NoError(t, err)
		assert.Len(t, s.Frames, 3)
		assert.Equal(t, 3*frameDuration(), s.Duration)
		assert.False(t, s.Mixed)
		assert.False(t, s.Irregular)
	})

	t.Run("ID3タグを除外する", func(t *testing.T) {
		id3v2 := []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 5, 1, 2, 3, 4, 5}
		id3v1 := append([]byte("TAG"), make([]byte, 125)...)
		data := append(append(append([]byte{}, id3v2...), frames(2)...), id3v1...)

		s, err := Analyze(data)
		require.NoError(t, err)
		assert.Len(t, s.Frames, 2)
		assert.False(t, s.Irregular)
	})

	t.Run("末尾の欠けたフレームを検出する", func(t *testing.T) {
		data := append(frames(2), mp3.SilentBytes[:100]...)
		s, err := Analyze(data)
		require.NoError(t, err)
		assert.Len(t, s.Frames, 2)
		assert.Equal(t, 2*frameDuration(), s.Duration)
		assert.True(t, s.Truncated)
		assert.False(t, s.Irregular)
	})

	t.Run("フレーム間のゴミを検出する", func(t *testing.T) {
		data := append(append(frames(1), []byte("garbage")...), frames(1)...)
		s, err := Analyze(data)
		require.NoError(t, err)
		assert.Len(t, s.Frames, 2)
		assert.True(t, s.Irregular)
	})

	t.Run("音声ではないデータ", func(t *testing.T) {
		_, err := Analyze([]byte("this is definitely not an mp3 payload"))
		assert.Error(t, err)
	})

	t.Run("空のデータ", func(t *testing.T) {
		_, err := Analyze(nil)
		assert.Error(t, err)
	})
}

func TestMerger_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("再生時間はセグメントの合計", func(t *testing.T) {
		m := NewMerger(nil, nil)
		s1, err := Analyze(frames(3))
		require.NoError(t, err)
		s2, err := Analyze(frames(5))
		require.NoError(t, err)
		d1, d2 := s1.Duration, s2.Duration

		merged, err := m.Merge(ctx, [][]byte{frames(3), frames(5)})
		require.NoError(t, err)
		assert.Equal(t, MethodConcat, merged.Method)
		assert.Equal(t, 8, merged.Frames)
		assert.Equal(t, d1+d2, merged.Duration)
		assert.Equal(t, frames(8), merged.Data)

		// 結合結果自体も有効な MP3 として解析できる
		s, err := Analyze(merged.Data)
		require.NoError(t, err)
		assert.Equal(t, d1+d2, s.Duration)
	})

	t.Run("同じ入力なら同じ結果になる", func(t *testing.T) {
		m := NewMerger(nil, nil)
		in := [][]byte{frames(2), frames(4), frames(1)}

		a, err := m.Merge(ctx, in)
		require.NoError(t, err)
		b, err := m.Merge(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, a.Duration, b.Duration)
		assert.Equal(t, a.Data, b.Data)
	})

	t.Run("空のペイロードは拒否する", func(t *testing.T) {
		m := NewMerger(&fakeReencoder{output: frames(1)}, nil)
		merged, err := m.Merge(ctx, [][]byte{frames(1), {}})
		assert.Nil(t, merged)

		var me *MergeError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, 2, me.Segment)
		assert.Equal(t, "validate", me.Stage)
	})

	t.Run("不正なペイロードは拒否する", func(t *testing.T) {
		re := &fakeReencoder{output: frames(1)}
		m := NewMerger(re, nil)
		_, err := m.Merge(ctx, [][]byte{[]byte("not audio at all, just text bytes"), frames(1)})

		var me *MergeError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, 1, me.Segment)
		assert.Zero(t, re.calls)
	})

	t.Run("セグメントが無い", func(t *testing.T) {
		_, err := NewMerger(nil, nil).Merge(ctx, nil)
		var me *MergeError
		assert.ErrorAs(t, err, &me)
	})

	t.Run("属性が異なる場合は再エンコード", func(t *testing.T) {
		re := &fakeReencoder{output: frames(6)}
		m := NewMerger(re, nil)

		merged, err := m.Merge(ctx, [][]byte{frames(3), monoFrames(3)})
		require.NoError(t, err)
		assert.Equal(t, 1, re.calls)
		assert.Equal(t, MethodReencode, merged.Method)
		assert.Equal(t, 6*frameDuration(), merged.Duration)
	})

	t.Run("末尾の欠けたフレームは捨てて連結する", func(t *testing.T) {
		re := &fakeReencoder{output: frames(3)}
		m := NewMerger(re, nil)

		merged, err := m.Merge(ctx, [][]byte{append(frames(2), mp3.SilentBytes[:50]...), frames(1)})
		require.NoError(t, err)
		assert.Equal(t, MethodConcat, merged.Method)
		assert.Zero(t, re.calls)
		assert.Equal(t, 3, merged.Frames)
		assert.Equal(t, frames(3), merged.Data)
	})

	t.Run("再エンコーダ未設定でも欠けたフレームなら成功", func(t *testing.T) {
		m := NewMerger(nil, nil)
		merged, err := m.Merge(ctx, [][]byte{frames(1), append(frames(2), mp3.SilentBytes[:50]...)})
		require.NoError(t, err)
		assert.Equal(t, MethodConcat, merged.Method)
		assert.Equal(t, 3*frameDuration(), merged.Duration)
	})

	t.Run("再エンコーダ未設定なら失敗", func(t *testing.T) {
		m := NewMerger(nil, nil)
		_, err := m.Merge(ctx, [][]byte{frames(1), monoFrames(1)})
		var me *MergeError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "reencode", me.Stage)
	})

	t.Run("再エンコードの失敗", func(t *testing.T) {
		m := NewMerger(&fakeReencoder{err: errors.New("ffmpeg crashed")}, nil)
		_, err := m.Merge(ctx, [][]byte{frames(1), monoFrames(1)})
		assert.ErrorContains(t, err, "ffmpeg crashed")
	})

	t.Run("再エンコード結果が不正", func(t *testing.T) {
		m := NewMerger(&fakeReencoder{output: []byte("oops")}, nil)
		_, err := m.Merge(ctx, [][]byte{frames(1), monoFrames(1)})
		assert.ErrorContains(t, err, "re-encoded output is invalid")
	})
}
