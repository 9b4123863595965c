package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tcolgate/mp3"
)

// Signature は連結可否を判定するためのストリーム属性
type Signature struct {
	Version     mp3.FrameVersion
	Layer       mp3.FrameLayer
	SampleRate  mp3.FrameSampleRate
	ChannelMode mp3.FrameChannelMode
}

func (s Signature) String() string {
	return fmt.Sprintf("%v %v %dHz %v", s.Version, s.Layer, s.SampleRate, s.ChannelMode)
}

// Stream は1つの MP3 ペイロードを解析した結果
type Stream struct {
	// Frames は音声フレームの生バイト列 (元のペイロードを参照する)
	Frames    [][]byte
	Duration  time.Duration
	Signature Signature
	// Mixed はフレーム間で属性が一致しない場合 true
	Mixed bool
	// Irregular はフレーム間にゴミがある場合 true
	Irregular bool
	// Truncated は末尾の欠けたフレームを捨てた場合 true
	Truncated bool
}

// Size は音声フレームの合計バイト数を返す
func (s *Stream) Size() int {
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	return n
}

var errNoFrames = errors.New("no decodable MPEG audio frames")

// Analyze は MP3 ペイロードをフレーム単位に解析する
// ID3v2/ID3v1 タグと Xing/Info ヘッダーフレームは除外する。
func Analyze(data []byte) (*Stream, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}

	body := stripID3(data)
	r := bytes.NewReader(body)
	dec := mp3.NewDecoder(r)

	var (
		frame   mp3.Frame
		skipped int
		stream  = &Stream{}
		first   = true
	)

	for {
		err := dec.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				stream.Truncated = true
				break
			}
			return nil, fmt.Errorf("failed to decode frame %d: %w", len(stream.Frames)+1, err)
		}

		frameLen, _ := io.Copy(io.Discard, frame.Reader())
		end := len(body) - r.Len()
		start := end - int(frameLen)
		if start < 0 {
			return nil, fmt.Errorf("frame %d has inconsistent size", len(stream.Frames)+1)
		}
		if skipped > 0 && !first {
			stream.Irregular = true
		}

		raw := body[start:end]
		if first && isInfoFrame(&frame, raw) {
			first = false
			continue
		}

		h := frame.Header()
		sig := Signature{
			Version:     h.Version(),
			Layer:       h.Layer(),
			SampleRate:  h.SampleRate(),
			ChannelMode: h.ChannelMode(),
		}
		if len(stream.Frames) == 0 {
			stream.Signature = sig
		} else if sig != stream.Signature {
			stream.Mixed = true
		}

		stream.Frames = append(stream.Frames, raw)
		stream.Duration += frame.Duration()
		first = false
	}

	if len(stream.Frames) == 0 {
		return nil, errNoFrames
	}
	return stream, nil
}

// stripID3 は先頭の ID3v2 タグと末尾の ID3v1 タグを取り除く
func stripID3(data []byte) []byte {
	if len(data) >= 10 && bytes.HasPrefix(data, []byte("ID3")) {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		total := 10 + size
		if data[5]&0x10 != 0 {
			total += 10
		}
		if total <= len(data) {
			data = data[total:]
		}
	}
	if len(data) >= 128 && bytes.HasPrefix(data[len(data)-128:], []byte("TAG")) {
		data = data[:len(data)-128]
	}
	return data
}

// isInfoFrame は LAME などが先頭に付与する Xing/Info ヘッダーフレームかどうかを返す
func isInfoFrame(frame *mp3.Frame, raw []byte) bool {
	sideLen, err := frame.SideInfoLength()
	if err != nil {
		return false
	}
	offset := 4 + sideLen
	if frame.Header().Protection() {
		offset += 2
	}
	if len(raw) < offset+4 {
		return false
	}
	tag := string(raw[offset : offset+4])
	return tag == "Xing" || tag == "Info"
}
