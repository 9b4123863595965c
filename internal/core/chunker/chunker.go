package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars はセグメントの最大文字数のデフォルト値
const DefaultMaxChars = 10000

// Chunker は長文テキストを文境界で区切られたセグメントに分割する
//
// 文境界は '.', '!', '?' (直後の閉じ引用符・閉じ括弧を含む) の後に空白または
// テキスト終端が続く位置、および改行とする。長さはすべて文字 (rune) 単位で数える。
type Chunker struct {
	maxChars int
}

// New は maxChars を上限とする Chunker を作成する
func New(maxChars int) (*Chunker, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("max chars must be positive: %d", maxChars)
	}
	return &Chunker{maxChars: maxChars}, nil
}

// MaxChars はセグメントの最大文字数を返す
func (c *Chunker) MaxChars() int {
	return c.maxChars
}

// Chunk はテキストをセグメントに分割する
//
// 連続する文をバッファに積み、次の文を加えると上限を超える直前でセグメントとして確定する。
// 文同士は半角スペース1つで連結する。上限を超える1文は単語境界で分割し、
// それでも収まらない単語は上限位置で強制的に分割する。
// 同じ (text, maxChars) に対しては常に同じ結果を返す。
func (c *Chunker) Chunk(text string) []string {
	var (
		segments []string
		buf      strings.Builder
		bufLen   int
	)

	flush := func() {
		if bufLen == 0 {
			return
		}
		segments = append(segments, buf.String())
		buf.Reset()
		bufLen = 0
	}

	for _, sentence := range SplitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if n > c.maxChars {
			flush()
			segments = append(segments, c.splitOversized(sentence)...)
			continue
		}

		if bufLen > 0 && bufLen+1+n > c.maxChars {
			flush()
		}
		if bufLen > 0 {
			buf.WriteByte(' ')
			bufLen++
		}
		buf.WriteString(sentence)
		bufLen += n
	}
	flush()

	return segments
}

// splitOversized は上限を超える1文を単語境界で分割する
func (c *Chunker) splitOversized(sentence string) []string {
	var (
		pieces []string
		buf    strings.Builder
		bufLen int
	)

	flush := func() {
		if bufLen == 0 {
			return
		}
		pieces = append(pieces, buf.String())
		buf.Reset()
		bufLen = 0
	}

	for _, word := range strings.Fields(sentence) {
		n := utf8.RuneCountInString(word)
		if n > c.maxChars {
			flush()
			runes := []rune(word)
			for len(runes) > c.maxChars {
				pieces = append(pieces, string(runes[:c.maxChars]))
				runes = runes[c.maxChars:]
			}
			buf.WriteString(string(runes))
			bufLen = len(runes)
			continue
		}

		if bufLen > 0 && bufLen+1+n > c.maxChars {
			flush()
		}
		if bufLen > 0 {
			buf.WriteByte(' ')
			bufLen++
		}
		buf.WriteString(word)
		bufLen += n
	}
	flush()

	return pieces
}

// SplitSentences はテキストを文単位に分割する。前後の空白は除去し、空の文は含めない。
func SplitSentences(text string) []string {
	var sentences []string

	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}

	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])

		switch {
		case r == '\n':
			emit(text[start:i])
			i += size
			start = i

		case isTerminal(r):
			end := i + size
			for end < len(text) {
				next, nsize := utf8.DecodeRuneInString(text[end:])
				if !isTerminal(next) && !isCloser(next) {
					break
				}
				end += nsize
			}
			if end == len(text) {
				emit(text[start:end])
				start = end
				i = end
				continue
			}
			next, _ := utf8.DecodeRuneInString(text[end:])
			if unicode.IsSpace(next) {
				emit(text[start:end])
				start = end
			}
			i = end

		default:
			i += size
		}
	}
	emit(text[start:])

	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	default:
		return false
	}
}
