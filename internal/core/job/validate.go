package job

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength はジョブ名の最大文字数
	MaxNameLength = 200

	// MinTextLength は入力テキストの最小文字数
	MinTextLength = 100

	// DefaultMaxTextLength は入力テキストの最大文字数のデフォルト値
	DefaultMaxTextLength = 2_000_000

	maxFilenameLength = 50
)

// ValidateSubmission はジョブ投入時の入力を検証する
// maxTextLength が 0 以下の場合は DefaultMaxTextLength を使用する
func ValidateSubmission(name, text string, maxTextLength int) error {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters (got %d)", MaxNameLength, n)}
	}

	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	n := utf8.RuneCountInString(text)
	if n < MinTextLength {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("must be at least %d characters (got %d)", MinTextLength, n)}
	}
	if n > maxTextLength {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("must be at most %d characters (got %d)", maxTextLength, n)}
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// DownloadFilename はジョブ名からダウンロード用のファイル名を生成する
func DownloadFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(safe) > maxFilenameLength {
		safe = safe[:maxFilenameLength]
	}
	if safe == "" {
		safe = "audio"
	}
	return safe + ".mp3"
}
