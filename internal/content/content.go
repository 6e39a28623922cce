// Package content validates and normalises the text of listed posts.
package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLength is the longest post, in runes, after normalisation.
const MaxLength = 280

var (
	ErrEmpty       = errors.New("content: post is empty")
	ErrTooLong     = errors.New("content: post is too long")
	ErrInvalidText = errors.New("content: post contains invalid characters")
)

// blankLines matches runs of three or more line breaks, optionally with
// trailing spaces between them.
var blankLines = regexp.MustCompile(`\n[ \t]*(\n[ \t]*){2,}`)

// Normalize trims surrounding whitespace, unifies line endings and
// collapses runs of blank lines to a single blank line. It rejects empty
// text, text longer than MaxLength runes, invalid UTF-8 and control
// characters other than newline and tab.
func Normalize(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrInvalidText
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", ErrEmpty
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", fmt.Errorf("%w: %U", ErrInvalidText, r)
		}
	}
	if n := utf8.RuneCountInString(text); n > MaxLength {
		return "", fmt.Errorf("%w: %d characters (max %d)", ErrTooLong, n, MaxLength)
	}
	return text, nil
}
