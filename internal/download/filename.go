package download

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// maxStemBytes leaves room for a collision suffix and the extension
	// inside the 255-byte segment limit most filesystems impose.
	maxStemBytes = 200
	fallbackStem = "untitled"
	artifactExt  = ".pdf"
)

var (
	whitespace    = regexp.MustCompile(`\s+`)
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// Sanitize turns a record title into a portable file name ending in ".pdf".
func Sanitize(title string) string {
	stem := strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
	stem = reservedChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(truncateBytes(stem, maxStemBytes), ". ")
	if stem == "" {
		stem = fallbackStem
	}
	return stem + artifactExt
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
