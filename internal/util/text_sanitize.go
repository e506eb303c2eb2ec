package util

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes bytes and control characters that Postgres text columns reject
// (especially NUL / 0x00 from some PDF extractors) and normalises line endings.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	r := make([]rune, 0, len(s))
	newlines := 0
	for _, ch := range s {
		if ch == '\n' {
			newlines++
			// Keep at most one blank line between paragraphs.
			if newlines > 2 {
				continue
			}
			r = append(r, ch)
			continue
		}
		newlines = 0
		if ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}
