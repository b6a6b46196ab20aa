package transfer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxSanitizedLen = 255

// SanitizeFilename strips directory components and NUL bytes, replaces the
// empty name and the `.`/`..` literals with "unnamed", truncates to 255
// UTF-8 bytes, and
// appends "-<n>" before the extension on collision with an existing file
// (spec §4.4). It is idempotent: sanitizing an already-sanitized,
// non-colliding name returns it unchanged.
func SanitizeFilename(name string, exists func(string) bool) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = filepath.Base(path.Base(filepath.ToSlash(name)))

	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		name = "unnamed"
	}

	if len(name) > maxSanitizedLen {
		name = truncateUTF8(name, maxSanitizedLen)
	}

	if exists == nil || !exists(name) {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, n, ext)
		if len(candidate) > maxSanitizedLen {
			candidate = truncateUTF8(candidate, maxSanitizedLen)
		}
		if !exists(candidate) {
			return candidate
		}
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a multi-byte
// rune in half.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := s[:n]
	for len(b) > 0 && !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}
