package upload

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// SafeName derives a storage name from an untrusted filename. Only
// letters, digits, whitespace, '.' and '-' survive; parent references
// and separators are collapsed; the result is capped at 100 characters
// and prefixed with an upload timestamp so concurrent uploads of the
// same file never collide on name alone.
func SafeName(original string, now time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			return r
		case r == '.' || r == '-':
			return r
		}
		return -1
	}, original)

	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}

	stem, ext := splitExt(name)
	stem = strings.Trim(stem, ". ")
	if stem == "" {
		stem = "img-" + uuid.NewString()[:8]
	}
	if over := len(stem) + len(ext) - maxNameLen; over > 0 && over < len(stem) {
		stem = stem[:len(stem)-over]
	}

	return fmt.Sprintf("upload_%d_%s%s", now.Unix(), stem, ext)
}

// splitExt splits on the last dot; ext includes the dot, or is empty
// when the name has none.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
