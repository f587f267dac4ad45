package util

import (
	"strings"
	"unicode"
)

const maxSlugRunes = 50

// Slug turns a title into a lowercase, hyphen-separated identifier that
// platforms can use in URLs. Letters from any script are kept.
func Slug(title string) string {
	var b strings.Builder
	hyphen := false
	n := 0
	for _, r := range strings.ToLower(title) {
		if n >= maxSlugRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			n++
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
			n++
		}
	}
	return strings.TrimRight(b.String(), "-")
}
