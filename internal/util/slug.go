// Package util provides shared helpers: retry with backoff and slugs.
package util

import (
	"strings"
	"unicode"
)

// maxSlugLen keeps derived branch and directory names readable.
const maxSlugLen = 48

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single hyphen. Leading and trailing hyphens are dropped
// and the result is cut at a hyphen boundary near maxSlugLen. An input
// with no usable characters yields fallback.
func Slugify(s, fallback string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}

	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		if i := strings.LastIndex(slug, "-"); i > maxSlugLen/2 {
			slug = slug[:i]
		}
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
