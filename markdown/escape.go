// Package markdown escapes characters that the destination renderer would
// otherwise interpret as formatting markup.
package markdown

import (
	"regexp"
	"strings"
)

const specials = "*`_~|"

var (
	// Block-level constructs that need escaping at line starts, plus inline links.
	commonRe = regexp.MustCompile(`(?m)^>(?:>>)?\s|\[.+\]\(.+\)|^#{1,3}|^\s*-`)

	// URLs are left untouched in URL-preserving mode so that e.g. underscores
	// inside them survive.
	urlRe = regexp.MustCompile(`<[^: >]+:/[^ >]+>|(?:https?|steam)://[^\s<]+[^<.,:;"'\]\s]`)

	stockRe        = regexp.MustCompile(`(?m)[_\\~|*` + "`" + `]|^>(?:>>)?\s|\[.+\]\(.+\)|^#{1,3}|^\s*-`)
	stockWithURLRe = regexp.MustCompile(urlRe.String() + `|(?m:[_\\~|*` + "`" + `]|^>(?:>>)?\s|\[.+\]\(.+\)|^#{1,3}|^\s*-)`)
	backslashRe    = regexp.MustCompile(`\\`)
)

// Options controls escaping behavior.
type Options struct {
	// AsNeeded escapes special characters only when they could actually pair
	// up as markup, e.g. "**hello**" becomes "\*\*hello**". Not supported
	// together with KeepURLs.
	AsNeeded bool
	// KeepURLs leaves link-shaped substrings alone.
	KeepURLs bool
}

// Escape returns text with markdown special characters escaped.
func Escape(text string, opts Options) string {
	if opts.AsNeeded {
		return escapeAsNeeded(text)
	}
	re := stockRe
	if opts.KeepURLs {
		re = stockWithURLRe
	}
	return re.ReplaceAllStringFunc(text, func(m string) string {
		if opts.KeepURLs && urlRe.FindString(m) == m {
			return m
		}
		return `\` + m
	})
}

// escapeAsNeeded escapes a special character only when a later unpaired
// occurrence of the same character exists, so already-balanced markup is
// broken with the fewest escapes.
func escapeAsNeeded(text string) string {
	text = backslashRe.ReplaceAllString(text, `\\`)

	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if strings.IndexByte(specials, c) >= 0 && hasStandaloneLater(text, i+1, c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return commonRe.ReplaceAllString(b.String(), `\$0`)
}

// hasStandaloneLater reports whether c occurs at or after position from and
// is not doubled (i.e. not immediately preceded by another c).
func hasStandaloneLater(s string, from int, c byte) bool {
	for j := from; j < len(s); j++ {
		if s[j] == c && (j == 0 || s[j-1] != c) {
			return true
		}
	}
	return false
}
