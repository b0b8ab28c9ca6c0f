// Package textnorm canonicalizes user-contributed text before any content check runs.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// invisibleRanges lists the zero-width and bidi control code points stripped from every contribution.
var invisibleRanges = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200B, Hi: 0x200F, Stride: 1},
		{Lo: 0x202A, Hi: 0x202E, Stride: 1},
		{Lo: 0x2066, Hi: 0x2069, Stride: 1},
	},
}

// IsStripped reports whether the normalizer removes the rune.
func IsStripped(r rune) bool {
	return unicode.Is(invisibleRanges, r)
}

// Normalize applies compatibility normalization (fullwidth to halfwidth, kana compatibility forms),
// removes zero-width and bidi control code points, and collapses whitespace runs into single spaces.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	// a transformer chain keeps state, so it is built per call
	chain := transform.Chain(norm.NFKC, runes.Remove(runes.In(invisibleRanges)))
	normalized, _, err := transform.String(chain, raw)
	if err != nil {
		normalized = strings.Map(func(r rune) rune {
			if IsStripped(r) {
				return -1
			}
			return r
		}, norm.NFKC.String(raw))
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// IsBlank reports whether the text is empty once normalized.
func IsBlank(raw string) bool {
	return Normalize(raw) == ""
}
