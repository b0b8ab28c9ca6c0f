package lexicon

import "strings"

const (
	hiraganaFirst = 0x3041
	hiraganaLast  = 0x3096
	katakanaFirst = 0x30A1
	katakanaLast  = 0x30F6
	kanaOffset    = katakanaFirst - hiraganaFirst
)

// ToKatakana maps every hiragana rune to its katakana counterpart.
func ToKatakana(value string) string {
	return strings.Map(func(r rune) rune {
		if r >= hiraganaFirst && r <= hiraganaLast {
			return r + kanaOffset
		}
		return r
	}, value)
}

// ToHiragana maps every katakana rune to its hiragana counterpart.
func ToHiragana(value string) string {
	return strings.Map(func(r rune) rune {
		if r >= katakanaFirst && r <= katakanaLast {
			return r - kanaOffset
		}
		return r
	}, value)
}

// kanaVariants returns the term plus its hiragana and katakana forms, deduplicated.
func kanaVariants(term string) []string {
	variants := []string{term}
	for _, candidate := range []string{ToKatakana(term), ToHiragana(term)} {
		duplicate := false
		for _, existing := range variants {
			if existing == candidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			variants = append(variants, candidate)
		}
	}
	return variants
}
