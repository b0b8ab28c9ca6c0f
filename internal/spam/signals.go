// Package spam classifies user-contributed text with weighted signals, supplemented by the author's
// stored history.
package spam

import "strings"

// Signal names a scoring rule. Signal names double as the reasons reported to callers.
type Signal string

const (
	SignalExcessLinks   Signal = "excess_links"
	SignalSuspiciousTLD Signal = "suspicious_tld"
	SignalURLShortener  Signal = "url_shortener"
	SignalObfuscatedURL Signal = "obfuscated_url"
	SignalKeyword       Signal = "keyword"
	SignalBadwords      Signal = "badwords"
	SignalRepeatedChars Signal = "repeated_chars"
	SignalRepetition    Signal = "repetition"
	SignalBase64Blob    Signal = "base64_blob"
	SignalZeroWidth     Signal = "zero_width"
	SignalContactDrop   Signal = "contact_drop"
	SignalMentionBomb   Signal = "mention_bomb"
	SignalEmojiBomb     Signal = "emoji_bomb"

	SignalExactDuplicate Signal = "exact_duplicate"
	SignalNearDuplicate  Signal = "near_duplicate"
	SignalBurst          Signal = "burst"
)

// DefaultThreshold is the score at which text is classified as spam.
const DefaultThreshold = 3.5

// Weights maps each signal to the score it contributes when triggered.
type Weights map[Signal]float64

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return Weights{
		SignalExcessLinks:    3.0,
		SignalSuspiciousTLD:  2.0,
		SignalURLShortener:   1.5,
		SignalObfuscatedURL:  2.0,
		SignalKeyword:        2.5,
		SignalBadwords:       10.0,
		SignalRepeatedChars:  2.0,
		SignalRepetition:     1.5,
		SignalBase64Blob:     2.0,
		SignalZeroWidth:      2.0,
		SignalContactDrop:    2.0,
		SignalMentionBomb:    2.0,
		SignalEmojiBomb:      1.5,
		SignalExactDuplicate: 3.0,
		SignalNearDuplicate:  2.0,
		SignalBurst:          2.0,
	}
}

// Merge returns a copy of the defaults overridden by the provided entries.
func (w Weights) Merge(overrides map[string]float64) Weights {
	merged := make(Weights, len(w))
	for signal, weight := range w {
		merged[signal] = weight
	}
	for name, weight := range overrides {
		merged[Signal(strings.ToLower(strings.TrimSpace(name)))] = weight
	}
	return merged
}

// Result is the outcome of scoring one piece of text.
type Result struct {
	Score   float64
	Reasons []Signal
	IsSpam  bool
}

// Triggered reports whether the signal contributed to the result.
func (r Result) Triggered(signal Signal) bool {
	for _, reason := range r.Reasons {
		if reason == signal {
			return true
		}
	}
	return false
}

// ReasonStrings returns the reasons as plain strings.
func (r Result) ReasonStrings() []string {
	out := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		out = append(out, string(reason))
	}
	return out
}

// Combine folds history signals into a text result. History signals count toward the threshold only;
// the duplicate/excess reason rule applies to the text scorer's own reasons.
func Combine(text Result, history []Signal, weights Weights, threshold float64) Result {
	combined := Result{
		Score:   text.Score,
		Reasons: append([]Signal(nil), text.Reasons...),
		IsSpam:  text.IsSpam,
	}
	for _, signal := range history {
		combined.Score += weights[signal]
		combined.Reasons = append(combined.Reasons, signal)
	}
	if combined.Score >= threshold {
		combined.IsSpam = true
	}
	return combined
}

func decide(score float64, reasons []Signal, threshold float64) bool {
	if score >= threshold {
		return true
	}
	for _, reason := range reasons {
		name := string(reason)
		if strings.Contains(name, "duplicate") || strings.Contains(name, "excess") {
			return true
		}
	}
	return false
}
