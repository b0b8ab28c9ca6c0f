package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// DefaultSystemPrompt frames the model as the community moderator and pins the verdict schema.
const DefaultSystemPrompt = `You moderate a community of ramen enthusiasts who share shop visits, photos, reviews and replies.
Judge whether the submitted content violates the community guidelines: harassment, hate speech, sexual content,
threats, doxxing, spam or advertising, deliberately false shop information, or impersonation.
Strong opinions about food are allowed. Use the author history only as context.
Reply with a single JSON object and nothing else:
{"is_violation": boolean, "confidence": number between 0 and 1, "reason": short string, "severity": "low" | "medium" | "high"}`

// Severity levels a verdict may carry.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ErrMalformedVerdict means the model reply did not contain a verdict object.
var ErrMalformedVerdict = errors.New("llm: malformed verdict")

// Verdict is the structured moderation answer.
type Verdict struct {
	IsViolation bool    `json:"is_violation"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	Severity    string  `json:"severity"`
}

// Meets reports whether the verdict is a violation at or above the confidence threshold.
func (v Verdict) Meets(threshold float64) bool {
	return v.IsViolation && v.Confidence >= threshold
}

// ParseVerdict extracts the verdict from a model reply. Code fences and surrounding prose are
// tolerated, confidence is clamped into [0,1] and unknown severities become medium.
func ParseVerdict(raw string) (Verdict, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no object in %q", ErrMalformedVerdict, truncate(text, 80))
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	switch {
	case math.IsNaN(verdict.Confidence) || verdict.Confidence < 0:
		verdict.Confidence = 0
	case verdict.Confidence > 1:
		verdict.Confidence = 1
	}
	verdict.Severity = normalizeSeverity(verdict.Severity)
	verdict.Reason = strings.TrimSpace(verdict.Reason)
	return verdict, nil
}

func normalizeSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
