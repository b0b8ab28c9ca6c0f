package trust

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
)

const (
	maxPostRunes        = 2000
	maxReplyRunes       = 1000
	maxReviewRunes      = 3000
	maxCheckinRunes     = 500
	maxDescriptionRunes = 1000
	maxMediaURLLength   = 512
	maxShopIDLength     = 190
	minRating           = 1
	maxRating           = 5
	maxWaitMinutes      = 600
)

// Contribution is the raw payload of a text contribution.
type Contribution struct {
	Kind         content.Kind
	Text         string
	ShopID       string
	ParentPostID string
	ImageURL     string
	VideoURL     string
	Rating       int
	WaitMinutes  *int
}

func maxRunesFor(kind content.Kind) int {
	switch kind {
	case content.KindReply:
		return maxReplyRunes
	case content.KindReview:
		return maxReviewRunes
	case content.KindCheckin:
		return maxCheckinRunes
	default:
		return maxPostRunes
	}
}

// validate checks the payload against the per-kind rules. normalized is the canonical text.
func validate(contribution Contribution, normalized string) error {
	if !utf8.ValidString(contribution.Text) {
		return validationError("text is not valid UTF-8")
	}
	for _, r := range contribution.Text {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return validationError("text contains control character U+%04X", r)
		}
	}
	if limit := maxRunesFor(contribution.Kind); utf8.RuneCountInString(normalized) > limit {
		return validationError("text exceeds %d characters", limit)
	}
	if len(contribution.ShopID) > maxShopIDLength {
		return validationError("shop id too long")
	}

	switch contribution.Kind {
	case content.KindPost:
		for _, media := range []string{contribution.ImageURL, contribution.VideoURL} {
			if err := validateMediaURL(media); err != nil {
				return err
			}
		}
		if normalized == "" && contribution.ImageURL == "" && contribution.VideoURL == "" {
			return validationError("post needs text or media")
		}
	case content.KindReply:
		if normalized == "" {
			return validationError("reply text is required")
		}
		if strings.TrimSpace(contribution.ParentPostID) == "" {
			return validationError("reply needs a parent post")
		}
	case content.KindReview:
		if normalized == "" {
			return validationError("review text is required")
		}
		if contribution.ShopID == "" {
			return validationError("review needs a shop")
		}
		if contribution.Rating < minRating || contribution.Rating > maxRating {
			return validationError("rating must be between %d and %d", minRating, maxRating)
		}
	case content.KindCheckin:
		if contribution.ShopID == "" {
			return validationError("check-in needs a shop")
		}
		if wait := contribution.WaitMinutes; wait != nil && (*wait < 0 || *wait > maxWaitMinutes) {
			return validationError("wait time must be between 0 and %d minutes", maxWaitMinutes)
		}
	default:
		return validationError("unknown contribution kind %q", contribution.Kind)
	}
	return nil
}

func validateMediaURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxMediaURLLength {
		return validationError("media url too long")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return validationError("media url must be an absolute http(s) url")
	}
	return nil
}
