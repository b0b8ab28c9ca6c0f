package spam

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"go.uber.org/zap"
)

const (
	defaultRecentLimit        = 20
	defaultNearDuplicateRatio = 0.95
	defaultMinComparableRunes = 30
	defaultBurstWindow        = 5 * time.Minute
	defaultBurstLimit         = 5
	burstDuplicateLimit       = 2
	maxComparableRunes        = 1000
)

var burstKinds = []content.Kind{content.KindPost, content.KindReply}

// HistorySource is the slice of the artifact store the probe reads.
type HistorySource interface {
	HasExactDuplicate(ctx context.Context, authorID string, kind content.Kind, normalized string) (bool, error)
	RecentByAuthorKind(ctx context.Context, authorID string, kind content.Kind, limit int) ([]content.Artifact, error)
	CountByAuthorSince(ctx context.Context, authorID string, kinds []content.Kind, since time.Time) (int64, error)
	CountDuplicatesSince(ctx context.Context, authorID, normalized string, since time.Time) (int64, error)
}

// HistoryConfig describes the probe's dependencies and tunables.
type HistoryConfig struct {
	Source             HistorySource
	RecentLimit        int
	NearDuplicateRatio float64
	MinComparableRunes int
	BurstWindow        time.Duration
	BurstLimit         int
	Clock              func() time.Time
	Logger             *zap.Logger
}

// HistoryProbe derives duplicate and burst signals from the author's stored artifacts.
type HistoryProbe struct {
	source      HistorySource
	recentLimit int
	ratio       float64
	minRunes    int
	burstWindow time.Duration
	burstLimit  int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewHistoryProbe constructs a probe, filling unset tunables with defaults.
func NewHistoryProbe(cfg HistoryConfig) *HistoryProbe {
	probe := &HistoryProbe{
		source:      cfg.Source,
		recentLimit: cfg.RecentLimit,
		ratio:       cfg.NearDuplicateRatio,
		minRunes:    cfg.MinComparableRunes,
		burstWindow: cfg.BurstWindow,
		burstLimit:  cfg.BurstLimit,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if probe.recentLimit <= 0 {
		probe.recentLimit = defaultRecentLimit
	}
	if probe.ratio <= 0 || probe.ratio > 1 {
		probe.ratio = defaultNearDuplicateRatio
	}
	if probe.minRunes <= 0 {
		probe.minRunes = defaultMinComparableRunes
	}
	if probe.burstWindow <= 0 {
		probe.burstWindow = defaultBurstWindow
	}
	if probe.burstLimit <= 0 {
		probe.burstLimit = defaultBurstLimit
	}
	if probe.clock == nil {
		probe.clock = time.Now
	}
	if probe.logger == nil {
		probe.logger = zap.NewNop()
	}
	return probe
}

// Inspect returns the history signals triggered by the author's new text. Lookup failures drop the
// affected signal and are logged; Inspect never fails.
func (p *HistoryProbe) Inspect(ctx context.Context, authorID string, kind content.Kind, normalized string) []Signal {
	if p == nil || p.source == nil || authorID == "" || normalized == "" {
		return nil
	}
	var signals []Signal

	duplicate, err := p.source.HasExactDuplicate(ctx, authorID, kind, normalized)
	if err != nil {
		p.logFailure(string(SignalExactDuplicate), authorID, err)
	} else if duplicate {
		signals = append(signals, SignalExactDuplicate)
	}

	if p.hasNearDuplicate(ctx, authorID, kind, normalized) {
		signals = append(signals, SignalNearDuplicate)
	}

	if p.isBurst(ctx, authorID, normalized) {
		signals = append(signals, SignalBurst)
	}
	return signals
}

func (p *HistoryProbe) hasNearDuplicate(ctx context.Context, authorID string, kind content.Kind, normalized string) bool {
	candidate := truncateRunes([]rune(normalized), maxComparableRunes)
	recent, err := p.source.RecentByAuthorKind(ctx, authorID, kind, p.recentLimit)
	if err != nil {
		p.logFailure(string(SignalNearDuplicate), authorID, err)
		return false
	}
	for _, artifact := range recent {
		// Identical text is the exact-duplicate signal's job.
		if artifact.Content == normalized || artifact.Content == "" {
			continue
		}
		previous := truncateRunes([]rune(artifact.Content), maxComparableRunes)
		if len(candidate) < p.minRunes && len(previous) < p.minRunes {
			continue
		}
		// Both bounds are upper limits on the LCS ratio; the quadratic pass runs only when they hold.
		if ratioBound(len(candidate), len(previous)) < p.ratio {
			continue
		}
		if overlapBound(candidate, previous) < p.ratio {
			continue
		}
		if similarity(candidate, previous) >= p.ratio {
			return true
		}
	}
	return false
}

func (p *HistoryProbe) isBurst(ctx context.Context, authorID, normalized string) bool {
	since := p.clock().Add(-p.burstWindow)
	recent, err := p.source.CountByAuthorSince(ctx, authorID, burstKinds, since)
	if err != nil {
		p.logFailure(string(SignalBurst), authorID, err)
		return false
	}
	if recent > int64(p.burstLimit) {
		return true
	}
	repeats, err := p.source.CountDuplicatesSince(ctx, authorID, normalized, since)
	if err != nil {
		p.logFailure(string(SignalBurst), authorID, err)
		return false
	}
	return repeats >= burstDuplicateLimit
}

func (p *HistoryProbe) logFailure(signal, authorID string, err error) {
	p.logger.Warn("history probe lookup failed",
		zap.String("signal", signal),
		zap.String("author_id", authorID),
		zap.Error(err),
	)
}

// similarity returns 2*LCS/(len(a)+len(b)), the matching-subsequence ratio of two rune slices.
func similarity(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return float64(2*longestCommonSubsequence(a, b)) / float64(total)
}

func ratioBound(la, lb int) float64 {
	if la+lb == 0 {
		return 1
	}
	return float64(2*min(la, lb)) / float64(la+lb)
}

// overlapBound is 2*shared/(la+lb) where shared counts runes common to both slices with multiplicity.
// The LCS never exceeds shared.
func overlapBound(a, b []rune) float64 {
	if len(a)+len(b) == 0 {
		return 1
	}
	counts := make(map[rune]int, len(a))
	for _, r := range a {
		counts[r]++
	}
	shared := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}
	return float64(2*shared) / float64(len(a)+len(b))
}

// truncateRunes keeps the leading limit runes. Near-duplicate comparison looks at the opening of long texts.
func truncateRunes(runes []rune, limit int) []rune {
	if len(runes) > limit {
		return runes[:limit]
	}
	return runes
}

func longestCommonSubsequence(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	previous := make([]int, len(b)+1)
	current := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				current[j] = previous[j-1] + 1
			case previous[j] >= current[j-1]:
				current[j] = previous[j]
			default:
				current[j] = current[j-1]
			}
		}
		previous, current = current, previous
	}
	return previous[len(b)]
}
