package reputation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
)

// EventType enumerates ledger events.
type EventType string

const (
	EventCheckin                EventType = "checkin"
	EventWaittimeReport         EventType = "waittime_report"
	EventImagePost              EventType = "image_post"
	EventVideoPost              EventType = "video_post"
	EventNewFollower            EventType = "new_follower"
	EventShopSubmissionApproved EventType = "shop_submission_approved"
	EventShopReview             EventType = "shop_review"
	EventContentViolation       EventType = "content_violation"
	EventFalseInformation       EventType = "false_information"
	EventAdminAdjustment        EventType = "admin_adjustment"
)

// Severity grades a penalty.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity validates a raw severity, defaulting unknown values to medium.
func ParseSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Metadata carries optional event details. It is stored verbatim as the log entry context.
type Metadata map[string]any

// Metadata keys understood by the ledger.
const (
	MetaSeverity   = "severity"
	MetaReason     = "reason"
	MetaPoints     = "points"
	MetaInternal   = "internal"
	MetaAdmin      = "admin"
	MetaArtifactID = "artifact_id"
)

func (m Metadata) str(key string) string {
	if m == nil {
		return ""
	}
	if value, ok := m[key].(string); ok {
		return value
	}
	return ""
}

func (m Metadata) integer(key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch value := m[key].(type) {
	case int:
		return int64(value), true
	case int64:
		return value, true
	case float64:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

type eventClass int

const (
	classReward eventClass = iota
	classPenalty
	classAdmin
)

// Effect is the (points, internal score) delta of one event.
type Effect struct {
	Points   int64
	Internal int
}

const defaultShopApprovalPoints = 30

var rewardEffects = map[EventType]Effect{
	EventCheckin:                {Points: 15, Internal: 1},
	EventWaittimeReport:         {Points: 12, Internal: 2},
	EventImagePost:              {Points: 18, Internal: 1},
	EventVideoPost:              {Points: 22, Internal: 2},
	EventNewFollower:            {Points: 20, Internal: 1},
	EventShopSubmissionApproved: {Points: defaultShopApprovalPoints, Internal: 0},
	EventShopReview:             {Points: 10, Internal: 0},
}

var penaltyEffects = map[EventType]map[Severity]Effect{
	EventContentViolation: {
		SeverityLow:    {Points: -20, Internal: -25},
		SeverityMedium: {Points: -40, Internal: -35},
		SeverityHigh:   {Points: -70, Internal: -50},
	},
	EventFalseInformation: {
		SeverityLow:    {Points: -25, Internal: -30},
		SeverityMedium: {Points: -25, Internal: -30},
		SeverityHigh:   {Points: -25, Internal: -30},
	},
}

// ParseEventType validates a raw event type.
func ParseEventType(raw string) (EventType, error) {
	event := EventType(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := classify(event); err != nil {
		return "", err
	}
	return event, nil
}

func classify(event EventType) (eventClass, error) {
	if _, ok := rewardEffects[event]; ok {
		return classReward, nil
	}
	if _, ok := penaltyEffects[event]; ok {
		return classPenalty, nil
	}
	if event == EventAdminAdjustment {
		return classAdmin, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

// effectOf resolves the nominal effect of the event given its metadata.
func effectOf(event EventType, metadata Metadata) (Effect, eventClass, error) {
	class, err := classify(event)
	if err != nil {
		return Effect{}, 0, err
	}
	switch class {
	case classReward:
		effect := rewardEffects[event]
		if event == EventShopSubmissionApproved {
			if points, ok := metadata.integer(MetaPoints); ok && points > 0 {
				effect.Points = points
			}
		}
		return effect, class, nil
	case classPenalty:
		return penaltyEffects[event][ParseSeverity(metadata.str(MetaSeverity))], class, nil
	default:
		points, ok := metadata.integer(MetaPoints)
		internal, hasInternal := metadata.integer(MetaInternal)
		if !ok && !hasInternal {
			return Effect{}, class, fmt.Errorf("%w: admin adjustment needs points or internal", ErrInvalidMetadata)
		}
		return Effect{Points: points, Internal: int(internal)}, class, nil
	}
}

// RankTable maps points to rank labels through ascending thresholds.
type RankTable struct {
	Thresholds []int64
	Labels     []string
}

// DefaultRankTable returns the stock rank ladder.
func DefaultRankTable() RankTable {
	return RankTable{
		Thresholds: []int64{0, 80, 180, 320, 520},
		Labels:     []string{"Newcomer", "Regular", "Connoisseur", "Master", "Legend"},
	}
}

// Validate checks that thresholds ascend from zero and pair with labels.
func (t RankTable) Validate() error {
	if len(t.Thresholds) == 0 || len(t.Thresholds) != len(t.Labels) {
		return fmt.Errorf("reputation: rank table needs one label per threshold")
	}
	if t.Thresholds[0] != 0 {
		return fmt.Errorf("reputation: first rank threshold must be 0")
	}
	if !sort.SliceIsSorted(t.Thresholds, func(i, j int) bool { return t.Thresholds[i] < t.Thresholds[j] }) {
		return fmt.Errorf("reputation: rank thresholds must ascend")
	}
	for index := 1; index < len(t.Thresholds); index++ {
		if t.Thresholds[index] == t.Thresholds[index-1] {
			return fmt.Errorf("reputation: rank thresholds must be distinct")
		}
	}
	return nil
}

// Index returns the position of the highest threshold not above points.
func (t RankTable) Index(points int64) int {
	index := 0
	for position, threshold := range t.Thresholds {
		if points >= threshold {
			index = position
		}
	}
	return index
}

// Label returns the rank label for points.
func (t RankTable) Label(points int64) string {
	return t.Labels[t.Index(points)]
}

// Progress describes the distance to the next rank.
type Progress struct {
	Rank         string
	NextRank     string
	PointsToNext int64
	Ratio        float64
}

// ProgressOf computes the progress for points. At the top rank the ratio is 1 and NextRank is empty.
func (t RankTable) ProgressOf(points int64) Progress {
	index := t.Index(points)
	progress := Progress{Rank: t.Labels[index], Ratio: 1}
	if index+1 >= len(t.Thresholds) {
		return progress
	}
	floor, ceiling := t.Thresholds[index], t.Thresholds[index+1]
	progress.NextRank = t.Labels[index+1]
	progress.PointsToNext = ceiling - points
	progress.Ratio = float64(points-floor) / float64(ceiling-floor)
	return progress
}

// StatusThresholds maps internal score to a derived status. Each bound is inclusive.
type StatusThresholds struct {
	Banned     int
	Restricted int
	Warning    int
}

// DefaultStatusThresholds returns the stock status bounds.
func DefaultStatusThresholds() StatusThresholds {
	return StatusThresholds{Banned: 25, Restricted: 45, Warning: 70}
}

// Validate checks that the bounds ascend.
func (s StatusThresholds) Validate() error {
	if !(s.Banned < s.Restricted && s.Restricted < s.Warning) {
		return fmt.Errorf("reputation: status thresholds must satisfy banned < restricted < warning")
	}
	return nil
}

// Derive returns the status implied by the internal score alone.
func (s StatusThresholds) Derive(internalScore int) users.Status {
	switch {
	case internalScore <= s.Banned:
		return users.StatusBanned
	case internalScore <= s.Restricted:
		return users.StatusRestricted
	case internalScore <= s.Warning:
		return users.StatusWarning
	default:
		return users.StatusActive
	}
}

// EffectiveStatus applies the derivation rule to the user at now. The override wins; otherwise the most
// severe of an active timed ban, an active timed restriction and the derived status. Expired timed
// fields are cleared on the passed user; the return value reports whether any were cleared.
func (s StatusThresholds) EffectiveStatus(user *users.User, now time.Time) (users.Status, bool) {
	cleared := false
	if user.BanExpiresAt != nil && !user.BanExpiresAt.After(now) {
		user.BanExpiresAt = nil
		cleared = true
	}
	if user.PostingRestrictionExpiresAt != nil && !user.PostingRestrictionExpiresAt.After(now) {
		user.PostingRestrictionExpiresAt = nil
		cleared = true
	}
	if user.AccountStatusOverride != nil && user.AccountStatusOverride.Severity() >= 0 {
		return *user.AccountStatusOverride, cleared
	}
	status := s.Derive(user.InternalScore)
	if user.BanExpiresAt != nil {
		status = users.MoreSevere(status, users.StatusBanned)
	}
	if user.PostingRestrictionExpiresAt != nil {
		status = users.MoreSevere(status, users.StatusRestricted)
	}
	return status, cleared
}

func clampInternal(value int) int {
	if value < 0 {
		return 0
	}
	if value > users.MaxInternalScore {
		return users.MaxInternalScore
	}
	return value
}
