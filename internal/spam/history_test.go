package spam

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeHistory struct {
	duplicate   bool
	recent      []content.Artifact
	windowCount int64
	repeats     int64
	err         error
	since       time.Time
}

func (f *fakeHistory) HasExactDuplicate(context.Context, string, content.Kind, string) (bool, error) {
	return f.duplicate, f.err
}

func (f *fakeHistory) RecentByAuthorKind(context.Context, string, content.Kind, int) ([]content.Artifact, error) {
	return f.recent, f.err
}

func (f *fakeHistory) CountByAuthorSince(_ context.Context, _ string, _ []content.Kind, since time.Time) (int64, error) {
	f.since = since
	return f.windowCount, f.err
}

func (f *fakeHistory) CountDuplicatesSince(context.Context, string, string, time.Time) (int64, error) {
	return f.repeats, f.err
}

var probeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newProbe(source HistorySource, logger *zap.Logger) *HistoryProbe {
	return NewHistoryProbe(HistoryConfig{
		Source: source,
		Clock:  func() time.Time { return probeNow },
		Logger: logger,
	})
}

func TestHistoryProbeExactDuplicate(t *testing.T) {
	probe := newProbe(&fakeHistory{duplicate: true, repeats: 1}, nil)
	signals := probe.Inspect(context.Background(), "alice", content.KindPost, "ラーメンはおいしいです。")
	assert.Equal(t, []Signal{SignalExactDuplicate}, signals)
}

func TestHistoryProbeNearDuplicate(t *testing.T) {
	base := strings.Repeat("the broth at this shop is rich and the noodles are firm. ", 2)
	edited := strings.Replace(base, "firm", "film", 1)
	probe := newProbe(&fakeHistory{recent: []content.Artifact{
		{ID: "a-1", Content: "completely unrelated note about parking near the station"},
		{ID: "a-2", Content: edited},
	}}, nil)

	signals := probe.Inspect(context.Background(), "alice", content.KindPost, base)
	assert.Equal(t, []Signal{SignalNearDuplicate}, signals)
}

func TestHistoryProbeNearDuplicateSkipsShortTextAndIdenticalText(t *testing.T) {
	probe := newProbe(&fakeHistory{recent: []content.Artifact{
		{ID: "a-1", Content: "great ramen!!"},
		{ID: "a-2", Content: "great ramen!"},
	}}, nil)
	assert.Empty(t, probe.Inspect(context.Background(), "alice", content.KindPost, "great ramen!"))
}

func TestHistoryProbeBurst(t *testing.T) {
	byVolume := &fakeHistory{windowCount: 6}
	probe := newProbe(byVolume, nil)
	assert.Equal(t, []Signal{SignalBurst}, probe.Inspect(context.Background(), "alice", content.KindReply, "hi there"))
	assert.Equal(t, probeNow.Add(-5*time.Minute), byVolume.since)

	atLimit := newProbe(&fakeHistory{windowCount: 5, repeats: 1}, nil)
	assert.Empty(t, atLimit.Inspect(context.Background(), "alice", content.KindPost, "hi there"))

	byRepeats := newProbe(&fakeHistory{duplicate: true, windowCount: 2, repeats: 2}, nil)
	assert.Equal(t,
		[]Signal{SignalExactDuplicate, SignalBurst},
		byRepeats.Inspect(context.Background(), "alice", content.KindPost, "ラーメンはおいしいです。"),
	)
}

func TestHistoryProbeDegradesOnLookupFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	probe := newProbe(&fakeHistory{duplicate: true, windowCount: 99, err: errors.New("database is locked")}, zap.New(core))

	assert.Empty(t, probe.Inspect(context.Background(), "alice", content.KindPost, "anything"))
	assert.Equal(t, 3, logs.FilterMessage("history probe lookup failed").Len())
}

func TestHistoryProbeWithoutSourceIsInert(t *testing.T) {
	var probe *HistoryProbe
	assert.Nil(t, probe.Inspect(context.Background(), "alice", content.KindPost, "text"))
	assert.Nil(t, NewHistoryProbe(HistoryConfig{}).Inspect(context.Background(), "alice", content.KindPost, "text"))
}

func TestSimilarityRatio(t *testing.T) {
	assert.InDelta(t, 0.8, similarity([]rune("abcde"), []rune("abcdf")), 1e-9)
	assert.InDelta(t, 1.0, similarity([]rune("ラーメン"), []rune("ラーメン")), 1e-9)
	assert.InDelta(t, 0.0, similarity([]rune("abc"), []rune("xyz")), 1e-9)
	assert.InDelta(t, 1.0, similarity(nil, nil), 1e-9)
	assert.Equal(t, 3, longestCommonSubsequence([]rune("xaybzc"), []rune("abc")))
	assert.InDelta(t, 0.5, ratioBound(1, 3), 1e-9)
	assert.InDelta(t, 0.0, overlapBound([]rune("aaaa"), []rune("bbbb")), 1e-9)
	assert.InDelta(t, 1.0, overlapBound([]rune("abcd"), []rune("dcba")), 1e-9)
	assert.LessOrEqual(t, similarity([]rune("dcba"), []rune("abcd")), overlapBound([]rune("dcba"), []rune("abcd")))
}

func TestHistoryProbeNearDuplicateComparesLongTextsByTheirOpening(t *testing.T) {
	opening := strings.Repeat("豚骨スープが濃厚で麺は硬めがおすすめです。", 60)
	longPost := opening + strings.Repeat("x", 2000)
	otherTail := opening + strings.Repeat("y", 2000)
	probe := newProbe(&fakeHistory{recent: []content.Artifact{
		{ID: "a-1", Content: strings.Repeat("駐車場は駅の近くにあります。", 150)},
		{ID: "a-2", Content: otherTail},
	}}, nil)

	assert.Equal(t, []Signal{SignalNearDuplicate}, probe.Inspect(context.Background(), "alice", content.KindPost, longPost))
	assert.Len(t, truncateRunes([]rune(longPost), maxComparableRunes), maxComparableRunes)
}
