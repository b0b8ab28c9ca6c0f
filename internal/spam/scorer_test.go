package spam

import (
	"testing"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/lexicon"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/textnorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorerCleanJapanesePost(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})
	result := scorer.Score(textnorm.Normalize("今日は二郎を食べた。美味しかった。"))

	assert.Equal(t, 0.0, result.Score)
	assert.Empty(t, result.Reasons)
	assert.False(t, result.IsSpam)
}

func TestScorerObviousSpam(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})
	result := scorer.Score(textnorm.Normalize("無料で稼げる! 無料で稼げる! http://bit.ly/a http://bit.ly/b http://bit.ly/c"))

	assert.InDelta(t, 7.0, result.Score, 1e-9)
	assert.ElementsMatch(t, []Signal{SignalKeyword, SignalExcessLinks, SignalURLShortener}, result.Reasons)
	assert.True(t, result.IsSpam)
}

func TestScorerIndividualSignals(t *testing.T) {
	lex, err := lexicon.New([]string{"scumbag"})
	require.NoError(t, err)
	scorer := NewScorer(ScorerConfig{Lexicon: lex})

	fixtures := []struct {
		name   string
		text   string
		signal Signal
		score  float64
		spam   bool
	}{
		{name: "excess links", text: "menus http://a.example/1 http://b.example/2 http://c.example/3", signal: SignalExcessLinks, score: 3.0, spam: true},
		{name: "suspicious tld", text: "visit http://cheap-noodles.xyz/deal", signal: SignalSuspiciousTLD, score: 2.0},
		{name: "bare suspicious host", text: "see noodles.top/menu tonight", signal: SignalSuspiciousTLD, score: 2.0},
		{name: "obfuscated url", text: "hxxp://evil dot com", signal: SignalObfuscatedURL, score: 2.0},
		{name: "keyword", text: "Click here for a prize", signal: SignalKeyword, score: 2.5},
		{name: "badword", text: "you scumbag", signal: SignalBadwords, score: 10.0, spam: true},
		{name: "repeated chars", text: "wowwwwwwwwwww", signal: SignalRepeatedChars, score: 2.0},
		{name: "token repetition", text: "ramen ramen ramen ramen ramen ramen ramen good", signal: SignalRepetition, score: 1.5},
		{name: "base64 blob", text: "token QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVo=", signal: SignalBase64Blob, score: 2.0},
		{name: "zero width", text: "hello\u200bworld", signal: SignalZeroWidth, score: 2.0},
		{name: "phone drop", text: "call me 090-1234-5678", signal: SignalContactDrop, score: 2.0},
		{name: "messenger id drop", text: "line id: ramenlover", signal: SignalContactDrop, score: 2.0},
		{name: "invite link", text: "join discord.gg/abcdef", signal: SignalContactDrop, score: 2.0},
		{name: "mention bomb", text: "@a1 @b2 @c3 @d4 @e5 @f6", signal: SignalMentionBomb, score: 2.0},
		{name: "emoji bomb", text: "\U0001F35C\U0001F35C\U0001F35C\U0001F35C\U0001F35C yum", signal: SignalEmojiBomb, score: 1.5},
	}
	for _, fix := range fixtures {
		result := scorer.Score(fix.text)
		assert.Equal(t, []Signal{fix.signal}, result.Reasons, fix.name)
		assert.InDelta(t, fix.score, result.Score, 1e-9, fix.name)
		assert.Equal(t, fix.spam, result.IsSpam, fix.name)
	}
}

func TestScorerIgnoresBenignLookalikes(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})
	fixtures := []string{
		"",
		"   ",
		"deadline: tomorrow at 11",
		"Open 11:00-15:00, closed on Mondays",
		"味噌ラーメン 900円 http://ramen.example/menu",
		"the line was long but worth it",
	}
	for _, text := range fixtures {
		result := scorer.Score(text)
		assert.Empty(t, result.Reasons, text)
		assert.False(t, result.IsSpam, text)
	}
}

func TestScorerCountsEachLinkOnce(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})

	twoLinks := scorer.Score(textnorm.Normalize("おすすめ www.ramen-jiro.jp/menu と www.tabelog.com/shop"))
	assert.False(t, twoLinks.Triggered(SignalExcessLinks), "reasons: %v", twoLinks.Reasons)
	assert.False(t, twoLinks.IsSpam)

	assert.Equal(t, [][2]int{{0, 21}, {22, 38}}, urlSpans("www.ramen.jp/menu/one tabelog.com/shop"))

	threeLinks := scorer.Score("www.a.jp/1 https://b.jp/2 c.jp/3")
	assert.True(t, threeLinks.Triggered(SignalExcessLinks))
}

func TestScorerIgnoresLongURLPathsForBase64(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})

	review := scorer.Score(textnorm.Normalize("口コミ https://tabelog.com/tokyo/A1301/A130101/13001234/dtlrvwlst"))
	assert.Empty(t, review.Reasons)
	assert.InDelta(t, 0.0, review.Score, 1e-9)

	blob := scorer.Score("https://ramen.example/menu QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVo=")
	assert.Equal(t, []Signal{SignalBase64Blob}, blob.Reasons)
}

func TestScorerIsStableAcrossNormalizedEqualInputs(t *testing.T) {
	scorer := NewScorer(ScorerConfig{})
	pairs := [][2]string{
		{"FREE MONEY http://bit.ly/x", "ＦＲＥＥ\u200b  ＭＯＮＥＹ http://bit.ly/x"},
		{"ラーメン 最高", "ﾗｰﾒﾝ\t\u202e最高"},
	}
	for _, pair := range pairs {
		left, right := textnorm.Normalize(pair[0]), textnorm.Normalize(pair[1])
		require.Equal(t, left, right)
		assert.Equal(t, scorer.Score(left), scorer.Score(right))
		assert.Equal(t, scorer.Score(left), scorer.Score(textnorm.Normalize(left)))
	}
}

func TestScorerHonorsWeightOverridesAndBlocklists(t *testing.T) {
	scorer := NewScorer(ScorerConfig{
		Weights:    DefaultWeights().Merge(map[string]float64{" Keyword ": 5}),
		Blocklists: staticBlocklist{blocklist: lexicon.NewBlocklist([]string{"noodle"}, []string{"rmn.to"})},
	})

	keyword := scorer.Score("click here")
	assert.InDelta(t, 5.0, keyword.Score, 1e-9)
	assert.True(t, keyword.IsSpam)

	hosts := scorer.Score("http://rmn.to/a http://shop.noodle/b")
	assert.True(t, hosts.Triggered(SignalURLShortener))
	assert.True(t, hosts.Triggered(SignalSuspiciousTLD))
	assert.Equal(t, []string{"suspicious_tld", "url_shortener"}, hosts.ReasonStrings())
}

func TestCombineUsesThresholdForHistorySignals(t *testing.T) {
	weights := DefaultWeights()

	second := Combine(Result{}, []Signal{SignalExactDuplicate}, weights, DefaultThreshold)
	assert.InDelta(t, 3.0, second.Score, 1e-9)
	assert.False(t, second.IsSpam)

	third := Combine(Result{}, []Signal{SignalExactDuplicate, SignalBurst}, weights, DefaultThreshold)
	assert.InDelta(t, 5.0, third.Score, 1e-9)
	assert.True(t, third.IsSpam)
	assert.True(t, third.Triggered(SignalBurst))

	spammy := Result{Score: 3.0, Reasons: []Signal{SignalExcessLinks}, IsSpam: true}
	combined := Combine(spammy, nil, weights, DefaultThreshold)
	assert.True(t, combined.IsSpam)
	assert.Equal(t, spammy.Reasons, combined.Reasons)
}
