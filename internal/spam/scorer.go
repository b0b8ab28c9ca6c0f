package spam

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/lexicon"
)

const (
	maxLinksBeforeExcess = 2
	repeatedCharRun      = 10
	repetitionMinTokens  = 8
	wordRepetitionShare  = 0.6
	cjkRepetitionShare   = 0.5
	maxMentions          = 5
	emojiBombMinCount    = 5
	emojiBombDensity     = 0.2
	minPhoneDigits       = 10
	maxPhoneDigits       = 15
)

var (
	schemeURLPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'()\[\]{}、。「」]+`)
	bareURLPattern   = regexp.MustCompile(`(?i)(?:^|[^\w@./:-])((?:[a-z0-9-]+\.)+[a-z]{2,}/[^\s<>"'()\[\]{}、。「」]*)`)

	obfuscatedURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhxxps?\b`),
		regexp.MustCompile(`(?i)\bh\s+t\s+t\s+p`),
		regexp.MustCompile(`\[\.\]|\(\.\)|\{\.\}`),
		regexp.MustCompile(`(?i)[a-z0-9]\s*[\[(]\s*dot\s*[\])]\s*[a-z]`),
		regexp.MustCompile(`(?i)\b[a-z0-9-]+\s+dot\s+(?:com|net|org|xyz|top|jp|io|info|biz|me|co|tk)\b`),
		regexp.MustCompile(`(?i)[a-z0-9]\s*ドット\s*(?:com|net|org|jp|xyz|top)`),
	}

	base64BlobPattern = regexp.MustCompile(`[A-Za-z0-9+/]{30,}={0,2}`)

	phonePattern      = regexp.MustCompile(`\+?\d[\d\- ]{8,}\d`)
	invitePattern     = regexp.MustCompile(`(?i)\b(?:line\.me|lin\.ee|t\.me|telegram\.me|wa\.me|chat\.whatsapp\.com|discord\.gg|discord(?:app)?\.com/invite)/`)
	contactIDPattern  = regexp.MustCompile(`(?i)(?:\bline|ライン|\btelegram|テレグラム|\bwhatsapp|\bdiscord|\bwechat|微信|\bkakao|カカオ)\s*(?:id)?\s*[:：]\s*@?[a-z0-9_.\-]{3,}`)
	handleDropPattern = regexp.MustCompile(`(?i)(?:\bdm\b|連絡|追加|\badd me\b|\bfollow me\b|フォロー)[^@\n]{0,10}@[a-z0-9_]{3,}`)
	mentionPattern    = regexp.MustCompile(`@[\p{L}\p{N}_.]+`)
)

var solicitationPhrases = []string{
	"無料で稼げる", "稼げる", "簡単に稼", "副業", "高収入", "在宅ワーク", "今すぐ登録", "今すぐクリック",
	"限定公開", "出会い", "完全無料", "儲かる", "情報商材", "投資案件", "即日現金",
	"click here", "free money", "make money", "work from home", "earn $", "crypto giveaway",
	"buy followers", "limited offer", "act now", "double your", "guaranteed income", "online casino",
	"赚钱", "加微信", "免费领取", "돈 벌", "무료",
}

var zeroWidthRunes = map[rune]struct{}{
	'\u200b': {}, '\u200c': {}, '\u200d': {}, '\u2060': {}, '\u2061': {}, '\u2062': {},
	'\u2063': {}, '\u2064': {}, '\ufeff': {}, '\u180e': {},
}

// BlocklistSource yields the current URL blocklist snapshot.
type BlocklistSource interface {
	Current() *lexicon.Blocklist
}

type staticBlocklist struct {
	blocklist *lexicon.Blocklist
}

func (s staticBlocklist) Current() *lexicon.Blocklist {
	return s.blocklist
}

// ScorerConfig describes the scorer's tunables and lookup tables.
type ScorerConfig struct {
	Threshold  float64
	Weights    Weights
	Lexicon    *lexicon.Lexicon
	Blocklists BlocklistSource
}

// Scorer evaluates normalized text. It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	threshold  float64
	weights    Weights
	lexicon    *lexicon.Lexicon
	blocklists BlocklistSource
}

// NewScorer constructs a scorer, filling unset fields with defaults.
func NewScorer(cfg ScorerConfig) *Scorer {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	lex := cfg.Lexicon
	if lex == nil {
		lex = lexicon.Empty()
	}
	blocklists := cfg.Blocklists
	if blocklists == nil {
		blocklists = staticBlocklist{blocklist: lexicon.NewBlocklist(nil, nil)}
	}
	return &Scorer{
		threshold:  threshold,
		weights:    weights,
		lexicon:    lex,
		blocklists: blocklists,
	}
}

// Threshold returns the spam threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Weights returns the weight table in use.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score evaluates already-normalized text. Empty text scores zero.
func (s *Scorer) Score(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	lowered := strings.ToLower(text)
	var reasons []Signal
	trigger := func(signal Signal, hit bool) {
		if hit {
			reasons = append(reasons, signal)
		}
	}

	spans := urlSpans(text)
	urls := make([]string, 0, len(spans))
	for _, span := range spans {
		urls = append(urls, text[span[0]:span[1]])
	}
	trigger(SignalExcessLinks, len(urls) > maxLinksBeforeExcess)
	suspicious, shortener := s.inspectHosts(urls)
	trigger(SignalSuspiciousTLD, suspicious)
	trigger(SignalURLShortener, shortener)
	trigger(SignalObfuscatedURL, matchesAny(obfuscatedURLPatterns, text))
	trigger(SignalKeyword, containsSolicitation(lowered))
	trigger(SignalBadwords, s.lexicon.ContainsBadword(text))
	trigger(SignalRepeatedChars, hasRepeatedRun(text, repeatedCharRun))
	trigger(SignalRepetition, hasTokenRepetition(lowered))
	trigger(SignalBase64Blob, base64BlobPattern.MatchString(removeSpans(text, spans)))
	trigger(SignalZeroWidth, hasZeroWidth(text))
	trigger(SignalContactDrop, hasContactDrop(text))
	trigger(SignalMentionBomb, len(mentionPattern.FindAllString(text, -1)) > maxMentions)
	trigger(SignalEmojiBomb, isEmojiBomb(text))

	score := 0.0
	for _, reason := range reasons {
		score += s.weights[reason]
	}
	return Result{
		Score:   score,
		Reasons: reasons,
		IsSpam:  decide(score, reasons, s.threshold),
	}
}

func (s *Scorer) inspectHosts(urls []string) (bool, bool) {
	blocklist := s.blocklists.Current()
	if blocklist == nil {
		return false, false
	}
	suspicious, shortener := false, false
	for _, raw := range urls {
		host := hostOf(raw)
		if host == "" {
			continue
		}
		if blocklist.IsSuspiciousHost(host) {
			suspicious = true
		}
		if blocklist.IsShortener(host) {
			shortener = true
		}
	}
	return suspicious, shortener
}

// urlSpans returns the byte ranges of the links in text, ordered by position. A bare link overlapping a
// scheme or www link is the same link and is dropped.
func urlSpans(text string) [][2]int {
	var spans [][2]int
	for _, loc := range schemeURLPattern.FindAllStringIndex(text, -1) {
		spans = append(spans, [2]int{loc[0], loc[1]})
	}
	schemeCount := len(spans)
	for _, loc := range bareURLPattern.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 || loc[2] < 0 || loc[2] == loc[3] {
			continue
		}
		candidate := [2]int{loc[2], loc[3]}
		overlaps := false
		for _, taken := range spans[:schemeCount] {
			if candidate[0] < taken[1] && taken[0] < candidate[1] {
				overlaps = true
				break
			}
		}
		if !overlaps {
			spans = append(spans, candidate)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}

// removeSpans replaces each span with a space so the surrounding words stay separated.
func removeSpans(text string, spans [][2]int) string {
	if len(spans) == 0 {
		return text
	}
	var builder strings.Builder
	builder.Grow(len(text))
	cursor := 0
	for _, span := range spans {
		if span[0] < cursor {
			continue
		}
		builder.WriteString(text[cursor:span[0]])
		builder.WriteByte(' ')
		cursor = span[1]
	}
	builder.WriteString(text[cursor:])
	return builder.String()
}

func hostOf(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func containsSolicitation(lowered string) bool {
	for _, phrase := range solicitationPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func hasRepeatedRun(text string, run int) bool {
	var previous rune
	count := 0
	for _, r := range text {
		if r == previous && !unicode.IsSpace(r) {
			count++
		} else {
			previous = r
			count = 1
		}
		if count >= run {
			return true
		}
	}
	return false
}

func hasTokenRepetition(lowered string) bool {
	tokens := strings.Fields(lowered)
	if len(tokens) >= repetitionMinTokens && maxShare(tokens) > wordRepetitionShare {
		return true
	}
	bigrams := cjkBigrams(lowered)
	return len(bigrams) >= repetitionMinTokens && maxShare(bigrams) > cjkRepetitionShare
}

func maxShare(items []string) float64 {
	if len(items) == 0 {
		return 0
	}
	counts := make(map[string]int, len(items))
	highest := 0
	for _, item := range items {
		counts[item]++
		if counts[item] > highest {
			highest = counts[item]
		}
	}
	return float64(highest) / float64(len(items))
}

// cjkBigrams returns the character 2-grams inside each contiguous CJK run.
func cjkBigrams(text string) []string {
	var (
		bigrams  []string
		previous rune
		inRun    bool
	)
	for _, r := range text {
		if !isCJK(r) {
			inRun = false
			continue
		}
		if inRun {
			bigrams = append(bigrams, string([]rune{previous, r}))
		}
		previous = r
		inRun = true
	}
	return bigrams
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) || r == 'ー'
}

func hasZeroWidth(text string) bool {
	for _, r := range text {
		if _, ok := zeroWidthRunes[r]; ok {
			return true
		}
	}
	return false
}

func hasContactDrop(text string) bool {
	for _, candidate := range phonePattern.FindAllString(text, -1) {
		digits := 0
		for _, r := range candidate {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= minPhoneDigits && digits <= maxPhoneDigits {
			return true
		}
	}
	return invitePattern.MatchString(text) ||
		contactIDPattern.MatchString(text) ||
		handleDropPattern.MatchString(text)
}

func isEmojiBomb(text string) bool {
	emoji, visible := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if isEmoji(r) {
			emoji++
		}
	}
	if visible == 0 || emoji < emojiBombMinCount {
		return false
	}
	return float64(emoji)/float64(visible) > emojiBombDensity
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	case r >= 0x1F000 && r <= 0x1F2FF:
		return true
	}
	return false
}
