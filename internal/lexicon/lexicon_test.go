package lexicon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexiconMatchesWholeWordsCaseInsensitive(t *testing.T) {
	assert := assert.New(t)

	lex, err := New([]string{"scam", "badword"})
	require.NoError(t, err)

	fixtures := []struct {
		text string
		out  bool
	}{
		{text: "", out: false},
		{text: "this is a SCAM", out: true},
		{text: "scam!", out: true},
		{text: "scampi ramen", out: false},
		{text: "no badwords here", out: false},
		{text: "a badword here", out: true},
	}
	for _, fix := range fixtures {
		assert.Equal(fix.out, lex.ContainsBadword(fix.text), fix.text)
	}
}

func TestLexiconMatchesKanaVariants(t *testing.T) {
	lex, err := New([]string{"ばか"})
	require.NoError(t, err)

	assert.True(t, lex.ContainsBadword("お前はバカだ"))
	assert.True(t, lex.ContainsBadword("お前はばかだ"))
	assert.True(t, lex.ContainsBadword("お前はﾊﾞｶだ"), "halfwidth katakana folds through normalization")
	assert.False(t, lex.ContainsBadword("ばらばら"))
	assert.Equal(t, 2, lex.Size())
}

func TestLexiconLoadSkipsCommentsAndBlanks(t *testing.T) {
	lex, err := Load(strings.NewReader("# header\n\nspam\n  \nＳＣＡＭ\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, lex.Size())
	assert.True(t, lex.ContainsBadword("total scam"))
}

func TestLexiconPartitionsLargeInput(t *testing.T) {
	terms := make([]string, 0, 5000)
	for i := 0; i < 5000; i++ {
		terms = append(terms, fmt.Sprintf("forbiddenterm%05d", i))
	}
	lex, err := New(terms)
	require.NoError(t, err)
	assert.Greater(t, lex.Partitions(), 1)
	assert.True(t, lex.ContainsBadword("prefix forbiddenterm04999 suffix"))
	assert.True(t, lex.ContainsBadword("forbiddenterm00000"))
	assert.False(t, lex.ContainsBadword("forbiddenterm"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badwords.txt")
	require.NoError(t, os.WriteFile(path, []byte("死ね\n"), 0o600))

	lex, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, lex.ContainsBadword("お前死ねよ"))

	_, err = LoadFile("")
	assert.Error(t, err)
}

func TestEmptyLexiconNeverMatches(t *testing.T) {
	var nilLexicon *Lexicon
	assert.False(t, nilLexicon.ContainsBadword("anything"))
	assert.False(t, Empty().ContainsBadword("anything"))
}

func TestKanaConversion(t *testing.T) {
	assert.Equal(t, "ラーメン", ToKatakana("らーめん"))
	assert.Equal(t, "らーめん", ToHiragana("ラーメン"))
	assert.Equal(t, "ramen", ToHiragana("ramen"))
}

func TestBlocklistDefaultsAndExtensions(t *testing.T) {
	blocklist, err := ParseBlocklist(strings.NewReader("tld:.casino\nshortener:lnk.to\n# comment\n"))
	require.NoError(t, err)

	assert.True(t, blocklist.IsSuspiciousHost("free-prizes.xyz"))
	assert.True(t, blocklist.IsSuspiciousHost("win.casino"))
	assert.False(t, blocklist.IsSuspiciousHost("ramen.example.com"))
	assert.False(t, blocklist.IsSuspiciousHost("my.network"))
	assert.True(t, blocklist.IsShortener("bit.ly"))
	assert.True(t, blocklist.IsShortener("www.lnk.to"))
	assert.False(t, blocklist.IsShortener("example.com"))

	_, err = ParseBlocklist(strings.NewReader("nonsense"))
	assert.Error(t, err)
}

func TestBlocklistStoreRefreshSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("tld:.first\n"), 0o600))

	store, err := NewBlocklistStore(path, nil)
	require.NoError(t, err)
	before := store.Current()
	assert.True(t, before.IsSuspiciousHost("a.first"))

	require.NoError(t, os.WriteFile(path, []byte("tld:.second\n"), 0o600))
	require.NoError(t, store.Refresh())

	after := store.Current()
	assert.True(t, after.IsSuspiciousHost("a.second"))
	assert.False(t, after.IsSuspiciousHost("a.first"))
	assert.True(t, before.IsSuspiciousHost("a.first"), "previous snapshot stays immutable")

	require.NoError(t, store.StartRefresh("@every 1h"))
	store.Stop()
}
