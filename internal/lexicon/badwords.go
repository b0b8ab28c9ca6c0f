// Package lexicon holds the forbidden-term lexicon and the URL blocklists consulted by the spam scorer.
package lexicon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/textnorm"
)

// maxPartitionBytes bounds the pattern source compiled into a single regexp.
const maxPartitionBytes = 16 * 1024

var errMissingLexiconPath = errors.New("lexicon: badwords path is required")

// Lexicon is an immutable set of forbidden terms. It is safe for concurrent reads.
type Lexicon struct {
	wordPartitions   []*regexp.Regexp
	scriptPartitions []*regexp.Regexp
	size             int
}

// Empty returns a lexicon that never matches.
func Empty() *Lexicon {
	return &Lexicon{}
}

// LoadFile reads a newline-delimited lexicon file.
func LoadFile(path string) (*Lexicon, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingLexiconPath
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: open %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// Load reads newline-delimited terms. Blank lines and lines starting with '#' are skipped.
func Load(reader io.Reader) (*Lexicon, error) {
	var terms []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lexicon: read: %w", err)
	}
	return New(terms)
}

// New builds a lexicon from raw terms, expanding each into its kana variants.
//
// Terms made of ASCII letters and digits match on word boundaries. Terms containing other scripts
// match anywhere, because Japanese and Chinese text carries no spaces between words.
func New(terms []string) (*Lexicon, error) {
	seen := make(map[string]struct{})
	var wordTerms, scriptTerms []string
	for _, raw := range terms {
		normalized := strings.ToLower(textnorm.Normalize(raw))
		if normalized == "" {
			continue
		}
		for _, variant := range kanaVariants(normalized) {
			if _, ok := seen[variant]; ok {
				continue
			}
			seen[variant] = struct{}{}
			if isWordTerm(variant) {
				wordTerms = append(wordTerms, variant)
			} else {
				scriptTerms = append(scriptTerms, variant)
			}
		}
	}

	wordPartitions, err := compilePartitions(wordTerms, `(?i)\b(?:`, `)\b`)
	if err != nil {
		return nil, err
	}
	scriptPartitions, err := compilePartitions(scriptTerms, `(?i)(?:`, `)`)
	if err != nil {
		return nil, err
	}
	return &Lexicon{
		wordPartitions:   wordPartitions,
		scriptPartitions: scriptPartitions,
		size:             len(seen),
	}, nil
}

// Size returns the number of distinct terms, kana variants included.
func (l *Lexicon) Size() int {
	if l == nil {
		return 0
	}
	return l.size
}

// Partitions returns how many compiled patterns back the lexicon.
func (l *Lexicon) Partitions() int {
	if l == nil {
		return 0
	}
	return len(l.wordPartitions) + len(l.scriptPartitions)
}

// ContainsBadword reports whether the text contains any lexicon term.
func (l *Lexicon) ContainsBadword(text string) bool {
	return l.FirstMatch(text) != ""
}

// FirstMatch returns the first matching term, or an empty string.
func (l *Lexicon) FirstMatch(text string) string {
	if l == nil || text == "" {
		return ""
	}
	lowered := strings.ToLower(textnorm.Normalize(text))
	for _, pattern := range l.wordPartitions {
		if match := pattern.FindString(lowered); match != "" {
			return match
		}
	}
	for _, pattern := range l.scriptPartitions {
		if match := pattern.FindString(lowered); match != "" {
			return match
		}
	}
	return ""
}

func isWordTerm(term string) bool {
	for _, r := range term {
		if r > unicode.MaxASCII {
			return false
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == ' ') {
			return false
		}
	}
	return true
}

func compilePartitions(terms []string, prefix, suffix string) ([]*regexp.Regexp, error) {
	var (
		partitions []*regexp.Regexp
		builder    strings.Builder
		count      int
	)
	flush := func() error {
		if count == 0 {
			return nil
		}
		pattern, err := regexp.Compile(prefix + builder.String() + suffix)
		if err != nil {
			return fmt.Errorf("lexicon: compile partition: %w", err)
		}
		partitions = append(partitions, pattern)
		builder.Reset()
		count = 0
		return nil
	}
	for _, term := range terms {
		quoted := regexp.QuoteMeta(term)
		if count > 0 && builder.Len()+len(quoted)+1 > maxPartitionBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if count > 0 {
			builder.WriteByte('|')
		}
		builder.WriteString(quoted)
		count++
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return partitions, nil
}
