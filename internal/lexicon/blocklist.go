package lexicon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var defaultSuspiciousTLDs = []string{
	".xyz", ".top", ".tk", ".icu", ".click", ".work", ".gq", ".cf", ".pw", ".ml", ".ga",
	".loan", ".win", ".bid", ".rest", ".cam", ".monster", ".buzz", ".live", ".zip",
}

var defaultShorteners = []string{
	"bit.ly", "t.co", "tinyurl.com", "goo.gl", "ow.ly", "is.gd", "buff.ly", "cutt.ly", "rebrand.ly",
	"shorturl.at", "rb.gy", "x.gd", "t.ly", "v.gd", "tiny.cc", "lnkd.in", "amzn.to", "s.id",
}

// Blocklist is an immutable snapshot of curated host lists.
type Blocklist struct {
	tlds       []string
	shorteners map[string]struct{}
}

// NewBlocklist builds a snapshot from the built-in defaults plus the extra entries.
func NewBlocklist(extraTLDs, extraShorteners []string) *Blocklist {
	blocklist := &Blocklist{shorteners: make(map[string]struct{})}
	seenTLDs := make(map[string]struct{})
	for _, tld := range append(append([]string(nil), defaultSuspiciousTLDs...), extraTLDs...) {
		tld = strings.ToLower(strings.TrimSpace(tld))
		if tld == "" {
			continue
		}
		if !strings.HasPrefix(tld, ".") {
			tld = "." + tld
		}
		if _, ok := seenTLDs[tld]; ok {
			continue
		}
		seenTLDs[tld] = struct{}{}
		blocklist.tlds = append(blocklist.tlds, tld)
	}
	for _, host := range append(append([]string(nil), defaultShorteners...), extraShorteners...) {
		host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
		if host != "" {
			blocklist.shorteners[host] = struct{}{}
		}
	}
	return blocklist
}

// ParseBlocklist reads "tld:<suffix>" and "shortener:<host>" lines on top of the defaults.
func ParseBlocklist(reader io.Reader) (*Blocklist, error) {
	var tlds, shorteners []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kind, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("lexicon: malformed blocklist line %q", line)
		}
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "tld":
			tlds = append(tlds, value)
		case "shortener":
			shorteners = append(shorteners, value)
		default:
			return nil, fmt.Errorf("lexicon: unknown blocklist kind %q", kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lexicon: read blocklist: %w", err)
	}
	return NewBlocklist(tlds, shorteners), nil
}

// IsSuspiciousHost reports whether the host ends in a curated TLD.
func (b *Blocklist) IsSuspiciousHost(host string) bool {
	host = strings.ToLower(host)
	for _, tld := range b.tlds {
		if strings.HasSuffix(host, tld) {
			return true
		}
	}
	return false
}

// IsShortener reports whether the host is a curated URL shortener.
func (b *Blocklist) IsShortener(host string) bool {
	_, ok := b.shorteners[strings.TrimPrefix(strings.ToLower(host), "www.")]
	return ok
}

// BlocklistStore publishes the current blocklist snapshot. Readers never block; a refresh swaps the pointer.
type BlocklistStore struct {
	current atomic.Pointer[Blocklist]
	path    string
	logger  *zap.Logger

	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewBlocklistStore loads the snapshot from path, or the defaults when path is empty.
func NewBlocklistStore(path string, logger *zap.Logger) (*BlocklistStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &BlocklistStore{path: strings.TrimSpace(path), logger: logger}
	if err := store.Refresh(); err != nil {
		return nil, err
	}
	return store, nil
}

// Current returns the active snapshot.
func (s *BlocklistStore) Current() *Blocklist {
	return s.current.Load()
}

// Refresh reloads the blocklist file and swaps the snapshot.
func (s *BlocklistStore) Refresh() error {
	if s.path == "" {
		s.current.Store(NewBlocklist(nil, nil))
		return nil
	}
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("lexicon: open blocklist %s: %w", s.path, err)
	}
	defer file.Close()
	blocklist, err := ParseBlocklist(file)
	if err != nil {
		return err
	}
	s.current.Store(blocklist)
	return nil
}

// StartRefresh schedules Refresh on the cron spec. A failed refresh keeps the previous snapshot.
func (s *BlocklistStore) StartRefresh(spec string) error {
	if s.path == "" || strings.TrimSpace(spec) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return nil
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		if err := s.Refresh(); err != nil {
			s.logger.Warn("blocklist refresh failed", zap.String("path", s.path), zap.Error(err))
			return
		}
		s.logger.Debug("blocklist refreshed", zap.String("path", s.path))
	}); err != nil {
		return fmt.Errorf("lexicon: schedule refresh: %w", err)
	}
	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

// Stop halts the refresh schedule and waits for a running refresh.
func (s *BlocklistStore) Stop() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}
