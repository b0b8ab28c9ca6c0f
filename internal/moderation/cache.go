package moderation

import (
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/llm"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spaolacci/murmur3"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
)

// VerdictCache remembers recent verdicts per prompt so cascades and repeated reports do not re-ask the model.
type VerdictCache struct {
	data *expirable.LRU[uint64, llm.Verdict]
}

// NewVerdictCache constructs a cache. A negative ttl disables caching.
func NewVerdictCache(size int, ttl time.Duration) *VerdictCache {
	if ttl < 0 {
		return nil
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &VerdictCache{data: expirable.NewLRU[uint64, llm.Verdict](size, nil, ttl)}
}

func cacheKey(request llm.Request) uint64 {
	hasher := murmur3.New64()
	for _, part := range []string{
		request.Model,
		strconv.FormatFloat(request.Temperature, 'f', 3, 64),
		request.SystemPrompt,
		request.Prompt,
	} {
		_, _ = hasher.Write([]byte(part))
		_, _ = hasher.Write([]byte{0})
	}
	return hasher.Sum64()
}

// Get returns the cached verdict for the request.
func (c *VerdictCache) Get(request llm.Request) (llm.Verdict, bool) {
	if c == nil {
		return llm.Verdict{}, false
	}
	return c.data.Get(cacheKey(request))
}

// Add stores the verdict for the request.
func (c *VerdictCache) Add(request llm.Request, verdict llm.Verdict) {
	if c == nil {
		return
	}
	c.data.Add(cacheKey(request), verdict)
}
