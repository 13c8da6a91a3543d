package automation

import (
	"sync"
	"time"
)

// RulesCache caches the active-rules list so event and sweep passes do not
// hit the rule table on every invocation. Implementations must be safe for
// concurrent use.
type RulesCache interface {
	// Get returns the cached active rules, nil on miss or expiry.
	Get() []*Rule

	// Set replaces the cached list.
	Set(rules []*Rule)

	// Invalidate drops the cache; the next pass reloads from the store.
	Invalidate()
}

// CacheConfig controls cache expiry.
type CacheConfig struct {
	// TTL of zero means entries never expire; rule mutations invalidate.
	TTL time.Duration
}

// DefaultCacheConfig invalidates on mutation only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is the default RulesCache.
type InMemoryRulesCache struct {
	mu       sync.RWMutex
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	config   CacheConfig
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	if c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL {
		return nil
	}

	// Copy so callers cannot mutate the cached slice.
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}
