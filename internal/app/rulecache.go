package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

// ruleCache memoizes streak rule lookups per project+event name for a short
// TTL. It exists so the pre-check and the actual handling of one event do not
// hit the database twice. It is per-instance and advisory only; writes never
// rely on it.
type ruleCache struct {
	ttl     time.Duration
	mutex   sync.RWMutex
	entries map[string]ruleCacheEntry
}

type ruleCacheEntry struct {
	rules    []domain.StreakRule
	cachedAt time.Time
}

func newRuleCache(ttl time.Duration) *ruleCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ruleCache{
		ttl:     ttl,
		entries: make(map[string]ruleCacheEntry),
	}
}

func cacheKey(projectID uuid.UUID, eventName string) string {
	return projectID.String() + ":" + eventName
}

func (c *ruleCache) get(projectID uuid.UUID, eventName string) ([]domain.StreakRule, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.entries[cacheKey(projectID, eventName)]
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}
	return entry.rules, true
}

func (c *ruleCache) put(projectID uuid.UUID, eventName string, rules []domain.StreakRule) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[cacheKey(projectID, eventName)] = ruleCacheEntry{rules: rules, cachedAt: time.Now()}

	// Drop anything expired while we hold the lock so the map stays bounded.
	for key, entry := range c.entries {
		if time.Since(entry.cachedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}
