package completion

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// responseCache holds completion responses keyed by the exact message
// sequence and temperature, each entry expiring after a fixed TTL.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[string]cacheEntry
}

type cacheEntry struct {
	text      string
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, clock Clock) *responseCache {
	return &responseCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

func (c *responseCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.text, true
}

func (c *responseCache) set(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	// Drop expired entries while we hold the lock; the map never grows
	// past the working set of the last TTL window.
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{text: text, expiresAt: now.Add(c.ttl)}
}

// cacheKey derives the cache key from the full message sequence and the
// sampling temperature. Messages are joined with separators that cannot
// appear in role names, so distinct conversations never collide.
func cacheKey(messages []Message, temperature float64) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteByte(0x1f)
		sb.WriteString(m.Content)
		sb.WriteByte(0x1e)
	}
	sb.WriteString(strconv.FormatFloat(temperature, 'f', -1, 64))
	return sb.String()
}
