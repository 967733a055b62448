package mosapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"
)

// RequestCache memoizes raw API responses for a fixed TTL. Entries are
// evicted lazily on lookup; within a single sync run unbounded growth is
// acceptable. Not safe for concurrent use; the sync engine is sequential.
type RequestCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry

	hits   int
	misses int

	now func() time.Time
}

type cacheEntry struct {
	body     []byte
	storedAt time.Time
}

// NewRequestCache returns a cache with the given TTL. A zero ttl disables
// caching entirely (every lookup misses).
func NewRequestCache(ttl time.Duration) *RequestCache {
	return &RequestCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey fingerprints an endpoint plus its parameter set. url.Values.Encode
// sorts keys, so the same logical request always maps to the same key.
func cacheKey(endpoint string, params url.Values) string {
	sum := sha256.Sum256([]byte(endpoint + ":" + params.Encode()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached body for the request, or nil on miss or expiry.
func (c *RequestCache) Get(endpoint string, params url.Values) []byte {
	if c.ttl <= 0 {
		c.misses++
		return nil
	}
	key := cacheKey(endpoint, params)
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	return entry.body
}

// Set stores a response body for the request.
func (c *RequestCache) Set(endpoint string, params url.Values, body []byte) {
	if c.ttl <= 0 {
		return
	}
	c.entries[cacheKey(endpoint, params)] = cacheEntry{body: body, storedAt: c.now()}
}

// Stats reports hit and miss counts since construction.
func (c *RequestCache) Stats() (hits, misses int) {
	return c.hits, c.misses
}
