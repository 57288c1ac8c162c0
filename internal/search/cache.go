package search

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// QueryResultCacheSize is the query-result LRU's capacity (spec 4.8).
	QueryResultCacheSize = 100
	// QueryResultTTL is the query-result LRU's per-entry lifetime (spec 4.8).
	QueryResultTTL = 5 * time.Minute
	// QueryTokenCacheSize is the query-token LRU's capacity (spec 4.8).
	QueryTokenCacheSize = 100
)

// CacheStats is the observability surface both caches expose (spec 4.8).
type CacheStats struct {
	Hits    int
	Misses  int
	Size    int
	MaxSize int
}

// HitRate returns hits / (hits + misses), 0 when no lookups have happened.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// QueryResultCache is the query-result LRU+TTL of C8: capacity 100, 5-minute
// per-entry TTL, keyed by a normalized query+filter string. Grounded on the
// teacher's CachedEmbedder (internal/embed/cached.go) LRU-wrapping pattern,
// generalized to add TTL (via golang-lru/v2's expirable.LRU) and an
// explicit invalidate() obligation every mutator must call (spec 4.8, 9).
type QueryResultCache struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, any]
	hits   int
	misses int
}

// NewQueryResultCache constructs the query-result cache with spec defaults.
func NewQueryResultCache() *QueryResultCache {
	return &QueryResultCache{
		cache: expirable.NewLRU[string, any](QueryResultCacheSize, nil, QueryResultTTL),
	}
}

// Get returns the cached value for key, or (nil, false) on miss or
// expiration. A hit/miss is always recorded.
func (c *QueryResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Set stores value under key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *QueryResultCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, value)
}

// Invalidate clears every cached entry and resets hit/miss counters. Every
// successful mutation through C4 or C6 MUST call this (spec 4.8, 9).
func (c *QueryResultCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	c.hits = 0
	c.misses = 0
}

// Stats returns the current observability snapshot.
func (c *QueryResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len(), MaxSize: QueryResultCacheSize}
}

// QueryResultKey builds the stable query-result cache key of spec 4.8:
// lowercased trimmed query | limit | sorted file extensions | path
// substring | sorted exclude substrings.
func QueryResultKey(query string, limit int, extensions []string, pathSubstring string, excludeSubstrings []string) string {
	exts := append([]string(nil), extensions...)
	sort.Strings(exts)
	excl := append([]string(nil), excludeSubstrings...)
	sort.Strings(excl)

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(query)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(limit))
	b.WriteByte('|')
	b.WriteString(strings.Join(exts, ","))
	b.WriteByte('|')
	b.WriteString(pathSubstring)
	b.WriteByte('|')
	b.WriteString(strings.Join(excl, ","))
	return b.String()
}

// QueryTokenCache is the query-token LRU of C8: capacity 100, no TTL,
// oldest-inserted evicted on overflow.
type QueryTokenCache struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, []string]
	hits   int
	misses int
}

// NewQueryTokenCache constructs the query-token cache with spec defaults.
func NewQueryTokenCache() *QueryTokenCache {
	c, _ := lru.New[string, []string](QueryTokenCacheSize)
	return &QueryTokenCache{cache: c}
}

// Get returns the deduplicated token list cached for a raw query string.
func (c *QueryTokenCache) Get(query string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(query)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Set stores the token list for a raw query string.
func (c *QueryTokenCache) Set(query string, tokens []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(query, tokens)
}

// Invalidate clears the cache and resets counters.
func (c *QueryTokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	c.hits = 0
	c.misses = 0
}

// Stats returns the current observability snapshot.
func (c *QueryTokenCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len(), MaxSize: QueryTokenCacheSize}
}

// Tier bundles both caches behind the single invalidation obligation every
// mutator (C4, C6) must discharge, and satisfies index.CacheInvalidator.
type Tier struct {
	Results *QueryResultCache
	Tokens  *QueryTokenCache
}

// NewTier constructs both caches with spec defaults.
func NewTier() *Tier {
	return &Tier{Results: NewQueryResultCache(), Tokens: NewQueryTokenCache()}
}

// Invalidate clears both caches. Index mutations invalidate results because
// scores changed; tokens are cleared too since a rebuild may have changed
// the codebase's identifier vocabulary enough to make stale token splits
// misleading.
func (t *Tier) Invalidate() {
	t.Results.Invalidate()
	t.Tokens.Invalidate()
}
