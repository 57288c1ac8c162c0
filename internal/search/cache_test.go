package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryResultCache_HitsAndMisses(t *testing.T) {
	c := NewQueryResultCache()

	_, ok := c.Get("k1")
	assert.False(t, ok)

	c.Set("k1", "value")
	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestQueryResultCache_Invalidate(t *testing.T) {
	c := NewQueryResultCache()
	c.Set("k1", "value")
	c.Get("k1")

	c.Invalidate()

	_, ok := c.Get("k1")
	assert.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, 1, stats.Misses) // the lookup just above
	assert.Equal(t, 0, stats.Hits)
}

func TestQueryResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewQueryResultCache()
	for i := 0; i < QueryResultCacheSize+1; i++ {
		c.Set(string(rune('a'+i%26))+string(rune(i)), i)
	}
	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, QueryResultCacheSize)
}

func TestQueryResultKey_Stable(t *testing.T) {
	k1 := QueryResultKey("  Foo Bar  ", 10, []string{".go", ".py"}, "internal/", []string{"vendor", "test"})
	k2 := QueryResultKey("foo bar", 10, []string{".py", ".go"}, "internal/", []string{"test", "vendor"})
	assert.Equal(t, k1, k2)

	k3 := QueryResultKey("foo bar", 20, []string{".go", ".py"}, "internal/", []string{"test", "vendor"})
	assert.NotEqual(t, k1, k3)
}

func TestQueryTokenCache_OldestEvictedOnOverflow(t *testing.T) {
	c := NewQueryTokenCache()
	for i := 0; i < QueryTokenCacheSize+5; i++ {
		c.Set(string(rune(i)), []string{"tok"})
	}
	stats := c.Stats()
	assert.Equal(t, QueryTokenCacheSize, stats.Size)
}

func TestTier_InvalidateClearsBoth(t *testing.T) {
	tier := NewTier()
	tier.Results.Set("k", "v")
	tier.Tokens.Set("q", []string{"a"})

	tier.Invalidate()

	_, ok := tier.Results.Get("k")
	assert.False(t, ok)
	_, ok = tier.Tokens.Get("q")
	assert.False(t, ok)
}

func TestQueryResultCache_FreshEntryHits(t *testing.T) {
	c := NewQueryResultCache()
	c.Set("k1", "v")
	// Not waiting out the real 5-minute TTL here; this just confirms a
	// present, unexpired entry still hits.
	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	_ = time.Minute
}
