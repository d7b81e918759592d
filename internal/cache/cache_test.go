package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CLIAIRMONITOR/memcore/internal/clock"
)

func TestCache_GetMissThenHit(t *testing.T) {
	c := New(10, time.Minute, clock.NewFake(time.Unix(0, 0)), nil)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", []byte("value-a"))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "value-a", string(v))
}

func TestCache_NeverReturnsPastTTL(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(10, time.Second, fc, nil)

	c.Set("a", []byte("v"))
	fc.Advance(2 * time.Second)

	_, ok := c.Get("a")
	assert.False(t, ok, "entries older than T must never be returned")
}

func TestCache_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, time.Minute, clock.NewFake(time.Unix(0, 0)), nil)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	_, _ = c.Get("a") // a is now most-recent, b is least-recent
	c.Set("c", []byte("3"))

	_, ok := c.Get("b")
	assert.False(t, ok, "least-recently-used entry must be evicted at capacity")

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_InvalidateRemovesImmediately(t *testing.T) {
	c := New(10, time.Minute, clock.NewFake(time.Unix(0, 0)), nil)
	c.Set("a", []byte("1"))

	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_InvalidatePatternRemovesAllMatchingPrefix(t *testing.T) {
	c := New(10, time.Minute, clock.NewFake(time.Unix(0, 0)), nil)
	c.Set("episodic:1", []byte("1"))
	c.Set("episodic:2", []byte("2"))
	c.Set("semantic:1", []byte("3"))

	c.InvalidatePattern("episodic:")

	_, ok := c.Get("episodic:1")
	assert.False(t, ok)
	_, ok = c.Get("episodic:2")
	assert.False(t, ok)
	_, ok = c.Get("semantic:1")
	assert.True(t, ok, "non-matching prefix must survive invalidate_pattern")
}

func TestCache_SetUpdateRefreshesTTL(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(2, time.Second, fc, nil)

	c.Set("a", []byte("1"))
	fc.Advance(500 * time.Millisecond)
	c.Set("a", []byte("2")) // refresh TTL
	fc.Advance(700 * time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok, "refreshed entry must still be alive 1.2s after first insert since TTL resets on Set")
	assert.Equal(t, "2", string(v))
}

func TestCache_LenReflectsLiveEntries(t *testing.T) {
	c := New(10, time.Minute, clock.NewFake(time.Unix(0, 0)), nil)
	assert.Equal(t, 0, c.Len())
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	assert.Equal(t, 2, c.Len())
}
