package skein

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, budget int64, policy EvictionPolicy) *RegionCache {
	t.Helper()
	c, err := NewRegionCache(budget, policy)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestRegionCacheFullCoverage(t *testing.T) {
	for _, policy := range []EvictionPolicy{EvictLRU, EvictTinyLFU} {
		t.Run(policy.String(), func(t *testing.T) {
			c := newCache(t, 1024, policy)
			c.Put(10, []byte("0123456789"))

			data, ok := c.Get(12, 4)
			require.True(t, ok)
			assert.Equal(t, "2345", string(data))

			data, ok = c.Get(10, 10)
			require.True(t, ok)
			assert.Equal(t, "0123456789", string(data))

			_, ok = c.Get(8, 4)
			assert.False(t, ok, "range starting before the region")
			_, ok = c.Get(18, 4)
			assert.False(t, ok, "range running past the region")
			_, ok = c.Get(0, 1)
			assert.False(t, ok, "no region at all")

			st := c.Stats()
			assert.Equal(t, uint64(2), st.Hits)
			assert.Equal(t, uint64(3), st.Misses)
		})
	}
}

func TestRegionCacheGetReturnsCopy(t *testing.T) {
	c := newCache(t, 1024, EvictLRU)
	src := []byte("abc")
	c.Put(0, src)
	src[0] = 'X'

	data, ok := c.Get(0, 3)
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))

	data[1] = 'Y'
	again, _ := c.Get(0, 3)
	assert.Equal(t, "abc", string(again))
}

func TestRegionCachePutReplacesOverlaps(t *testing.T) {
	c := newCache(t, 1024, EvictLRU)
	c.Put(0, []byte("aaaa"))
	c.Put(8, []byte("bbbb"))
	c.Put(2, []byte("cccccccc"))

	regions := c.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, int64(2), regions[0].Start)
	assert.Equal(t, int64(10), regions[0].End())
	assert.Equal(t, int64(8), c.Stats().Bytes)
}

func TestRegionCacheInvalidate(t *testing.T) {
	c := newCache(t, 1024, EvictLRU)
	c.Put(0, []byte("aaaa"))
	c.Put(10, []byte("bbbb"))
	c.Put(20, []byte("cccc"))

	c.Invalidate(3, 11)
	regions := c.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, int64(20), regions[0].Start)

	c.Put(0, []byte("aaaa"))
	c.InvalidateFrom(22)
	regions = c.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, int64(0), regions[0].Start)

	// A region ending exactly at the offset survives.
	c.InvalidateFrom(4)
	assert.Len(t, c.Regions(), 1)
	c.InvalidateFrom(3)
	assert.Empty(t, c.Regions())
	assert.Zero(t, c.Stats().Bytes)
}

func TestRegionCacheLRUEviction(t *testing.T) {
	c := newCache(t, 30, EvictLRU)
	for i := range 3 {
		c.Put(int64(i*100), []byte(fmt.Sprintf("region-%d-", i)))
	}
	// Touch the first region so the second becomes the oldest.
	_, ok := c.Get(0, 1)
	require.True(t, ok)

	c.Put(300, []byte("region-3-"))

	_, ok = c.Get(100, 1)
	assert.False(t, ok, "least recently used region should be gone")
	for _, off := range []int64{0, 200, 300} {
		_, ok := c.Get(off, 1)
		assert.True(t, ok, "region at %d", off)
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, st.Budget)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestRegionCacheTinyLFUStaysInBudget(t *testing.T) {
	c := newCache(t, 4096, EvictTinyLFU)
	chunk := make([]byte, 256)
	for i := range 200 {
		c.Put(int64(i*1000), chunk)
		// Repeated reads of a hot region raise its frequency.
		c.Get(0, 1)
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, st.Budget)
	assert.Positive(t, st.Evictions)

	for _, r := range c.Regions() {
		assert.Len(t, r.Data, 256)
	}
}

func TestRegionCacheZeroBudget(t *testing.T) {
	for _, policy := range []EvictionPolicy{EvictLRU, EvictTinyLFU} {
		t.Run(policy.String(), func(t *testing.T) {
			c := newCache(t, 0, policy)
			c.Put(0, []byte("abc"))
			_, ok := c.Get(0, 1)
			assert.False(t, ok)

			// Dirty bookkeeping works without a budget.
			c.PutDirty(0, []byte("xyz"))
			require.Len(t, c.Dirty(), 1)
			c.ClearDirty()
			assert.Empty(t, c.Regions())
		})
	}
}

func TestRegionCacheOversizedPut(t *testing.T) {
	c := newCache(t, 4, EvictLRU)
	c.Put(0, []byte("ab"))
	c.Put(0, []byte("too large"))
	assert.Empty(t, c.Regions(), "oversized put should drop what it overlaps")
}

func TestRegionCacheDirtyRegions(t *testing.T) {
	c := newCache(t, 8, EvictLRU)

	c.PutDirty(4, []byte("dd"))
	c.PutDirty(6, []byte("ee"))
	c.PutDirty(20, []byte("ff"))

	dirty := c.Dirty()
	require.Len(t, dirty, 2)
	assert.Equal(t, Region{Start: 4, Data: []byte("ddee"), Dirty: true}, dirty[0])
	assert.Equal(t, Region{Start: 20, Data: []byte("ff"), Dirty: true}, dirty[1])

	// Dirty regions are pinned: filling the clean budget never evicts them.
	for i := range 10 {
		c.Put(int64(100+i*10), []byte("cccc"))
	}
	assert.Len(t, c.Dirty(), 2)
	assert.Equal(t, int64(6), c.Stats().DirtyBytes)

	// A clean read never shadows modified bytes.
	c.Put(0, []byte("000000"))
	data, ok := c.Get(4, 2)
	require.True(t, ok)
	assert.Equal(t, "dd", string(data))

	// Overwriting part of a dirty region keeps the rest of it.
	c.PutDirty(5, []byte("X"))
	dirty = c.Dirty()
	require.Len(t, dirty, 2)
	assert.Equal(t, "dXee", string(dirty[0].Data))

	c.ClearDirty()
	assert.Empty(t, c.Dirty())
	assert.Zero(t, c.Stats().DirtyBytes)
	assert.LessOrEqual(t, c.Stats().Bytes, int64(8))
}

func TestRegionCacheInvalidateDropsDirty(t *testing.T) {
	c := newCache(t, 1024, EvictLRU)
	c.PutDirty(10, []byte("dirty"))
	c.InvalidateFrom(0)
	assert.Empty(t, c.Dirty())
	assert.Zero(t, c.Stats().DirtyBytes)
}

func TestRegionCacheClose(t *testing.T) {
	c, err := NewRegionCache(1024, EvictTinyLFU)
	require.NoError(t, err)
	c.Put(0, []byte("abc"))
	c.Close()
	c.Close()

	_, ok := c.Get(0, 1)
	assert.False(t, ok)
	c.Put(0, []byte("abc"))
	assert.Empty(t, c.Regions())
}

func TestNewRegionCacheUnknownPolicy(t *testing.T) {
	_, err := NewRegionCache(1024, EvictionPolicy(42))
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
