package skein

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/tidwall/btree"
)

const cacheDegree = 32

// Region is a contiguous cached run of document bytes.
type Region struct {
	Start int64
	Data  []byte
	Dirty bool
}

// End returns the offset just past the region.
func (r Region) End() int64 { return r.Start + int64(len(r.Data)) }

// region is the index entry. Its identity ties the index to the eviction
// policy: a policy only ever removes the exact entry it was given.
type region struct {
	start int64
	data  []byte
	dirty bool
	tick  uint64 // last access, LRU policy only
}

func (r *region) end() int64 { return r.start + int64(len(r.data)) }

func byStart(a, b *region) bool { return a.start < b.start }

func byTick(a, b *region) bool { return a.tick < b.tick }

// CacheStats is a point-in-time summary of the region cache.
type CacheStats struct {
	Regions    int
	Bytes      int64
	DirtyBytes int64
	Budget     int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// RegionCache holds recently read byte ranges keyed by start offset.
// Regions never overlap. A lookup hits only when one region covers the
// whole requested range.
//
// Clean regions are subject to eviction under the byte budget. Dirty
// regions stay until ClearDirty.
type RegionCache struct {
	mu     sync.Mutex
	budget int64
	policy EvictionPolicy
	index  *btree.BTreeG[*region]
	tick   uint64
	closed bool

	bytes      int64
	dirtyBytes int64
	hits       uint64
	misses     uint64
	evictions  uint64

	// EvictLRU
	lru *btree.BTreeG[*region]

	// EvictTinyLFU: ristretto owns admission and eviction of clean regions.
	// Its callbacks run on its own goroutine, so they only queue the
	// victims; the index drops them the next time c.mu is taken.
	tlfu    *ristretto.Cache[int64, *region]
	evictMu sync.Mutex
	evicted []*region
}

// NewRegionCache creates a cache holding at most budget bytes of clean regions.
func NewRegionCache(budget int64, policy EvictionPolicy) (*RegionCache, error) {
	if budget < 0 {
		budget = 0
	}
	c := &RegionCache{
		budget: budget,
		policy: policy,
		index:  btree.NewBTreeGOptions[*region](byStart, btree.Options{Degree: cacheDegree, NoLocks: true}),
	}
	switch policy {
	case EvictLRU:
		c.lru = btree.NewBTreeGOptions[*region](byTick, btree.Options{Degree: cacheDegree, NoLocks: true})
	case EvictTinyLFU:
		if budget == 0 {
			break
		}
		counters := max(budget/64, 1024)
		tlfu, err := ristretto.NewCache(&ristretto.Config[int64, *region]{
			NumCounters:        counters,
			MaxCost:            budget,
			BufferItems:        64,
			IgnoreInternalCost: true,
			OnEvict:            func(item *ristretto.Item[*region]) { c.queueEvicted(item.Value) },
			OnReject:           func(item *ristretto.Item[*region]) { c.queueEvicted(item.Value) },
		})
		if err != nil {
			return nil, err
		}
		c.tlfu = tlfu
	default:
		return nil, ErrInvalidOptions
	}
	return c, nil
}

// Get returns a copy of [offset, offset+length) if one region covers it.
func (c *RegionCache) Get(offset, length int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()

	r := c.floorUnlocked(offset)
	if c.closed || r == nil || length > r.end()-offset {
		c.misses++
		return nil, false
	}
	if !r.dirty {
		switch c.policy {
		case EvictLRU:
			c.touchUnlocked(r)
		case EvictTinyLFU:
			if v, ok := c.tlfu.Get(r.start); !ok || v != r {
				if !ok {
					c.removeUnlocked(r)
				}
				c.misses++
				return nil, false
			}
		}
	}
	c.hits++
	lo := offset - r.start
	return append([]byte(nil), r.data[lo:lo+length]...), true
}

// Put caches a clean copy of data at offset, replacing any overlapping regions.
func (c *RegionCache) Put(offset int64, data []byte) {
	c.put(offset, data, false)
}

// PutDirty caches data at offset as modified and not yet synced.
func (c *RegionCache) PutDirty(offset int64, data []byte) {
	c.put(offset, data, true)
}

func (c *RegionCache) put(offset int64, data []byte, dirty bool) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()
	if c.closed {
		return
	}

	end := offset + int64(len(data))
	// Dirty bookkeeping must survive even when the data is too large to cache.
	if !dirty && (c.budget == 0 || int64(len(data)) > c.budget) {
		c.invalidateUnlocked(offset, end)
		return
	}
	if !dirty {
		// Never let a clean read shadow modified bytes.
		overlapDirty := false
		c.overlapsUnlocked(offset, end, func(r *region) bool {
			overlapDirty = r.dirty
			return !overlapDirty
		})
		if overlapDirty {
			return
		}
	}
	if dirty {
		offset, data = c.mergeDirtyUnlocked(offset, data)
		end = offset + int64(len(data))
	} else {
		data = append([]byte(nil), data...)
	}
	c.invalidateUnlocked(offset, end)

	r := &region{start: offset, data: data, dirty: dirty}
	c.index.Set(r)
	c.bytes += int64(len(r.data))
	if dirty {
		c.dirtyBytes += int64(len(r.data))
		return
	}
	c.admitUnlocked(r)
}

// mergeDirtyUnlocked widens a dirty write to cover the dirty regions it
// touches, so their unsynced bytes stay tracked. The result is a fresh slice.
func (c *RegionCache) mergeDirtyUnlocked(offset int64, data []byte) (int64, []byte) {
	start, end := offset, offset+int64(len(data))
	var olds []*region
	c.overlapsUnlocked(start-1, end+1, func(r *region) bool {
		if r.dirty {
			olds = append(olds, r)
			start = min(start, r.start)
			end = max(end, r.end())
		}
		return true
	})
	merged := make([]byte, end-start)
	for _, r := range olds {
		copy(merged[r.start-start:], r.data)
	}
	copy(merged[offset-start:], data)
	return start, merged
}

// Invalidate removes every region intersecting [from, to). Dirty regions
// are dropped too; the caller owns any pending sync state.
func (c *RegionCache) Invalidate(from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()
	c.invalidateUnlocked(from, to)
}

// InvalidateFrom removes every region ending after offset.
func (c *RegionCache) InvalidateFrom(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()

	var doomed []*region
	if r := c.floorUnlocked(offset); r != nil && r.end() > offset {
		doomed = append(doomed, r)
	}
	c.index.Ascend(&region{start: offset}, func(r *region) bool {
		if len(doomed) == 0 || doomed[len(doomed)-1] != r {
			doomed = append(doomed, r)
		}
		return true
	})
	for _, r := range doomed {
		c.removeUnlocked(r)
	}
}

// Dirty returns copies of all dirty regions in offset order.
func (c *RegionCache) Dirty() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Region
	c.index.Scan(func(r *region) bool {
		if r.dirty {
			out = append(out, Region{Start: r.start, Data: append([]byte(nil), r.data...), Dirty: true})
		}
		return true
	})
	return out
}

// ClearDirty marks every dirty region clean, making it evictable.
func (c *RegionCache) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()

	var dirty []*region
	c.index.Scan(func(r *region) bool {
		if r.dirty {
			dirty = append(dirty, r)
		}
		return true
	})
	for _, r := range dirty {
		r.dirty = false
		c.dirtyBytes -= int64(len(r.data))
		if c.budget == 0 || int64(len(r.data)) > c.budget {
			c.removeUnlocked(r)
			continue
		}
		c.admitUnlocked(r)
	}
}

// Regions returns copies of all cached regions in offset order.
func (c *RegionCache) Regions() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()

	out := make([]Region, 0, c.index.Len())
	c.index.Scan(func(r *region) bool {
		out = append(out, Region{Start: r.start, Data: append([]byte(nil), r.data...), Dirty: r.dirty})
		return true
	})
	return out
}

// Stats returns current counters.
func (c *RegionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainEvictedUnlocked()

	return CacheStats{
		Regions:    c.index.Len(),
		Bytes:      c.bytes,
		DirtyBytes: c.dirtyBytes,
		Budget:     c.budget,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

// Close drops all regions and stops background work. A closed cache
// misses every lookup and ignores every Put.
func (c *RegionCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	c.index.Clear()
	if c.lru != nil {
		c.lru.Clear()
	}
	if c.tlfu != nil {
		c.tlfu.Close()
	}
	c.bytes, c.dirtyBytes = 0, 0
	c.evictMu.Lock()
	c.evicted = nil
	c.evictMu.Unlock()
}

// floorUnlocked returns the region starting at or before offset.
func (c *RegionCache) floorUnlocked(offset int64) *region {
	var found *region
	c.index.Descend(&region{start: offset}, func(r *region) bool {
		found = r
		return false
	})
	return found
}

// overlapsUnlocked calls fn for each region intersecting [from, to).
func (c *RegionCache) overlapsUnlocked(from, to int64, fn func(r *region) bool) {
	if from >= to {
		return
	}
	if r := c.floorUnlocked(from); r != nil && r.end() > from {
		if !fn(r) {
			return
		}
	}
	c.index.Ascend(&region{start: from + 1}, func(r *region) bool {
		if r.start >= to {
			return false
		}
		return fn(r)
	})
}

func (c *RegionCache) invalidateUnlocked(from, to int64) {
	var doomed []*region
	c.overlapsUnlocked(from, to, func(r *region) bool {
		doomed = append(doomed, r)
		return true
	})
	for _, r := range doomed {
		c.removeUnlocked(r)
	}
}

// removeUnlocked drops r from the index and from the eviction policy.
func (c *RegionCache) removeUnlocked(r *region) {
	if cur, ok := c.index.Get(r); !ok || cur != r {
		return
	}
	c.index.Delete(r)
	c.bytes -= int64(len(r.data))
	if r.dirty {
		c.dirtyBytes -= int64(len(r.data))
		return
	}
	switch c.policy {
	case EvictLRU:
		c.lru.Delete(r)
	case EvictTinyLFU:
		if c.tlfu == nil {
			return
		}
		if v, ok := c.tlfu.Get(r.start); ok && v == r {
			c.tlfu.Del(r.start)
		}
	}
}

// admitUnlocked hands a clean indexed region to the eviction policy and
// brings the cache back under budget.
func (c *RegionCache) admitUnlocked(r *region) {
	switch c.policy {
	case EvictLRU:
		c.touchUnlocked(r)
		c.evictLRUUnlocked()
	case EvictTinyLFU:
		if !c.tlfu.Set(r.start, r, int64(len(r.data))) {
			c.removeUnlocked(r)
			return
		}
		c.tlfu.Wait()
		c.drainEvictedUnlocked()
	}
}

func (c *RegionCache) touchUnlocked(r *region) {
	if r.tick != 0 {
		c.lru.Delete(r)
	}
	c.tick++
	r.tick = c.tick
	c.lru.Set(r)
}

// evictLRUUnlocked drops least recently used clean regions until the clean
// bytes fit the budget.
func (c *RegionCache) evictLRUUnlocked() {
	for c.bytes-c.dirtyBytes > c.budget {
		victim, ok := c.lru.PopMin()
		if !ok {
			return
		}
		c.index.Delete(victim)
		c.bytes -= int64(len(victim.data))
		c.evictions++
	}
}

func (c *RegionCache) queueEvicted(r *region) {
	if r == nil {
		return
	}
	c.evictMu.Lock()
	c.evicted = append(c.evicted, r)
	c.evictMu.Unlock()
}

// drainEvictedUnlocked removes regions the TinyLFU policy gave up on.
func (c *RegionCache) drainEvictedUnlocked() {
	c.evictMu.Lock()
	victims := c.evicted
	c.evicted = nil
	c.evictMu.Unlock()

	for _, r := range victims {
		cur, ok := c.index.Get(r)
		if !ok || cur != r || r.dirty {
			continue
		}
		c.index.Delete(r)
		c.bytes -= int64(len(r.data))
		c.evictions++
	}
}
