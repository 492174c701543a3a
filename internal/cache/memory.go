package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// AudioCache is the content-addressed store of synthesized chunk audio.
// The memory tier is an LRU list with a byte capacity; an optional backing
// Store keeps assets across sessions.
type AudioCache struct {
	capacity int64 // Maximum resident size in bytes, 0 means unbounded
	size     int64 // Current resident size in bytes

	// LRU implementation, front is most recently used
	items    map[string]*list.Element
	eviction *list.List

	store  Store
	logger *log.Logger
	now    func() time.Time

	// Synchronization
	mu      sync.Mutex
	touches sync.WaitGroup

	// Metrics
	stats CacheStats
}

// memoryCacheEntry represents an entry in the memory tier
type memoryCacheEntry struct {
	asset     ttypes.AudioAsset
	timestamp time.Time
	hits      int64
}

// Option configures an AudioCache.
type Option func(*AudioCache)

// WithStore sets the persistent backing store.
func WithStore(s Store) Option {
	return func(c *AudioCache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *AudioCache) { c.logger = l }
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *AudioCache) { c.now = now }
}

// NewAudioCache creates a cache whose memory tier holds at most capacity
// bytes. A capacity of 0 disables the limit.
func NewAudioCache(capacity int64, opts ...Option) *AudioCache {
	c := &AudioCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		now:      time.Now,
		stats: CacheStats{
			Capacity: capacity,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Get returns the asset for hash and refreshes its access time. On a memory
// miss the backing store is consulted and the asset is promoted.
func (c *AudioCache) Get(hash string) (ttypes.AudioAsset, bool) {
	c.mu.Lock()
	if elem, ok := c.items[hash]; ok {
		c.eviction.MoveToFront(elem)
		entry := elem.Value.(*memoryCacheEntry)
		entry.hits++
		entry.asset.LastAccess = c.now()
		c.stats.Hits++
		c.stats.LastAccess = entry.asset.LastAccess
		asset := entry.asset
		c.mu.Unlock()

		c.touch(hash, asset.LastAccess)
		return asset, true
	}
	c.mu.Unlock()

	if c.store == nil {
		c.miss()
		return ttypes.AudioAsset{}, false
	}

	asset, err := c.store.Load(hash)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Backing store read failed", "hash", hash, "error", err)
		}
		c.miss()
		return ttypes.AudioAsset{}, false
	}

	asset.LastAccess = c.now()
	c.mu.Lock()
	c.stats.Hits++
	c.stats.LastAccess = asset.LastAccess
	c.insertLocked(asset)
	c.mu.Unlock()

	c.touch(hash, asset.LastAccess)
	return asset, true
}

func (c *AudioCache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// touch records the access time in the backing store without blocking the reader.
func (c *AudioCache) touch(hash string, at time.Time) {
	if c.store == nil {
		return
	}
	c.touches.Add(1)
	go func() {
		defer c.touches.Done()
		if err := c.store.Touch(hash, at); err != nil && !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug("Backing store touch failed", "hash", hash, "error", err)
		}
	}()
}

// Has reports whether the asset exists in memory or in the backing store.
// It does not refresh the access time.
func (c *AudioCache) Has(hash string) bool {
	c.mu.Lock()
	_, ok := c.items[hash]
	c.mu.Unlock()
	if ok {
		return true
	}
	if c.store == nil {
		return false
	}
	_, ok = c.store.Stat(hash)
	return ok
}

// Duration returns the measured duration for hash without touching the LRU order.
func (c *AudioCache) Duration(hash string) (time.Duration, bool) {
	c.mu.Lock()
	if elem, ok := c.items[hash]; ok {
		d := elem.Value.(*memoryCacheEntry).asset.Duration
		c.mu.Unlock()
		return d, true
	}
	c.mu.Unlock()
	if c.store == nil {
		return 0, false
	}
	meta, ok := c.store.Stat(hash)
	if !ok {
		return 0, false
	}
	return meta.Duration, true
}

// Put stores an asset. The write reaches the backing store before Put
// returns. Writes for the same hash are last-writer-wins.
func (c *AudioCache) Put(asset ttypes.AudioAsset) error {
	if asset.Hash == "" || len(asset.Data) == 0 {
		return ErrInvalidAsset
	}
	asset.Size = int64(len(asset.Data))
	asset.LastAccess = c.now()

	if c.store != nil {
		if err := c.store.Save(asset); err != nil {
			return fmt.Errorf("failed to save asset %s: %w", asset.Hash, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && asset.Size > c.capacity {
		if c.store != nil {
			// Persisted but never resident
			return nil
		}
		return ErrItemTooLarge
	}
	c.insertLocked(asset)
	return nil
}

// insertLocked adds or replaces a resident entry (must be called with lock held).
func (c *AudioCache) insertLocked(asset ttypes.AudioAsset) {
	if elem, ok := c.items[asset.Hash]; ok {
		c.eviction.MoveToFront(elem)
		entry := elem.Value.(*memoryCacheEntry)
		c.size += asset.Size - entry.asset.Size
		entry.asset = asset
		entry.timestamp = c.now()
	} else {
		entry := &memoryCacheEntry{
			asset:     asset,
			timestamp: c.now(),
		}
		c.items[asset.Hash] = c.eviction.PushFront(entry)
		c.size += asset.Size
	}

	for c.capacity > 0 && c.size > c.capacity && c.eviction.Len() > 1 {
		c.shedOldest()
	}
	c.stats.Size = c.size
}

// shedOldest drops the least recently used resident entry under capacity
// pressure. With a backing store the entry survives there.
func (c *AudioCache) shedOldest() {
	elem := c.eviction.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	if c.store != nil {
		c.stats.Demotions++
		return
	}
	c.stats.Evictions++
	c.stats.LastEvict = c.now()
}

// EvictLRU repeatedly removes the globally least recently accessed entry
// until at least targetBytes have been freed or entries are exhausted. It
// returns the bytes actually freed.
func (c *AudioCache) EvictLRU(targetBytes int64) (int64, error) {
	if targetBytes <= 0 {
		return 0, nil
	}

	if c.store != nil {
		// Let pending access bookkeeping land before ordering by it
		c.touches.Wait()
		hashes, freed, err := c.store.EvictLRU(targetBytes)
		c.mu.Lock()
		for _, h := range hashes {
			if elem, ok := c.items[h]; ok {
				c.removeElement(elem)
			}
		}
		c.stats.Evictions += int64(len(hashes))
		if len(hashes) > 0 {
			c.stats.LastEvict = c.now()
		}
		c.stats.Size = c.size
		c.mu.Unlock()
		if err != nil {
			return freed, fmt.Errorf("failed to evict from store: %w", err)
		}
		return freed, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var freed int64
	for freed < targetBytes {
		elem := c.eviction.Back()
		if elem == nil {
			break
		}
		freed += elem.Value.(*memoryCacheEntry).asset.Size
		c.removeElement(elem)
		c.stats.Evictions++
		c.stats.LastEvict = c.now()
	}
	c.stats.Size = c.size
	return freed, nil
}

// Delete removes an entry from memory and from the backing store.
func (c *AudioCache) Delete(hash string) error {
	c.mu.Lock()
	if elem, ok := c.items[hash]; ok {
		c.removeElement(elem)
		c.stats.Size = c.size
	}
	c.mu.Unlock()

	if c.store != nil {
		return c.store.Delete(hash)
	}
	return nil
}

// Clear removes all entries.
func (c *AudioCache) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
	c.stats.Size = 0
	c.mu.Unlock()

	if c.store != nil {
		c.touches.Wait()
		return c.store.Clear()
	}
	return nil
}

// Size returns the resident size in bytes.
func (c *AudioCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Len returns the number of resident entries.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Stats returns memory tier statistics.
func (c *AudioCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.ItemCount = int64(len(c.items))
	stats.computeHitRate()
	return stats
}

// StoreStats returns backing store statistics, if a store is configured.
func (c *AudioCache) StoreStats() (CacheStats, bool) {
	if c.store == nil {
		return CacheStats{}, false
	}
	return c.store.Stats(), true
}

// LRUKeys returns resident hashes from least to most recently used.
func (c *AudioCache) LRUKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.eviction.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*memoryCacheEntry).asset.Hash)
	}
	return keys
}

// Close waits for pending store bookkeeping and closes the backing store.
func (c *AudioCache) Close() error {
	c.touches.Wait()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// removeElement removes an element from the memory tier (must be called with lock held).
func (c *AudioCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*memoryCacheEntry)
	delete(c.items, entry.asset.Hash)
	c.size -= entry.asset.Size
}
