package cache

import (
	"errors"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Common errors for cache operations
var (
	// ErrItemTooLarge is returned when an item exceeds the cache capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheMiss is returned when an item is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheCorrupted is returned when cache data is corrupted
	ErrCacheCorrupted = errors.New("cache data corrupted")

	// ErrInvalidAsset is returned when an asset has no hash or no audio
	ErrInvalidAsset = errors.New("invalid audio asset")
)

// CacheStats holds cache performance metrics
type CacheStats struct {
	// Configuration
	Capacity int64 // Maximum capacity in bytes, 0 means unbounded

	// Current state
	Size      int64 // Current size in bytes
	ItemCount int64 // Number of items in cache

	// Performance metrics
	Hits      int64   // Number of cache hits
	Misses    int64   // Number of cache misses
	Evictions int64   // Number of evictions
	Demotions int64   // Entries dropped from memory but kept in the store
	HitRate   float64 // Calculated hit rate (hits / (hits + misses))

	// Timing
	LastAccess time.Time // Last access time
	LastEvict  time.Time // Last eviction time
}

func (s *CacheStats) computeHitRate() {
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
}

// CacheMetadata describes a cached asset without its audio payload.
type CacheMetadata struct {
	Key        string        // Chunk hash
	Size       int64         // Audio size in bytes
	Duration   time.Duration // Measured audio duration
	SampleRate int           // Sample rate hint for raw PCM payloads
	Timestamp  time.Time     // When the item was cached
	LastAccess time.Time     // Last access time
	Hits       int64         // Number of times accessed
}

// Store is a persistent backing store keyed by chunk hash.
type Store interface {
	// Load returns the asset or ErrCacheMiss.
	Load(hash string) (ttypes.AudioAsset, error)
	Save(asset ttypes.AudioAsset) error
	Stat(hash string) (CacheMetadata, bool)
	Touch(hash string, at time.Time) error
	Delete(hash string) error

	// EvictLRU removes least recently accessed entries until at least
	// targetBytes have been freed. It returns the removed hashes and the
	// bytes freed.
	EvictLRU(targetBytes int64) ([]string, int64, error)

	Clear() error
	Stats() CacheStats
	Close() error
}

// Config holds configuration for an AudioCache and its backing store.
type Config struct {
	// Memory tier capacity in bytes, 0 means unbounded
	MemoryCapacity int64 `mapstructure:"memory_capacity" yaml:"memory_capacity"`

	// Backend is one of "memory", "disk" or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Dir holds the disk store files or the sqlite database
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Store capacity in bytes, 0 means unbounded
	StoreCapacity int64 `mapstructure:"store_capacity" yaml:"store_capacity"`

	// Zstd compression level (1-22), 0 disables compression
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:   256 * 1024 * 1024, // 256MB
		Backend:          "disk",
		StoreCapacity:    2048 * 1024 * 1024, // 2GB
		CompressionLevel: 3,                  // Balanced compression
	}
}
