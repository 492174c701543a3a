package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
	"github.com/klauspost/compress/zstd"
)

const diskIndexName = "cache.index"

// DiskStore is a file-backed Store with optional zstd compression.
// It provides persistent storage for chunk audio across sessions.
type DiskStore struct {
	basePath string
	capacity int64 // Maximum size on disk in bytes, 0 means unbounded
	size     int64 // Current size on disk in bytes

	// Compression
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Index for fast lookups
	index map[string]*diskCacheEntry

	// Synchronization
	mu sync.RWMutex

	// Metrics
	stats CacheStats
}

// diskCacheEntry represents an entry in the disk store index
type diskCacheEntry struct {
	Key          string
	FilePath     string
	Size         int64 // Size on disk (compressed)
	OriginalSize int64 // Original size (uncompressed)
	Duration     time.Duration
	SampleRate   int
	Timestamp    time.Time
	LastAccess   time.Time
	Hits         int64
	Compressed   bool
}

// NewDiskStore creates a disk store at basePath. A compressionLevel of 0
// stores audio uncompressed.
func NewDiskStore(basePath string, capacity int64, compressionLevel int) (*DiskStore, error) {
	// Create cache directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	ds := &DiskStore{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*diskCacheEntry),
		stats: CacheStats{
			Capacity: capacity,
		},
	}

	if compressionLevel > 0 {
		var err error
		ds.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// Always able to read compressed files written with another level
	var err error
	ds.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	// Non-fatal: a damaged index just starts empty
	if err := ds.loadIndex(); err != nil {
		ds.index = make(map[string]*diskCacheEntry)
	}
	ds.calculateSize()

	return ds, nil
}

// Load reads an asset from disk.
func (ds *DiskStore) Load(hash string) (ttypes.AudioAsset, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, ok := ds.index[hash]
	if !ok {
		ds.stats.Misses++
		return ttypes.AudioAsset{}, ErrCacheMiss
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		// File missing, remove from index
		ds.dropLocked(entry)
		ds.stats.Misses++
		return ttypes.AudioAsset{}, ErrCacheMiss
	}

	if entry.Compressed {
		decompressed, err := ds.decoder.DecodeAll(data, nil)
		if err != nil {
			ds.dropLocked(entry)
			os.Remove(entry.FilePath)
			ds.stats.Misses++
			return ttypes.AudioAsset{}, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
		data = decompressed
	}

	entry.Hits++
	ds.stats.Hits++
	ds.stats.LastAccess = time.Now()

	return ttypes.AudioAsset{
		Hash:       hash,
		Duration:   entry.Duration,
		Data:       data,
		SampleRate: entry.SampleRate,
		LastAccess: entry.LastAccess,
		Size:       entry.OriginalSize,
	}, nil
}

// Save writes an asset to disk, replacing any previous version.
func (ds *DiskStore) Save(asset ttypes.AudioAsset) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	originalSize := int64(len(asset.Data))

	dataToWrite := asset.Data
	var compressed bool
	if ds.encoder != nil && originalSize > 1024 { // Only compress if > 1KB
		compressedData := ds.encoder.EncodeAll(asset.Data, nil)
		// Only use compression if it actually reduces size
		if len(compressedData) < len(asset.Data) {
			dataToWrite = compressedData
			compressed = true
		}
	}

	diskSize := int64(len(dataToWrite))
	if ds.capacity > 0 && diskSize > ds.capacity {
		return ErrItemTooLarge
	}

	if existing, ok := ds.index[asset.Hash]; ok {
		ds.size -= existing.Size
		delete(ds.index, asset.Hash)
	}

	// Evict items if necessary
	for ds.capacity > 0 && ds.size+diskSize > ds.capacity && len(ds.index) > 0 {
		ds.evictOldest()
	}

	filePath := ds.generateFilePath(asset.Hash)
	if err := writeFileAtomic(filePath, dataToWrite); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	lastAccess := asset.LastAccess
	if lastAccess.IsZero() {
		lastAccess = time.Now()
	}
	ds.index[asset.Hash] = &diskCacheEntry{
		Key:          asset.Hash,
		FilePath:     filePath,
		Size:         diskSize,
		OriginalSize: originalSize,
		Duration:     asset.Duration,
		SampleRate:   asset.SampleRate,
		Timestamp:    time.Now(),
		LastAccess:   lastAccess,
		Compressed:   compressed,
	}
	ds.size += diskSize

	ds.stats.Size = ds.size
	ds.stats.ItemCount = int64(len(ds.index))
	return nil
}

// Stat returns metadata for hash without reading the audio.
func (ds *DiskStore) Stat(hash string) (CacheMetadata, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	entry, ok := ds.index[hash]
	if !ok {
		return CacheMetadata{}, false
	}
	return entry.metadata(), true
}

// Touch updates the last access time used for LRU ordering.
func (ds *DiskStore) Touch(hash string, at time.Time) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, ok := ds.index[hash]
	if !ok {
		return ErrCacheMiss
	}
	if at.After(entry.LastAccess) {
		entry.LastAccess = at
	}
	return nil
}

// Delete removes an entry from the disk store.
func (ds *DiskStore) Delete(hash string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, ok := ds.index[hash]
	if !ok {
		return nil
	}
	os.Remove(entry.FilePath)
	ds.dropLocked(entry)
	return nil
}

// EvictLRU removes entries by ascending last access until targetBytes of
// audio have been freed.
func (ds *DiskStore) EvictLRU(targetBytes int64) ([]string, int64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entries := ds.sortedByAccess()
	var (
		freed  int64
		hashes []string
	)
	for _, entry := range entries {
		if freed >= targetBytes {
			break
		}
		os.Remove(entry.FilePath)
		ds.dropLocked(entry)
		freed += entry.OriginalSize
		hashes = append(hashes, entry.Key)
		ds.stats.Evictions++
		ds.stats.LastEvict = time.Now()
	}

	if len(hashes) == 0 {
		return nil, 0, nil
	}
	return hashes, freed, ds.saveIndex()
}

// Clear removes all entries from the disk store.
func (ds *DiskStore) Clear() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, entry := range ds.index {
		os.Remove(entry.FilePath)
	}
	ds.index = make(map[string]*diskCacheEntry)
	ds.size = 0
	ds.stats.Size = 0
	ds.stats.ItemCount = 0

	return ds.saveIndex()
}

// Size returns the current size on disk in bytes.
func (ds *DiskStore) Size() int64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	return ds.size
}

// Stats returns store statistics.
func (ds *DiskStore) Stats() CacheStats {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	stats := ds.stats
	stats.Size = ds.size
	stats.ItemCount = int64(len(ds.index))
	stats.computeHitRate()
	return stats
}

// Close saves the index.
func (ds *DiskStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.encoder != nil {
		ds.encoder.Close()
	}
	ds.decoder.Close()
	return ds.saveIndex()
}

// Private helper methods

func (e *diskCacheEntry) metadata() CacheMetadata {
	return CacheMetadata{
		Key:        e.Key,
		Size:       e.OriginalSize,
		Duration:   e.Duration,
		SampleRate: e.SampleRate,
		Timestamp:  e.Timestamp,
		LastAccess: e.LastAccess,
		Hits:       e.Hits,
	}
}

func (ds *DiskStore) sortedByAccess() []*diskCacheEntry {
	entries := make([]*diskCacheEntry, 0, len(ds.index))
	for _, entry := range ds.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastAccess.Equal(entries[j].LastAccess) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	return entries
}

// dropLocked removes an entry from the index (must be called with lock held).
func (ds *DiskStore) dropLocked(entry *diskCacheEntry) {
	delete(ds.index, entry.Key)
	ds.size -= entry.Size
	ds.stats.Size = ds.size
	ds.stats.ItemCount = int64(len(ds.index))
}

func (ds *DiskStore) evictOldest() {
	var oldest *diskCacheEntry
	for _, entry := range ds.index {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest != nil {
		os.Remove(oldest.FilePath)
		ds.dropLocked(oldest)
		ds.stats.Evictions++
		ds.stats.LastEvict = time.Now()
	}
}

func (ds *DiskStore) generateFilePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	filename := hex.EncodeToString(hash[:16]) + ".audio"
	return filepath.Join(ds.basePath, filename)
}

// writeFileAtomic writes to a temp file first, then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}

func (ds *DiskStore) loadIndex() error {
	file, err := os.Open(filepath.Join(ds.basePath, diskIndexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No index file yet
		}
		return err
	}
	defer file.Close()

	return gob.NewDecoder(file).Decode(&ds.index)
}

func (ds *DiskStore) saveIndex() error {
	indexPath := filepath.Join(ds.basePath, diskIndexName)
	tempPath := indexPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	err = gob.NewEncoder(file).Encode(ds.index)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, indexPath)
}

func (ds *DiskStore) calculateSize() {
	ds.size = 0
	for _, entry := range ds.index {
		ds.size += entry.Size
	}
	ds.stats.Size = ds.size
	ds.stats.ItemCount = int64(len(ds.index))
}
