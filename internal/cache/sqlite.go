package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db       *sql.DB
	capacity int64

	mu    sync.Mutex
	stats CacheStats
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(ctx context.Context, path string, capacity int64) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, capacity: capacity, stats: CacheStats{Capacity: capacity}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audio_assets (
    hash TEXT PRIMARY KEY,
    duration_ns INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL,
    data BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    last_access INTEGER NOT NULL,
    hits INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audio_assets_last_access ON audio_assets(last_access, hash);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Load reads an asset.
func (s *SQLiteStore) Load(hash string) (ttypes.AudioAsset, error) {
	var (
		asset      ttypes.AudioAsset
		durationNs int64
		lastAccess int64
	)
	row := s.db.QueryRow(`SELECT duration_ns, sample_rate, size, data, last_access FROM audio_assets WHERE hash = ?`, hash)
	err := row.Scan(&durationNs, &asset.SampleRate, &asset.Size, &asset.Data, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		s.count(false)
		return ttypes.AudioAsset{}, ErrCacheMiss
	}
	if err != nil {
		s.count(false)
		return ttypes.AudioAsset{}, fmt.Errorf("load %s: %w", hash, err)
	}
	if _, err := s.db.Exec(`UPDATE audio_assets SET hits = hits + 1 WHERE hash = ?`, hash); err != nil {
		return ttypes.AudioAsset{}, fmt.Errorf("count hit %s: %w", hash, err)
	}
	s.count(true)

	asset.Hash = hash
	asset.Duration = time.Duration(durationNs)
	asset.LastAccess = time.Unix(0, lastAccess)
	return asset, nil
}

func (s *SQLiteStore) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.stats.Hits++
		s.stats.LastAccess = time.Now()
		return
	}
	s.stats.Misses++
}

// Save inserts or replaces an asset.
func (s *SQLiteStore) Save(asset ttypes.AudioAsset) error {
	size := int64(len(asset.Data))
	if s.capacity > 0 && size > s.capacity {
		return ErrItemTooLarge
	}
	lastAccess := asset.LastAccess
	if lastAccess.IsZero() {
		lastAccess = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO audio_assets (hash, duration_ns, sample_rate, size, data, created_at, last_access)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET
    duration_ns = excluded.duration_ns,
    sample_rate = excluded.sample_rate,
    size = excluded.size,
    data = excluded.data,
    last_access = excluded.last_access`,
		asset.Hash, int64(asset.Duration), asset.SampleRate, size, asset.Data,
		time.Now().UnixNano(), lastAccess.UnixNano())
	if err != nil {
		return fmt.Errorf("save %s: %w", asset.Hash, err)
	}

	if s.capacity > 0 {
		total, err := s.totalSize()
		if err != nil {
			return err
		}
		if total > s.capacity {
			if _, _, err := s.EvictLRU(total - s.capacity); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stat returns metadata for hash.
func (s *SQLiteStore) Stat(hash string) (CacheMetadata, bool) {
	var (
		meta                              CacheMetadata
		durationNs, createdAt, lastAccess int64
	)
	row := s.db.QueryRow(`SELECT duration_ns, sample_rate, size, created_at, last_access, hits FROM audio_assets WHERE hash = ?`, hash)
	if err := row.Scan(&durationNs, &meta.SampleRate, &meta.Size, &createdAt, &lastAccess, &meta.Hits); err != nil {
		return CacheMetadata{}, false
	}
	meta.Key = hash
	meta.Duration = time.Duration(durationNs)
	meta.Timestamp = time.Unix(0, createdAt)
	meta.LastAccess = time.Unix(0, lastAccess)
	return meta, true
}

// Touch updates the last access time.
func (s *SQLiteStore) Touch(hash string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE audio_assets SET last_access = MAX(last_access, ?) WHERE hash = ?`, at.UnixNano(), hash)
	if err != nil {
		return fmt.Errorf("touch %s: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCacheMiss
	}
	return nil
}

// Delete removes an asset.
func (s *SQLiteStore) Delete(hash string) error {
	if _, err := s.db.Exec(`DELETE FROM audio_assets WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete %s: %w", hash, err)
	}
	return nil
}

// EvictLRU removes assets by ascending last access until targetBytes are freed.
func (s *SQLiteStore) EvictLRU(targetBytes int64) ([]string, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("begin evict: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT hash, size FROM audio_assets ORDER BY last_access ASC, hash ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("select lru: %w", err)
	}

	var (
		freed  int64
		hashes []string
	)
	for freed < targetBytes && rows.Next() {
		var (
			hash string
			size int64
		)
		if err := rows.Scan(&hash, &size); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan lru: %w", err)
		}
		hashes = append(hashes, hash)
		freed += size
	}
	rows.Close()

	for _, h := range hashes {
		if _, err := tx.Exec(`DELETE FROM audio_assets WHERE hash = ?`, h); err != nil {
			return nil, 0, fmt.Errorf("evict %s: %w", h, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit evict: %w", err)
	}

	s.mu.Lock()
	s.stats.Evictions += int64(len(hashes))
	if len(hashes) > 0 {
		s.stats.LastEvict = time.Now()
	}
	s.mu.Unlock()
	return hashes, freed, nil
}

// Clear removes every asset.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM audio_assets`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) totalSize() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(size) FROM audio_assets`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum size: %w", err)
	}
	return total.Int64, nil
}

// Stats returns store statistics.
func (s *SQLiteStore) Stats() CacheStats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	_ = s.db.QueryRow(`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM audio_assets`).Scan(&stats.Size, &stats.ItemCount)
	stats.computeHitRate()
	return stats
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
