package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// Open builds an AudioCache with the backing store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*AudioCache, error) {
	opts := []Option{WithLogger(logger)}

	switch cfg.Backend {
	case "", "memory":
	case "disk":
		store, err := NewDiskStore(filepath.Join(cfg.Dir, "audio"), cfg.StoreCapacity, cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStore(store))
	case "sqlite":
		store, err := OpenSQLiteStore(ctx, filepath.Join(cfg.Dir, "audio.db"), cfg.StoreCapacity)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStore(store))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	return NewAudioCache(cfg.MemoryCapacity, opts...), nil
}
