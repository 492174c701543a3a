// Package cache provides the content-addressed store for synthesized chunk audio.
// It includes an in-memory LRU tier keyed by chunk hash and optional persistent
// backing stores (zstd compressed files or SQLite) that survive across sessions.
package cache
