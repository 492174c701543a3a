package cache

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// newStores returns one instance of every persistent store implementation.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	disk, err := NewDiskStore(t.TempDir(), 0, 3)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	db, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "audio.db"), 0)
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		disk.Close()
		db.Close()
	})
	return map[string]Store{"disk": disk, "sqlite": db}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			// Compressible payload above the compression threshold
			data := bytes.Repeat([]byte("pcm-"), 1024)
			asset := ttypes.AudioAsset{Hash: "h1", Duration: 1500 * time.Millisecond, Data: data, SampleRate: 22050}

			if err := store.Save(asset); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := store.Load("h1")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !bytes.Equal(got.Data, data) {
				t.Error("loaded data differs from saved data")
			}
			if got.Duration != asset.Duration {
				t.Errorf("Duration = %v, want %v", got.Duration, asset.Duration)
			}
			if got.SampleRate != 22050 {
				t.Errorf("SampleRate = %d, want 22050", got.SampleRate)
			}

			meta, ok := store.Stat("h1")
			if !ok {
				t.Fatal("Stat missed a saved entry")
			}
			if meta.Size != int64(len(data)) {
				t.Errorf("Stat size = %d, want %d", meta.Size, len(data))
			}

			if _, err := store.Load("missing"); err != ErrCacheMiss {
				t.Errorf("Load(missing) = %v, want ErrCacheMiss", err)
			}
		})
	}
}

func TestStore_EvictLRUOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				asset := ttypes.AudioAsset{
					Hash:       fmt.Sprintf("h%d", i),
					Duration:   time.Second,
					Data:       make([]byte, 100),
					LastAccess: base.Add(time.Duration(i) * time.Minute),
				}
				if err := store.Save(asset); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
			}
			// h0 becomes the most recent
			if err := store.Touch("h0", base.Add(time.Hour)); err != nil {
				t.Fatalf("Touch failed: %v", err)
			}

			hashes, freed, err := store.EvictLRU(150)
			if err != nil {
				t.Fatalf("EvictLRU failed: %v", err)
			}
			if freed != 200 {
				t.Errorf("freed = %d, want 200", freed)
			}
			want := []string{"h1", "h2"}
			if fmt.Sprint(hashes) != fmt.Sprint(want) {
				t.Errorf("evicted %v, want %v", hashes, want)
			}
			for _, h := range []string{"h0", "h3", "h4"} {
				if _, ok := store.Stat(h); !ok {
					t.Errorf("%s should have been kept", h)
				}
			}
		})
	}
}

func TestStore_TouchNeverMovesBackwards(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = store.Save(ttypes.AudioAsset{Hash: "h", Data: []byte{1}, LastAccess: base.Add(time.Hour)})
			if err := store.Touch("h", base); err != nil {
				t.Fatalf("Touch failed: %v", err)
			}
			meta, _ := store.Stat("h")
			if !meta.LastAccess.Equal(base.Add(time.Hour)) {
				t.Errorf("LastAccess moved backwards to %v", meta.LastAccess)
			}
			if err := store.Touch("missing", base); err != ErrCacheMiss {
				t.Errorf("Touch(missing) = %v, want ErrCacheMiss", err)
			}
		})
	}
}

func TestStore_DeleteAndClear(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = store.Save(ttypes.AudioAsset{Hash: "a", Data: []byte{1, 2}})
			_ = store.Save(ttypes.AudioAsset{Hash: "b", Data: []byte{3, 4}})

			if err := store.Delete("a"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok := store.Stat("a"); ok {
				t.Error("a still present after delete")
			}
			if err := store.Clear(); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if stats := store.Stats(); stats.ItemCount != 0 {
				t.Errorf("ItemCount = %d after clear", stats.ItemCount)
			}
		})
	}
}

func TestDiskStore_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewDiskStore(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	_ = store.Save(ttypes.AudioAsset{Hash: "persist", Duration: 2 * time.Second, Data: []byte("audio")})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewDiskStore(dir, 0, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	asset, err := reopened.Load("persist")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if string(asset.Data) != "audio" || asset.Duration != 2*time.Second {
		t.Errorf("unexpected asset after reopen: %q %v", asset.Data, asset.Duration)
	}
}

func TestDiskStore_CapacityEviction(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 250, 0)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = store.Save(ttypes.AudioAsset{Hash: fmt.Sprintf("h%d", i), Data: make([]byte, 100), LastAccess: base.Add(time.Duration(i) * time.Second)})
	}

	if _, ok := store.Stat("h0"); ok {
		t.Error("h0 should have been evicted to make room")
	}
	if store.Size() > 250 {
		t.Errorf("size %d exceeds capacity", store.Size())
	}
	if err := store.Save(ttypes.AudioAsset{Hash: "big", Data: make([]byte, 300)}); err != ErrItemTooLarge {
		t.Errorf("expected ErrItemTooLarge, got %v", err)
	}
}

func TestChunkHash(t *testing.T) {
	a := ChunkHash("Hello world", "voice-a", 180)

	if len(a) != 32 {
		t.Errorf("hash length = %d, want 32", len(a))
	}
	if ChunkHash("Hello world", "voice-a", 180) != a {
		t.Error("hash must be deterministic")
	}
	if ChunkHash("  Hello world ", "voice-a", 180) != a {
		t.Error("surrounding whitespace must not change identity")
	}
	if ChunkHash("Hello world", "voice-b", 180) == a {
		t.Error("voice must be part of the identity")
	}
	if ChunkHash("Hello world", "voice-a", 200) == a {
		t.Error("speed must be part of the identity")
	}
}
