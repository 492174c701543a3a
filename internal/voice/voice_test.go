package voice

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "en_US-lessac-medium.onnx"))
	touch(t, filepath.Join(dir, "en_US-lessac-medium.onnx.json"))
	touch(t, filepath.Join(dir, "en_GB-alan-low.onnx"))
	touch(t, filepath.Join(dir, "en_GB-alan-low.json"))
	touch(t, filepath.Join(dir, "de_DE-thorsten-high.onnx"))
	touch(t, filepath.Join(dir, "notes.txt"))

	c, err := Scan(dir, "remote-voice")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return c, dir
}

func TestScan(t *testing.T) {
	c, dir := newCatalog(t)

	want := []string{"de_DE-thorsten-high", "en_GB-alan-low", "en_US-lessac-medium", "remote-voice"}
	names := c.Names()
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	v, _ := c.Resolve("en_US-lessac-medium")
	if v.ConfigPath != filepath.Join(dir, "en_US-lessac-medium.onnx.json") {
		t.Errorf("config = %q", v.ConfigPath)
	}
	v, _ = c.Resolve("en_GB-alan-low")
	if v.ConfigPath != filepath.Join(dir, "en_GB-alan-low.json") {
		t.Errorf("config = %q", v.ConfigPath)
	}
	if v, _ := c.Resolve("remote-voice"); v.Installed() {
		t.Error("extra voice should have no model")
	}
}

func TestScan_MissingDir(t *testing.T) {
	c, err := Scan(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if _, err := c.Resolve("anything"); !errors.Is(err, ErrNoVoices) {
		t.Errorf("err = %v, want ErrNoVoices", err)
	}
}

func TestResolve(t *testing.T) {
	c, _ := newCatalog(t)

	tests := []struct {
		query string
		want  string
		err   error
	}{
		{"en_GB-alan-low", "en_GB-alan-low", nil},
		{"EN_GB-ALAN-LOW", "en_GB-alan-low", nil},
		{"thorsten", "de_DE-thorsten-high", nil},
		{"lessac", "en_US-lessac-medium", nil},
		{"zzzz", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			v, err := c.Resolve(tt.query)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if v.Name != tt.want {
				t.Errorf("resolved %s, want %s", v.Name, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	c, dir := newCatalog(t)
	v, _ := c.Resolve("en_GB-alan-low")
	if err := Validate(v); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	os.Remove(filepath.Join(dir, "en_GB-alan-low.onnx"))
	if err := Validate(v); err == nil {
		t.Error("removed model should fail validation")
	}
	if err := Validate(Voice{Name: "remote"}); err != nil {
		t.Errorf("voice without model: %v", err)
	}
}
