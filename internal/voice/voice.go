// Package voice lists installed voice models and resolves voice names.
package voice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// ModelExt is the extension of a voice model file.
const ModelExt = ".onnx"

var (
	// ErrNoVoices is returned when the catalog is empty.
	ErrNoVoices = errors.New("no voices installed")

	// ErrNotFound is returned when no voice matches a query.
	ErrNotFound = errors.New("voice not found")
)

// Voice is an installed or configured voice.
type Voice struct {
	Name       string `json:"name"`
	ModelPath  string `json:"model_path,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`
}

// Installed reports whether the voice has a model file.
func (v Voice) Installed() bool { return v.ModelPath != "" }

// Catalog is a sorted set of voices.
type Catalog struct {
	voices []Voice
}

// Scan lists the models in dir. Extra names, such as voices of a remote
// engine, are added without a model. A missing dir is not an error.
func Scan(dir string, extra ...string) (*Catalog, error) {
	byName := make(map[string]Voice)
	for _, name := range extra {
		if name = strings.TrimSpace(name); name != "" {
			byName[name] = Voice{Name: name}
		}
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read voice dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ModelExt) {
				continue
			}
			model := filepath.Join(dir, e.Name())
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			byName[name] = Voice{Name: name, ModelPath: model, ConfigPath: findConfig(model)}
		}
	}

	c := &Catalog{voices: make([]Voice, 0, len(byName))}
	for _, v := range byName {
		c.voices = append(c.voices, v)
	}
	sort.Slice(c.voices, func(i, j int) bool { return c.voices[i].Name < c.voices[j].Name })
	return c, nil
}

// findConfig looks for the model's json config next to it: model.onnx.json,
// then model.json.
func findConfig(model string) string {
	for _, p := range []string{
		model + ".json",
		strings.TrimSuffix(model, filepath.Ext(model)) + ".json",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Voices returns all voices in name order.
func (c *Catalog) Voices() []Voice {
	out := make([]Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// Len returns the number of voices.
func (c *Catalog) Len() int { return len(c.voices) }

// Names returns the voice names.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.voices))
	for i, v := range c.voices {
		names[i] = v.Name
	}
	return names
}

// Resolve finds a voice by exact name, ignoring case, or by the best fuzzy
// match.
func (c *Catalog) Resolve(query string) (Voice, error) {
	if len(c.voices) == 0 {
		return Voice{}, ErrNoVoices
	}
	query = strings.TrimSpace(query)
	for _, v := range c.voices {
		if strings.EqualFold(v.Name, query) {
			return v, nil
		}
	}
	if matches := c.Search(query); len(matches) > 0 {
		return matches[0], nil
	}
	return Voice{}, fmt.Errorf("%w: %q", ErrNotFound, query)
}

// Search returns the voices fuzzily matching query, best first.
func (c *Catalog) Search(query string) []Voice {
	if query == "" {
		return c.Voices()
	}
	matches := fuzzy.Find(query, c.Names())
	out := make([]Voice, 0, len(matches))
	for _, m := range matches {
		out = append(out, c.voices[m.Index])
	}
	return out
}

// Validate checks that an installed voice's files are readable.
func Validate(v Voice) error {
	if !v.Installed() {
		return nil
	}
	if _, err := os.Stat(v.ModelPath); err != nil {
		return fmt.Errorf("model file not accessible: %w", err)
	}
	if v.ConfigPath != "" {
		if _, err := os.Stat(v.ConfigPath); err != nil {
			return fmt.Errorf("model config not accessible: %w", err)
		}
	}
	return nil
}
