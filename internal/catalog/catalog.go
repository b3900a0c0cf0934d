// Package catalog maintains the set of known model descriptors: entries
// declared in manifest files plus loose model files discovered on disk.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"runtimed/pkg/types"
)

// Catalog is the descriptor registry. Descriptors are immutable once added.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]types.ModelDescriptor
	order []string
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{byID: make(map[string]types.ModelDescriptor)}
}

// LoadDir builds a catalog from a models directory. Every "*.manifest.json"
// file declares one downloadable model; loose *.gguf / *.bin / *.onnx files
// become local descriptors with the filename as id (no URL, no checksum).
func LoadDir(dir string) (*Catalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	c := New()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		p := filepath.Join(abs, name)
		switch {
		case strings.HasSuffix(lower, ".manifest.json"):
			d, err := readManifest(p)
			if err != nil {
				return nil, fmt.Errorf("manifest %s: %w", name, err)
			}
			if err := c.Add(d); err != nil {
				return nil, err
			}
		case strings.HasSuffix(lower, ".gguf"), strings.HasSuffix(lower, ".bin"), strings.HasSuffix(lower, ".onnx"):
			info, err := e.Info()
			if err != nil {
				continue
			}
			d := types.ModelDescriptor{
				ID:        name,
				Name:      name,
				Format:    formatForFile(lower),
				SizeBytes: info.Size(),
				RAMBytes:  info.Size(),
			}
			if err := c.Add(d); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Add registers a descriptor. Adding the same id with identical content is a
// no-op; a different descriptor under an existing id is rejected.
func (c *Catalog) Add(d types.ModelDescriptor) error {
	if d.ID == "" {
		return types.NewError(types.KindInvalidState, "descriptor id is required")
	}
	if d.Format == "" {
		return types.Errorf(types.KindInvalidState, "descriptor %s has no format", d.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byID[d.ID]; ok {
		if prev == d {
			return nil
		}
		return types.Errorf(types.KindInvalidState, "descriptor %s already registered with different content", d.ID)
	}
	c.byID[d.ID] = d
	c.order = append(c.order, d.ID)
	return nil
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (types.ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

// List returns descriptors in registration order.
func (c *Catalog) List() []types.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ModelDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func readManifest(path string) (types.ModelDescriptor, error) {
	var d types.ModelDescriptor
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	return d, nil
}

// formatForFile maps a loose model filename to a descriptor format.
// whisper.cpp ships ggml-*.bin files; piper voices are onnx; everything
// else with a model extension is treated as a GGUF LLM.
func formatForFile(lower string) types.ModelFormat {
	base := filepath.Base(lower)
	switch {
	case strings.HasSuffix(lower, ".onnx"):
		return types.FormatPiperTTS
	case strings.HasPrefix(base, "ggml-") && strings.HasSuffix(lower, ".bin"):
		return types.FormatWhisperSTT
	default:
		return types.FormatGGUFLLM
	}
}
