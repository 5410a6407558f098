// Package capabilities holds the read-only table of which input modalities
// each model accepts.
package capabilities

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Modality is an input content type beyond plain text
type Modality string

const (
	ModalityImage    Modality = "image"
	ModalityAudio    Modality = "audio"
	ModalityVideo    Modality = "video"
	ModalityDocument Modality = "document"
)

var allMedia = []Modality{ModalityImage, ModalityAudio, ModalityVideo, ModalityDocument}

// Table maps model ids to their supported modalities. It is safe for
// concurrent use; Watch swaps its contents when the override file changes.
type Table struct {
	mu     sync.RWMutex
	models map[string]map[Modality]bool
}

// Default returns the built-in table covering the backend models and the
// two routing aliases.
func Default() *Table {
	t := &Table{models: make(map[string]map[Modality]bool)}
	for _, id := range []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-3-pro-preview",
		"gemini-3-flash-preview",
		"pro-auto",
		"flash-auto",
	} {
		t.Set(id, allMedia...)
	}
	return t
}

// Set replaces the modalities for a model, registering it if new.
func (t *Table) Set(model string, modalities ...Modality) {
	m := make(map[Modality]bool, len(modalities))
	for _, mod := range modalities {
		m[mod] = true
	}
	t.mu.Lock()
	t.models[model] = m
	t.mu.Unlock()
}

// Known reports whether the model is in the table.
func (t *Table) Known(model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.models[model]
	return ok
}

// IsModalitySupported reports whether the model accepts the modality.
// Unknown models support nothing.
func (t *Table) IsModalitySupported(model string, modality Modality) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mods, ok := t.models[model]
	if !ok {
		return false
	}
	return mods[modality]
}

// Models returns the known model ids in sorted order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.models))
	for id := range t.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// replace swaps in the contents of other.
func (t *Table) replace(other *Table) {
	other.mu.RLock()
	models := other.models
	other.mu.RUnlock()

	t.mu.Lock()
	t.models = models
	t.mu.Unlock()
}

type fileFormat struct {
	Models map[string][]Modality `yaml:"models"`
}

// LoadFile reads a YAML override of the form
//
//	models:
//	  gemini-2.5-pro: [image, audio]
//
// on top of the defaults. Listed models replace their default entry.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities file: %w", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse capabilities file: %w", err)
	}

	t := Default()
	for model, mods := range ff.Models {
		for _, m := range mods {
			switch m {
			case ModalityImage, ModalityAudio, ModalityVideo, ModalityDocument:
			default:
				return nil, fmt.Errorf("model %s: unknown modality %q", model, m)
			}
		}
		t.Set(model, mods...)
	}
	return t, nil
}
