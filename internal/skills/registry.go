package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Registry manages loaded skill descriptors.
type Registry struct {
	skills map[string]*Descriptor
	order  []string // registration order, used as candidate rank
}

// NewRegistry creates a new skill registry.
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]*Descriptor),
	}
}

// LoadDir scans a directory for skill bundles (subdirectories containing a
// SKILL.md) and loads them. Bundles that fail to load are logged and skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("skills directory not found, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		bundle := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(bundle, descriptorFile)); err != nil {
			continue
		}

		d, err := LoadBundle(bundle)
		if err != nil {
			slog.Warn("failed to load skill bundle", "dir", bundle, "error", err)
			continue
		}

		if err := r.Register(d); err != nil {
			slog.Warn("failed to register skill", "id", d.ID, "error", err)
			continue
		}
	}

	return nil
}

// Register adds a descriptor to the registry.
func (r *Registry) Register(d *Descriptor) error {
	if _, exists := r.skills[d.ID]; exists {
		return fmt.Errorf("skill %q already registered", d.ID)
	}
	r.skills[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the descriptor with the given id, or nil.
func (r *Registry) Get(id string) *Descriptor {
	return r.skills[id]
}

// All returns all registered descriptors in registration order.
func (r *Registry) All() []*Descriptor {
	result := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.skills[id])
	}
	return result
}

// Names returns all registered skill ids sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.skills))
	for id := range r.skills {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Select returns descriptors for the given ids in the given order.
// Unknown ids produce an error.
func (r *Registry) Select(ids []string) ([]*Descriptor, error) {
	result := make([]*Descriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := r.skills[id]
		if !ok {
			return nil, fmt.Errorf("skill %q not found", id)
		}
		result = append(result, d)
	}
	return result, nil
}
