package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResourceLoadError indicates a bundle file could not be read: it is missing,
// unreadable, or outside the manifest boundary. Loads are never retried.
type ResourceLoadError struct {
	SkillID string
	Path    string
	Cause   error
}

func (e *ResourceLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("skill %s: load %s: %v", e.SkillID, e.Path, e.Cause)
	}
	return fmt.Sprintf("skill %s: load %s: not in manifest", e.SkillID, e.Path)
}

func (e *ResourceLoadError) Unwrap() error { return e.Cause }

// Store reads bundle file contents on demand. Every read is checked against
// the bundle manifest so a plan can never reach outside its own bundle.
type Store struct{}

// NewStore creates a bundle content store.
func NewStore() *Store {
	return &Store{}
}

// Read returns the content of a manifest file.
func (s *Store) Read(d *Descriptor, rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if strings.HasPrefix(clean, "../") || filepath.IsAbs(rel) {
		return "", &ResourceLoadError{SkillID: d.ID, Path: rel}
	}
	if !d.HasPath(clean) {
		return "", &ResourceLoadError{SkillID: d.ID, Path: rel}
	}

	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.FromSlash(clean)))
	if err != nil {
		return "", &ResourceLoadError{SkillID: d.ID, Path: clean, Cause: err}
	}
	return string(data), nil
}

// AbsPath returns the absolute path of a manifest file without reading it.
func (s *Store) AbsPath(d *Descriptor, rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if strings.HasPrefix(clean, "../") || filepath.IsAbs(rel) || !d.HasPath(clean) {
		return "", &ResourceLoadError{SkillID: d.ID, Path: rel}
	}
	return filepath.Join(d.Dir, filepath.FromSlash(clean)), nil
}
