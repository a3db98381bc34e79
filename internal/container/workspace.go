package container

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the on-disk layout of one run. Every node gets a namespaced
// directory with scripts/, inputs/ and outputs/ below it, so two skills can
// never clobber each other's files.
type Workspace struct {
	Root string
}

// NewWorkspace creates (or reuses) a run workspace rooted at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return &Workspace{Root: abs}, nil
}

// NodeDir returns the directory of a node, creating it and its
// subdirectories on first use.
func (w *Workspace) NodeDir(skillID string) (string, error) {
	dir := filepath.Join(w.Root, sanitizeID(skillID))
	for _, sub := range []string{"scripts", "inputs", "outputs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create node dir for %s: %w", skillID, err)
		}
	}
	return dir, nil
}

// ScriptsDir returns the staged-scripts directory of a node.
func (w *Workspace) ScriptsDir(skillID string) string {
	return filepath.Join(w.Root, sanitizeID(skillID), "scripts")
}

// InputsDir returns the staged-inputs directory of a node.
func (w *Workspace) InputsDir(skillID string) string {
	return filepath.Join(w.Root, sanitizeID(skillID), "inputs")
}

// OutputsDir returns the outputs directory of a node.
func (w *Workspace) OutputsDir(skillID string) string {
	return filepath.Join(w.Root, sanitizeID(skillID), "outputs")
}

// StageFile copies src into dir under the same base name and returns the
// destination path.
func StageFile(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	return dst, nil
}

// sanitizeID makes a skill id safe as a directory name.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
