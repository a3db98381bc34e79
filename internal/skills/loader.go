package skills

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const descriptorFile = "SKILL.md"

// ignorePatterns are bundle files excluded from the manifest.
var ignorePatterns = []string{
	".git/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/.DS_Store",
	"**/node_modules/**",
}

// frontmatter is the YAML header of a SKILL.md file.
type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Tags        []string `yaml:"tags"`
	Requires    []string `yaml:"requires"`
}

// LoadBundle reads a skill bundle directory and builds its descriptor.
func LoadBundle(dir string) (*Descriptor, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle dir %s: %w", dir, err)
	}

	data, err := os.ReadFile(filepath.Join(abs, descriptorFile))
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", descriptorFile, dir, err)
	}

	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", descriptorFile, dir, err)
	}

	d := &Descriptor{
		ID:          filepath.Base(abs),
		Name:        fm.Name,
		Description: fm.Description,
		Version:     fm.Version,
		Tags:        fm.Tags,
		Requires:    fm.Requires,
		Summary:     body,
		Dir:         abs,
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Version == "" {
		d.Version = "latest"
	}
	if d.Description == "" {
		return nil, fmt.Errorf("skill %q: description is required", d.ID)
	}

	if err := d.buildManifest(); err != nil {
		return nil, err
	}
	return d, nil
}

// splitFrontmatter separates the YAML header (delimited by "---" lines) from
// the markdown body.
func splitFrontmatter(data []byte) (frontmatter, string, error) {
	var fm frontmatter

	trimmed := bytes.TrimLeft(data, "\uFEFF\n\r ")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return fm, "", fmt.Errorf("missing frontmatter delimiter")
	}

	rest := trimmed[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter")
	}

	header := rest[:end]
	body := rest[end+4:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}

	if err := yaml.Unmarshal(header, &fm); err != nil {
		return fm, "", fmt.Errorf("frontmatter yaml: %w", err)
	}
	return fm, strings.TrimSpace(string(body)), nil
}

// buildManifest walks the bundle directory and classifies every file.
func (d *Descriptor) buildManifest() error {
	return filepath.WalkDir(d.Dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel == descriptorFile || ignored(rel) {
			return nil
		}

		d.Manifest = append(d.Manifest, ManifestEntry{
			Path: rel,
			Kind: KindForPath(rel),
		})
		return nil
	})
}

func ignored(rel string) bool {
	for _, pattern := range ignorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
