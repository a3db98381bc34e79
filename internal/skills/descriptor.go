// Package skills loads and indexes skill bundles.
//
// A skill bundle is a directory containing a SKILL.md file (YAML frontmatter
// plus a markdown body) and any number of scripts, reference documents and
// resource files. Only the descriptor is held in memory; file contents are
// read on demand through the Store.
package skills

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a manifest entry.
type Kind string

const (
	KindScript    Kind = "script"    // executable: .py, .sh, .js
	KindReference Kind = "reference" // documentation: .md
	KindResource  Kind = "resource"  // everything else: templates, schemas, data
)

// ManifestEntry is a single file inside a skill bundle, relative to the
// bundle directory.
type ManifestEntry struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// Descriptor is the lightweight, always-in-memory summary of a skill bundle.
type Descriptor struct {
	ID          string   `json:"id"`   // bundle directory name
	Name        string   `json:"name"` // display name from frontmatter
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags,omitempty"`
	Requires    []string `json:"requires,omitempty"` // declared upstream skill ids

	// Summary is the SKILL.md markdown body.
	Summary string `json:"-"`

	// Dir is the absolute bundle directory.
	Dir string `json:"-"`

	Manifest []ManifestEntry `json:"manifest"`
}

// Paths returns the manifest paths of the given kind, sorted.
func (d *Descriptor) Paths(kind Kind) []string {
	var out []string
	for _, e := range d.Manifest {
		if e.Kind == kind {
			out = append(out, e.Path)
		}
	}
	sort.Strings(out)
	return out
}

// HasPath reports whether rel is listed in the manifest.
func (d *Descriptor) HasPath(rel string) bool {
	for _, e := range d.Manifest {
		if e.Path == rel {
			return true
		}
	}
	return false
}

// String returns a human-readable representation of the descriptor.
func (d *Descriptor) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s@%s", d.ID, d.Version))
	if n := len(d.Paths(KindScript)); n > 0 {
		sb.WriteString(fmt.Sprintf(", %d scripts", n))
	}
	return sb.String()
}

// KindForPath classifies a bundle file by extension.
func KindForPath(path string) Kind {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".py"),
		strings.HasSuffix(lower, ".sh"),
		strings.HasSuffix(lower, ".js"):
		return KindScript
	case strings.HasSuffix(lower, ".md"):
		return KindReference
	default:
		return KindResource
	}
}
