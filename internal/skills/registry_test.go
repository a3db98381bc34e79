package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func testDescriptor(id string) *Descriptor {
	return &Descriptor{
		ID:          id,
		Name:        id,
		Description: "desc",
		Version:     "latest",
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(testDescriptor("pdf")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Get("pdf")
	if got == nil {
		t.Fatal("expected descriptor, got nil")
	}
	if got.ID != "pdf" {
		t.Errorf("expected id pdf, got %q", got.ID)
	}
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(testDescriptor("dup")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Register(testDescriptor("dup")); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	if r.Get("nope") != nil {
		t.Error("expected nil for missing skill")
	}
}

func TestRegistry_AllPreservesOrder(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := r.Register(testDescriptor(id)); err != nil {
			t.Fatal(err)
		}
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 skills, got %d", len(all))
	}
	// Registration order, not alphabetical: it is the candidate rank.
	if all[0].ID != "charlie" || all[1].ID != "alpha" || all[2].ID != "bravo" {
		t.Errorf("unexpected order: %v, %v, %v", all[0].ID, all[1].ID, all[2].ID)
	}

	names := r.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "bravo" || names[2] != "charlie" {
		t.Errorf("unexpected name order: %v", names)
	}
}

func TestRegistry_Select(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Register(testDescriptor(id)); err != nil {
			t.Fatal(err)
		}
	}

	sel, err := r.Select([]string{"c", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sel) != 2 || sel[0].ID != "c" || sel[1].ID != "a" {
		t.Errorf("unexpected selection: %v", sel)
	}

	if _, err := r.Select([]string{"missing"}); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()

	writeBundle(t, dir, "pdf", pdfSkillMD, map[string]string{
		"scripts/extract.py": "print('hello')",
	})
	// Invalid bundle: SKILL.md without frontmatter
	writeBundle(t, dir, "broken", "# no frontmatter\n", nil)
	// Not a bundle: plain file
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# skills"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Not a bundle: directory without SKILL.md
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.Get("pdf") == nil {
		t.Error("expected pdf skill to be loaded")
	}
	if len(r.All()) != 1 {
		t.Errorf("expected 1 skill, got %d", len(r.All()))
	}
}

func TestRegistry_LoadDir_MissingDir(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadDir("/nonexistent/path/skills"); err != nil {
		t.Errorf("expected nil for missing dir, got: %v", err)
	}
}
