package container

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspace_NodeDir(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "run-1"))
	if err != nil {
		t.Fatal(err)
	}

	dir, err := ws.NodeDir("pdf")
	if err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"scripts", "inputs", "outputs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected %s directory, got %v", sub, err)
		}
	}

	if ws.OutputsDir("pdf") != filepath.Join(dir, "outputs") {
		t.Errorf("unexpected outputs dir %s", ws.OutputsDir("pdf"))
	}
}

func TestWorkspace_SanitizesID(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir, err := ws.NodeDir("pdf@latest/../evil")
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(ws.Root, dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(rel) != "." {
		t.Errorf("node dir escaped the workspace: %s", rel)
	}
}

func TestStageFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "script.py")
	if err := os.WriteFile(src, []byte("print('x')"), 0o644); err != nil {
		t.Fatal(err)
	}

	dstDir := filepath.Join(dir, "staged")
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		t.Fatal(err)
	}

	dst, err := StageFile(src, dstDir)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print('x')" {
		t.Errorf("unexpected staged content %q", data)
	}
}
