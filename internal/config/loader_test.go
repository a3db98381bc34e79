package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"runner": {
		"max_parallel": 8,
		"max_retries": 2,
		"stop_on_failure": true
	},
	"container": {
		"backend": "docker",
		"image": "python:3.11",
		"timeout": "90s",
		"memory_mb": 512
	},
	"models": {
		"default": "claude",
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-20250514",
				"auth": {
					"api_key": "${{ .Env.ANTHROPIC_API_KEY }}"
				},
				"max_tokens": 4096
			}
		}
	}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "test-key-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Runner.MaxParallel != 8 {
		t.Errorf("expected max_parallel 8, got %d", cfg.Runner.MaxParallel)
	}
	if cfg.Runner.MaxRetries != 2 {
		t.Errorf("expected max_retries 2, got %d", cfg.Runner.MaxRetries)
	}
	if !cfg.Runner.StopOnFailure {
		t.Error("expected stop_on_failure true")
	}
	if cfg.Container.Backend != "docker" {
		t.Errorf("expected backend docker, got %s", cfg.Container.Backend)
	}
	if cfg.Container.Timeout.Duration() != 90*time.Second {
		t.Errorf("expected container timeout 90s, got %s", cfg.Container.Timeout.Duration())
	}
	if cfg.Container.MemoryMB != 512 {
		t.Errorf("expected memory_mb 512, got %d", cfg.Container.MemoryMB)
	}
	if cfg.Models.Default != "claude" {
		t.Errorf("expected default claude, got %s", cfg.Models.Default)
	}

	p, ok := cfg.Models.Providers["claude"]
	if !ok {
		t.Fatal("expected claude provider")
	}
	if p.Auth.APIKey != "test-key-123" {
		t.Errorf("expected api_key test-key-123, got %s", p.Auth.APIKey)
	}
	if p.MaxTokens != 4096 {
		t.Errorf("expected max_tokens 4096, got %d", p.MaxTokens)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAESTRO_PATH", dir)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Runner.MaxParallel != 4 {
		t.Errorf("expected default max_parallel 4, got %d", cfg.Runner.MaxParallel)
	}
	if cfg.Container.Backend != "local" {
		t.Errorf("expected default backend local, got %s", cfg.Container.Backend)
	}
	if cfg.Container.Timeout.Duration() != 5*time.Minute {
		t.Errorf("expected default container timeout 5m, got %s", cfg.Container.Timeout.Duration())
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
	wantSkills := filepath.Join(dir, "skills")
	if len(cfg.Skills.Dirs) != 1 || cfg.Skills.Dirs[0] != wantSkills {
		t.Errorf("expected skills dirs [%s], got %v", wantSkills, cfg.Skills.Dirs)
	}
	if cfg.Storage.HistoryDB != filepath.Join(dir, "history.db") {
		t.Errorf("unexpected history db %s", cfg.Storage.HistoryDB)
	}
}

func TestLoadBackendFromEnv(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAESTRO_BACKEND", "docker")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Container.Backend != "docker" {
		t.Errorf("expected backend docker from env, got %s", cfg.Container.Backend)
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
