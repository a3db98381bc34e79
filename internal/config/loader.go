package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/marcozac/go-jsonc"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	// Strip JSONC comments and unmarshal
	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with all defaults applied, for running without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if len(cfg.Skills.Dirs) == 0 {
		cfg.Skills.Dirs = []string{filepath.Join(MaestroPath(), "skills")}
	}
	if cfg.Runner.MaxParallel <= 0 {
		cfg.Runner.MaxParallel = 4
	}
	if cfg.Runner.MaxRetries < 0 {
		cfg.Runner.MaxRetries = 0
	}
	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = Duration(30 * time.Minute)
	}
	if cfg.Container.Backend == "" {
		if v := os.Getenv("MAESTRO_BACKEND"); v != "" {
			cfg.Container.Backend = v
		} else {
			cfg.Container.Backend = "local"
		}
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = "python:3.12-slim"
	}
	if cfg.Container.Timeout == 0 {
		cfg.Container.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Storage.HistoryDB == "" {
		cfg.Storage.HistoryDB = filepath.Join(MaestroPath(), "history.db")
	}
	if cfg.Storage.RunsDir == "" {
		cfg.Storage.RunsDir = filepath.Join(MaestroPath(), "runs")
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
