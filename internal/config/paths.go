package config

import (
	"os"
	"path/filepath"
)

// MaestroPath returns the root directory for Maestro data.
// It uses $MAESTRO_PATH if set, otherwise defaults to ~/.maestro.
func MaestroPath() string {
	if v := os.Getenv("MAESTRO_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".maestro")
	}
	return filepath.Join(home, ".maestro")
}

// ConfigPath returns the path to the Maestro config file.
func ConfigPath() string {
	return filepath.Join(MaestroPath(), "config.jsonc")
}

// DotenvPath returns the path to the Maestro .env file.
func DotenvPath() string {
	return filepath.Join(MaestroPath(), ".env")
}
