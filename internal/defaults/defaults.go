// Package defaults provides embedded default configuration files and the
// platform data-directory convention used to locate orchestrator state.
//
// Layout under the data directory:
//
//	config/quality-gates.yaml
//	budgets.yaml
//	self-improvement/pending.json
//	self-improvement/history/
//	state/orchestrator-state.json
//	usage/YYYY-MM-DD.log
//
// Override the location with the CREWLY_HOME environment variable.
package defaults

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed dotcrewly/*
var defaultFiles embed.FS

// DataDir returns the directory that holds all orchestrator state.
// Defaults to ~/.crewly; set CREWLY_HOME to override.
func DataDir() (string, error) {
	if dir := os.Getenv("CREWLY_HOME"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".crewly"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist and copies
// default config files (quality-gates.yaml, budgets.yaml) if missing.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := copyDefaults(dir, false); err != nil {
		return "", err
	}

	return dir, nil
}

// Reset replaces existing config files with the embedded defaults.
// The SQLite database and persisted state snapshots are left untouched.
func Reset(dir string) error {
	return copyDefaults(dir, true)
}

// copyDefaults copies embedded default files into dir, preserving the
// embedded directory layout (quality-gates.yaml lands at config/quality-gates.yaml).
func copyDefaults(dir string, overwrite bool) error {
	return fs.WalkDir(defaultFiles, "dotcrewly", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "dotcrewly" {
			return nil
		}

		relPath := strings.TrimPrefix(path, "dotcrewly/")
		destPath := destPathFor(dir, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		if !overwrite {
			if _, err := os.Stat(destPath); err == nil {
				return nil
			}
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}

		data, err := defaultFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded %s: %w", path, err)
		}
		if err := os.WriteFile(destPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return nil
	})
}

// destPathFor maps the embedded relative path onto the data directory's
// layout: quality-gates.yaml lives under config/, everything else at the root.
func destPathFor(dir, relPath string) string {
	if relPath == "quality-gates.yaml" {
		return filepath.Join(dir, "config", relPath)
	}
	return filepath.Join(dir, relPath)
}

// GetDefault returns the content of an embedded default file by name,
// e.g. GetDefault("budgets.yaml").
func GetDefault(name string) ([]byte, error) {
	return defaultFiles.ReadFile("dotcrewly/" + name)
}
