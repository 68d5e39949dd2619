// Package paths provides centralized path resolution for centerhelper.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigNames are the recognised config file names, in lookup order.
var ConfigNames = []string{"centerhelper.json", "centerhelper.toml"}

// BaseDir returns the centerhelper base directory (~/.centerhelper).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".centerhelper"), nil
}

// DataPath returns a path within the data directory (~/.centerhelper/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config file.
// Priority: ./centerhelper.{json,toml} > ~/.centerhelper/centerhelper.{json,toml}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	return configPathIn(".")
}

func configPathIn(localDir string) (string, error) {
	for _, name := range ConfigNames {
		local := filepath.Join(localDir, name)
		if _, err := os.Stat(local); err == nil {
			abs, err := filepath.Abs(local)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return abs, nil
		}
	}
	for _, name := range ConfigNames {
		global, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(global); err == nil {
			return global, nil
		}
	}
	return "", nil
}

// DefaultJournalPath returns ~/.centerhelper/journal.db.
func DefaultJournalPath() (string, error) {
	return DataPath("journal.db")
}

// PIDFile returns the daemon pid file path.
func PIDFile() (string, error) {
	return DataPath("centerhelper.pid")
}

// LogFile returns the daemon log file path.
func LogFile() (string, error) {
	return DataPath("centerhelper.log")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
