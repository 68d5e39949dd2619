package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// ProfileInfo describes a browser profile on disk.
type ProfileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"lastUsed"`
}

// ProfileManager handles browser profile directories. A profile keeps the
// site's cookies between runs, so a logged-in session survives restarts.
type ProfileManager struct {
	profilesDir string
}

// NewProfileManager creates a new profile manager
func NewProfileManager(profilesDir string) *ProfileManager {
	return &ProfileManager{profilesDir: profilesDir}
}

func (m *ProfileManager) dir(name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(m.profilesDir, name)
}

// EnsureProfile creates the profile directory if needed and returns it.
func (m *ProfileManager) EnsureProfile(name string) (string, error) {
	profileDir := m.dir(name)
	if err := os.MkdirAll(profileDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	L_debug("browser: ensured profile", "name", name, "path", profileDir)
	return profileDir, nil
}

// ListProfiles returns every profile, sorted by name.
func (m *ProfileManager) ListProfiles() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(m.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var profiles []ProfileInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := ProfileInfo{Name: entry.Name(), Path: filepath.Join(m.profilesDir, entry.Name())}
		_ = filepath.Walk(info.Path, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !fi.IsDir() {
				info.Size += fi.Size()
			}
			if fi.ModTime().After(info.LastUsed) {
				info.LastUsed = fi.ModTime()
			}
			return nil
		})
		profiles = append(profiles, info)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// ClearProfile removes all data from a profile but keeps the directory.
func (m *ProfileManager) ClearProfile(name string) error {
	profileDir := m.dir(name)
	entries, err := os.ReadDir(profileDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("profile does not exist: %s", name)
		}
		return fmt.Errorf("failed to read profile directory: %w", err)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(profileDir, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			L_warn("browser: failed to remove profile entry", "path", entryPath, "error", err)
		}
	}
	L_info("browser: cleared profile", "name", name)
	return nil
}

// FormatSize returns a human-readable size string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
