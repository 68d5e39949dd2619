package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// Downloader fetches and locates the Chromium build rod pins.
type Downloader struct {
	binDir  string
	mu      sync.Mutex
	binPath string // cached once found
}

// NewDownloader creates a downloader rooted at binDir.
func NewDownloader(binDir string) *Downloader {
	return &Downloader{binDir: binDir}
}

// EnsureBrowser ensures Chromium is downloaded and returns the path to the binary.
// This is safe to call concurrently.
func (d *Downloader) EnsureBrowser() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.binPath != "" {
		if _, err := os.Stat(d.binPath); err == nil {
			return d.binPath, nil
		}
		d.binPath = ""
	}

	if err := os.MkdirAll(d.binDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create browser bin directory: %w", err)
	}
	L_debug("browser: ensuring chromium", "binDir", d.binDir)

	b := launcher.NewBrowser()
	b.RootDir = d.binDir
	// No-op when the pinned revision is already present.
	binPath, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download browser: %w", err)
	}

	d.binPath = binPath
	L_info("browser: chromium ready", "path", binPath)
	return binPath, nil
}

// IsDownloaded returns true if the browser has been downloaded
func (d *Downloader) IsDownloaded() bool {
	_, err := d.FindExistingBrowser()
	return err == nil
}

// ForceDownload downloads the browser even if it already exists
func (d *Downloader) ForceDownload() (string, error) {
	d.mu.Lock()
	d.binPath = ""
	d.mu.Unlock()
	return d.EnsureBrowser()
}

// FindExistingBrowser looks for an existing browser binary in the bin directory
func (d *Downloader) FindExistingBrowser() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.binPath != "" {
		if _, err := os.Stat(d.binPath); err == nil {
			return d.binPath, nil
		}
	}

	entries, err := os.ReadDir(d.binDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("browser not downloaded: bin directory does not exist")
		}
		return "", fmt.Errorf("failed to read bin directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidates := []string{
			filepath.Join(d.binDir, entry.Name(), "chrome"),
			filepath.Join(d.binDir, entry.Name(), "chrome.exe"),
			filepath.Join(d.binDir, entry.Name(), "Chromium.app", "Contents", "MacOS", "Chromium"),
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				d.binPath = candidate
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("browser not downloaded: no chromium binary found in %s", d.binDir)
}
