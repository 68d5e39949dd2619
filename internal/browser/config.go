package browser

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/devices"
)

// BrowserConfig holds browser configuration.
type BrowserConfig struct {
	Dir          string `json:"dir" toml:"dir"`                   // Browser data directory (empty = ~/.centerhelper/browser)
	AutoDownload bool   `json:"autoDownload" toml:"autoDownload"` // Download Chromium if missing
	Headless     bool   `json:"headless" toml:"headless"`
	NoSandbox    bool   `json:"noSandbox" toml:"noSandbox"` // Needed for Docker/root
	Profile      string `json:"profile" toml:"profile"`     // Profile name; "chrome" attaches to ChromeCDP
	Timeout      string `json:"timeout" toml:"timeout"`     // Navigation timeout (e.g., "30s")
	Stealth      bool   `json:"stealth" toml:"stealth"`
	Device       string `json:"device" toml:"device"`       // Device emulation: "clear", "laptop", ...
	ChromeCDP    string `json:"chromeCDP" toml:"chromeCDP"` // CDP endpoint for profile="chrome" (default: ws://localhost:9222)

	// AllowedHosts limits what the coordinator may open. Subdomains match.
	AllowedHosts []string `json:"allowedHosts" toml:"allowedHosts"`
	// AllowPrivate skips the private-address check, for local test pages.
	AllowPrivate bool `json:"allowPrivate" toml:"allowPrivate"`
}

// DefaultBrowserConfig returns the default browser configuration
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		AutoDownload: true,
		Headless:     true,
		Profile:      "default",
		Timeout:      "30s",
		Stealth:      true,
		Device:       "clear",
		AllowedHosts: []string{"wafid.com"},
	}
}

// ResolveDir returns the browser directory, defaulting to ~/.centerhelper/browser
func (c *BrowserConfig) ResolveDir(homeDir string) string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(homeDir, ".centerhelper", "browser")
}

// ResolveBinDir returns the chromium binary directory
func (c *BrowserConfig) ResolveBinDir(homeDir string) string {
	return filepath.Join(c.ResolveDir(homeDir), "bin")
}

// ResolveProfilesDir returns the profiles directory
func (c *BrowserConfig) ResolveProfilesDir(homeDir string) string {
	return filepath.Join(c.ResolveDir(homeDir), "profiles")
}

// ResolveTimeout returns the timeout as a Duration
func (c *BrowserConfig) ResolveTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ResolveDevice returns the devices.Device for the configured device name.
// Unknown names mean no emulation.
func (c *BrowserConfig) ResolveDevice() devices.Device {
	switch strings.ToLower(c.Device) {
	case "laptop", "laptop-mdpi":
		return devices.LaptopWithMDPIScreen
	case "laptop-hidpi":
		return devices.LaptopWithHiDPIScreen
	case "ipad":
		return devices.IPad
	case "pixel-2":
		return devices.Pixel2
	default:
		return devices.Clear
	}
}
