package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// ExternalProfile attaches to a browser the user already runs.
const ExternalProfile = "chrome"

// cleanupStaleLocks removes Chrome lock files left behind by crashed sessions.
// Chrome refuses to start if SingletonLock or other lock files exist.
func cleanupStaleLocks(profileDir string) {
	for _, lockFile := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Lstat(lockPath); err != nil {
			continue
		}
		if err := os.Remove(lockPath); err != nil {
			L_warn("browser: failed to remove stale lock file", "file", lockPath, "error", err)
		} else {
			L_info("browser: removed stale lock file", "file", lockPath)
		}
	}
}

// Manager owns the browser process the coordinator opens tabs in.
type Manager struct {
	config     BrowserConfig
	downloader *Downloader
	profiles   *ProfileManager

	mu      sync.Mutex
	browser *rod.Browser
}

// NewManager prepares download and profile directories under homeDir.
// The browser itself starts on first use.
func NewManager(cfg BrowserConfig, homeDir string) *Manager {
	binDir := cfg.ResolveBinDir(homeDir)
	profilesDir := cfg.ResolveProfilesDir(homeDir)
	L_debug("browser: manager initialized",
		"binDir", binDir,
		"profilesDir", profilesDir,
		"autoDownload", cfg.AutoDownload,
		"stealth", cfg.Stealth,
	)
	return &Manager{
		config:     cfg,
		downloader: NewDownloader(binDir),
		profiles:   NewProfileManager(profilesDir),
	}
}

// Config returns the manager's configuration.
func (m *Manager) Config() BrowserConfig { return m.config }

// Profiles returns the profile manager.
func (m *Manager) Profiles() *ProfileManager { return m.profiles }

// Downloader returns the downloader.
func (m *Manager) Downloader() *Downloader { return m.downloader }

// EnsureReady makes sure a browser binary is available.
func (m *Manager) EnsureReady() error {
	if m.config.Profile == ExternalProfile {
		return nil
	}
	if !m.config.AutoDownload {
		if _, err := m.downloader.FindExistingBrowser(); err != nil {
			return fmt.Errorf("browser not available and autoDownload is disabled: %w", err)
		}
		return nil
	}
	_, err := m.downloader.EnsureBrowser()
	return err
}

// Browser returns the running browser, launching or reconnecting as needed.
func (m *Manager) Browser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if connected(m.browser) {
			return m.browser, nil
		}
		L_debug("browser: existing browser disconnected, recreating")
		m.browser = nil
	}

	var (
		b   *rod.Browser
		err error
	)
	if m.config.Profile == ExternalProfile {
		b, err = m.connectExternal()
	} else {
		b, err = m.launch(m.config.Headless)
	}
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

// connected wraps a version call; rod panics when the CDP client is gone.
func connected(b *rod.Browser) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			L_debug("browser: connection check panicked, browser is dead", "panic", r)
			ok = false
		}
	}()
	_, err := b.Call(context.Background(), "", "Browser.getVersion", nil)
	return err == nil
}

func (m *Manager) launch(headless bool) (*rod.Browser, error) {
	if err := m.EnsureReady(); err != nil {
		return nil, err
	}
	binPath, err := m.downloader.FindExistingBrowser()
	if err != nil {
		return nil, err
	}
	profileDir, err := m.profiles.EnsureProfile(m.config.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}
	cleanupStaleLocks(profileDir)

	L_debug("browser: launching browser", "profile", m.config.Profile, "profileDir", profileDir, "headless", headless)

	l := launcher.New().
		Bin(binPath).
		UserDataDir(profileDir).
		Headless(headless).
		Set("disable-dev-shm-usage")
	if !headless {
		l = l.Set("window-size", "1920,1080").Set("start-maximized")
	}
	if m.config.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	if m.config.NoSandbox {
		l = l.Set("no-sandbox")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	b.DefaultDevice(m.config.ResolveDevice())

	L_info("browser: launched", "profile", m.config.Profile, "controlURL", controlURL)
	return b, nil
}

func (m *Manager) connectExternal() (*rod.Browser, error) {
	endpoint := m.config.ChromeCDP
	if endpoint == "" {
		endpoint = "ws://localhost:9222"
	}
	L_info("browser: connecting to Chrome", "endpoint", endpoint)

	b := rod.New().ControlURL(endpoint)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome at %s: %w", endpoint, err)
	}
	return b, nil
}

func (m *Manager) newPage(b *rod.Browser) (*rod.Page, error) {
	if m.config.Stealth {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{})
}

// Open creates a tab and starts navigating it to rawURL. It does not wait
// for the load event; callers use Tab.WaitLoad.
func (m *Manager) Open(ctx context.Context, rawURL string) (*Tab, error) {
	if err := CheckOpen(rawURL, m.config); err != nil {
		return nil, err
	}
	b, err := m.Browser()
	if err != nil {
		return nil, err
	}
	page, err := m.newPage(b)
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	L_debug("browser: navigating", "url", rawURL)
	navCtx, cancel := context.WithTimeout(ctx, m.config.ResolveTimeout())
	defer cancel()
	if err := page.Context(navCtx).Navigate(rawURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return NewTab(page, rawURL), nil
}

// LaunchHeaded starts a visible browser on the configured profile, for
// watching or finishing a run by hand. The caller owns the returned browser.
func (m *Manager) LaunchHeaded(startURL string) (*rod.Browser, *rod.Page, error) {
	b, err := m.launch(false)
	if err != nil {
		return nil, nil, err
	}
	page, err := m.newPage(b)
	if err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("failed to create page: %w", err)
	}
	if startURL != "" {
		if err := page.Navigate(startURL); err != nil {
			L_warn("browser: failed to navigate to start URL", "url", startURL, "error", err)
		}
	}
	return b, page, nil
}

// Close shuts the managed browser down. An external browser is only
// disconnected from.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return
	}
	if m.config.Profile == ExternalProfile {
		L_debug("browser: leaving external browser running")
	} else if err := m.browser.Close(); err != nil {
		L_debug("browser: close", "error", err)
	}
	m.browser = nil
	L_info("browser: closed")
}

// PageCount reports how many tabs the managed browser has open.
func (m *Manager) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return 0
	}
	pages, err := m.browser.Pages()
	if err != nil {
		return 0
	}
	return len(pages)
}

// NewTab wraps a page that is navigating to url.
func NewTab(page *rod.Page, url string) *Tab {
	return &Tab{page: page, url: url, opTimeout: DefaultOpTimeout}
}

// Tab is one opened page.
type Tab struct {
	page      *rod.Page
	url       string
	opTimeout time.Duration

	mu  sync.Mutex
	doc *PageDocument
}

// URL returns the page's current URL, or the requested one if the page
// cannot be asked.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil || info == nil {
		return t.url
	}
	return info.URL
}

// WaitLoad waits for the load event and a short quiet period, then attaches
// the document backend.
func (t *Tab) WaitLoad(ctx context.Context) error {
	start := time.Now()
	if err := t.page.Context(ctx).WaitLoad(); err != nil {
		return err
	}
	L_trace("browser: page loaded", "took", time.Since(start))

	stable := t.page.Context(ctx).Timeout(3 * time.Second)
	if err := stable.WaitStable(500 * time.Millisecond); err != nil {
		L_debug("browser: stability wait timeout", "url", t.url, "took", time.Since(start))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc != nil {
		return nil
	}
	doc, err := NewPageDocument(t.page, t.opTimeout)
	if err != nil {
		return err
	}
	t.doc = doc
	return nil
}

// Document returns the live document, or nil before WaitLoad succeeded.
func (t *Tab) Document() dom.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc == nil {
		return nil
	}
	return t.doc
}

// Close detaches the document and closes the page.
func (t *Tab) Close() error {
	t.mu.Lock()
	doc := t.doc
	t.doc = nil
	t.mu.Unlock()
	if doc != nil {
		doc.Close()
	}
	return t.page.Close()
}
