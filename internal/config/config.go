// Package config loads centerhelper.json / centerhelper.toml and turns it into
// the option structs of the relay, coordinator, browser and journal.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/roelfdiedericks/centerhelper/internal/agent"
	"github.com/roelfdiedericks/centerhelper/internal/bridge"
	"github.com/roelfdiedericks/centerhelper/internal/browser"
	"github.com/roelfdiedericks/centerhelper/internal/coordinator"
	"github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/override"
	"github.com/roelfdiedericks/centerhelper/internal/paths"
	"github.com/roelfdiedericks/centerhelper/internal/records"
)

// ErrNoOrigins is returned when the relay would accept no page at all.
var ErrNoOrigins = errors.New("relay.allowedOrigins must not be empty")

// Config is the on-disk configuration. Durations are strings ("45s").
type Config struct {
	Relay       RelayConfig           `json:"relay" toml:"relay"`
	Coordinator CoordinatorConfig     `json:"coordinator" toml:"coordinator"`
	Agent       AgentConfig           `json:"agent" toml:"agent"`
	Runner      RunnerConfig          `json:"runner" toml:"runner"`
	Browser     browser.BrowserConfig `json:"browser" toml:"browser"`
	Webhook     WebhookConfig         `json:"webhook" toml:"webhook"`
	Journal     JournalConfig         `json:"journal" toml:"journal"`
	Logging     LoggingConfig         `json:"logging" toml:"logging"`
}

type RelayConfig struct {
	Listen         string   `json:"listen" toml:"listen"`
	AllowedOrigins []string `json:"allowedOrigins" toml:"allowedOrigins"`
	Timeout        string   `json:"timeout" toml:"timeout"`
	RatePerSecond  float64  `json:"ratePerSecond" toml:"ratePerSecond"`
	Burst          int      `json:"burst" toml:"burst"`
	Metrics        bool     `json:"metrics" toml:"metrics"`
}

type CoordinatorConfig struct {
	DefaultURL  string `json:"defaultUrl" toml:"defaultUrl"`
	LoadTimeout string `json:"loadTimeout" toml:"loadTimeout"`
	PaymentWait string `json:"paymentWait" toml:"paymentWait"`
}

type AgentConfig struct {
	ScanEvery     string          `json:"scanEvery" toml:"scanEvery"`
	OverrideEvery string          `json:"overrideEvery" toml:"overrideEvery"`
	WaitTimeout   string          `json:"waitTimeout" toml:"waitTimeout"`
	Hosts         []string        `json:"hosts" toml:"hosts"`
	PathPrefixes  []string        `json:"pathPrefixes" toml:"pathPrefixes"`
	Policy        override.Policy `json:"policy" toml:"policy"`
	// CatalogFile replaces the embedded fallback catalog (YAML or JSON).
	CatalogFile string `json:"catalogFile" toml:"catalogFile"`
}

type RunnerConfig struct {
	PollInterval string `json:"pollInterval" toml:"pollInterval"`
	PollCeiling  string `json:"pollCeiling" toml:"pollCeiling"`
	SettleDelay  string `json:"settleDelay" toml:"settleDelay"`
}

type WebhookConfig struct {
	URL     string `json:"url" toml:"url"`
	Timeout string `json:"timeout" toml:"timeout"`
	Retries int    `json:"retries" toml:"retries"`
}

type JournalConfig struct {
	Path string `json:"path" toml:"path"`
	// Retention drops finished runs older than this; empty keeps everything.
	Retention string `json:"retention" toml:"retention"`
	// PruneSchedule is a cron spec for the retention sweep.
	PruneSchedule string `json:"pruneSchedule" toml:"pruneSchedule"`
}

type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
	JSON  bool   `json:"json" toml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:         "127.0.0.1:8787",
			AllowedOrigins: []string{"https://wafid.com", "https://www.wafid.com"},
			Timeout:        "60s",
			RatePerSecond:  2,
			Burst:          5,
			Metrics:        true,
		},
		Coordinator: CoordinatorConfig{
			DefaultURL:  coordinator.DefaultURL,
			LoadTimeout: "45s",
			PaymentWait: "60s",
		},
		Agent: AgentConfig{
			ScanEvery:     "4s",
			OverrideEvery: "3s",
			WaitTimeout:   "10s",
			Hosts:         []string{"wafid.com"},
			PathPrefixes:  []string{"/appointment", "/book-appointment"},
			Policy:        override.DefaultPolicy(),
		},
		Runner: RunnerConfig{
			PollInterval: "600ms",
			PollCeiling:  "30s",
			SettleDelay:  "400ms",
		},
		Browser: browser.DefaultBrowserConfig(),
		Webhook: WebhookConfig{Timeout: "15s", Retries: 2},
		Journal: JournalConfig{PruneSchedule: "@daily"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults. An empty path looks the file up
// with paths.ConfigPath; no file at all yields the defaults. The resolved
// path is returned alongside.
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	}
	cfg := Default()
	if path == "" {
		return cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// decode unmarshals onto the already-populated cfg, so absent keys keep
// their defaults and explicit false or empty values still win.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return json.Unmarshal(data, cfg)
}

// Validate checks values the runtime cannot recover from.
func (c *Config) Validate() error {
	if len(c.Relay.AllowedOrigins) == 0 {
		return ErrNoOrigins
	}
	for _, d := range []struct{ name, v string }{
		{"relay.timeout", c.Relay.Timeout},
		{"coordinator.loadTimeout", c.Coordinator.LoadTimeout},
		{"coordinator.paymentWait", c.Coordinator.PaymentWait},
		{"agent.scanEvery", c.Agent.ScanEvery},
		{"agent.overrideEvery", c.Agent.OverrideEvery},
		{"agent.waitTimeout", c.Agent.WaitTimeout},
		{"runner.pollInterval", c.Runner.PollInterval},
		{"runner.pollCeiling", c.Runner.PollCeiling},
		{"runner.settleDelay", c.Runner.SettleDelay},
		{"webhook.timeout", c.Webhook.Timeout},
		{"journal.retention", c.Journal.Retention},
	} {
		if d.v == "" {
			continue
		}
		if _, err := time.ParseDuration(d.v); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// Apply overlays the non-zero fields of over, typically built from command
// line flags.
func (c *Config) Apply(over Config) error {
	if err := mergo.Merge(c, over, mergo.WithOverride); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return c.Validate()
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RelayOptions converts the relay section.
func (c *Config) RelayOptions() bridge.RelayConfig {
	return bridge.RelayConfig{
		AllowedOrigins: append([]string(nil), c.Relay.AllowedOrigins...),
		DefaultTimeout: duration(c.Relay.Timeout, bridge.DefaultTimeout),
		RatePerSecond:  c.Relay.RatePerSecond,
		Burst:          c.Relay.Burst,
	}
}

// CoordinatorOptions converts the coordinator, agent and runner sections.
func (c *Config) CoordinatorOptions() (coordinator.CoordinatorConfig, error) {
	def := coordinator.DefaultCoordinatorConfig()
	out := coordinator.CoordinatorConfig{
		DefaultURL:  c.Coordinator.DefaultURL,
		LoadTimeout: duration(c.Coordinator.LoadTimeout, def.LoadTimeout),
		PaymentWait: duration(c.Coordinator.PaymentWait, def.PaymentWait),
		Agent: agent.AgentConfig{
			ScanEvery:     duration(c.Agent.ScanEvery, def.Agent.ScanEvery),
			OverrideEvery: duration(c.Agent.OverrideEvery, def.Agent.OverrideEvery),
			WaitTimeout:   duration(c.Agent.WaitTimeout, def.Agent.WaitTimeout),
			Hosts:         c.Agent.Hosts,
			PathPrefixes:  c.Agent.PathPrefixes,
			Policy:        c.Agent.Policy,
		},
		Runner: def.Runner,
	}
	if out.DefaultURL == "" {
		out.DefaultURL = def.DefaultURL
	}
	out.Runner.PollInterval = duration(c.Runner.PollInterval, def.Runner.PollInterval)
	out.Runner.PollCeiling = duration(c.Runner.PollCeiling, def.Runner.PollCeiling)
	out.Runner.SettleDelay = duration(c.Runner.SettleDelay, def.Runner.SettleDelay)

	if c.Agent.CatalogFile != "" {
		groups, err := LoadCatalog(c.Agent.CatalogFile)
		if err != nil {
			return out, err
		}
		out.Agent.Source = records.Source{Fallback: groups}
	}
	return out, nil
}

// LoadCatalog reads a fallback catalog file.
func LoadCatalog(path string) ([]records.Group, error) {
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	groups, err := records.ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", filepath.Base(path), err)
	}
	return groups, nil
}

// WebhookReporter returns the payment reporter, or nil when no URL is set.
func (c *Config) WebhookReporter() *coordinator.Webhook {
	if c.Webhook.URL == "" {
		return nil
	}
	return coordinator.NewWebhook(c.Webhook.URL, duration(c.Webhook.Timeout, 0), c.Webhook.Retries)
}

// JournalPath returns the journal database path.
func (c *Config) JournalPath() (string, error) {
	if c.Journal.Path == "" {
		return paths.DefaultJournalPath()
	}
	return paths.ExpandTilde(c.Journal.Path)
}

// JournalRetention returns the retention window; zero keeps everything.
func (c *Config) JournalRetention() time.Duration {
	return duration(c.Journal.Retention, 0)
}

// LoggingOptions converts the logging section.
func (c *Config) LoggingOptions() *logging.Config {
	out := logging.DefaultConfig()
	out.Level = logging.ParseLevel(c.Logging.Level)
	out.JSON = c.Logging.JSON
	return out
}
