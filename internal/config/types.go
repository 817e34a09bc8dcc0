package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration for the agent. Files may be JSON or YAML;
// both are decoded strictly, so unknown keys fail the load.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Transport TransportConfig `json:"transport,omitempty"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Resolve   ResolveConfig   `json:"resolve,omitempty"`
	Wake      WakeConfig      `json:"wake,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// ServerConfig points at the feed server whose API we register against and
// resolve content from.
type ServerConfig struct {
	BaseURL        string `json:"base_url"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// TransportConfig selects how wake signals reach us. When a distributor is
// running on the session bus it always wins; the gateway settings only matter
// for the browser-push fallback.
type TransportConfig struct {
	// Gateway is the base URL of the platform push gateway used by the
	// browser-push path. Empty disables that path.
	Gateway string `json:"gateway,omitempty"`
	// Distributor optionally pins a specific distributor bus name instead of
	// the first one discovered.
	Distributor      string   `json:"distributor,omitempty"`
	SubscribeTimeout string   `json:"subscribe_timeout,omitempty"`
	Encodings        []string `json:"encodings,omitempty"`
}

// ReconcileConfig controls the periodic subscription health check.
type ReconcileConfig struct {
	// Schedule is either a cron expression ("*/30 * * * *") or a plain
	// interval ("30m"). Empty uses the default interval.
	Schedule string `json:"schedule,omitempty"`
}

type ResolveConfig struct {
	Timeout       string `json:"timeout,omitempty"`
	SnippetLength int    `json:"snippet_length,omitempty"`
}

// WakeConfig bounds a single wake dispatch end to end.
type WakeConfig struct {
	Budget string `json:"budget,omitempty"`
}

type StoreConfig struct {
	// Driver is "file", "sqlite", or "none"/"" (disabled).
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    string        `json:"file,omitempty"`
	Journal JournalConfig `json:"journal,omitempty"`
}

// JournalConfig rate-limits what we forward to journald so a wake storm
// cannot flood the system log.
type JournalConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultSubscribeTimeout = 30 * time.Second
	DefaultResolveTimeout   = 10 * time.Second
	DefaultWakeBudget       = 20 * time.Second
	DefaultSnippetLength    = 200
	DefaultReconcileEvery   = 30 * time.Minute
)

// Validate checks field shapes without touching the network. Durations are
// parsed here so a bad value fails the load, not the first request.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Server.BaseURL)
	if base == "" {
		return fmt.Errorf("server.base_url: required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url: invalid URL %q", c.Server.BaseURL)
	}
	if g := strings.TrimSpace(c.Transport.Gateway); g != "" {
		gu, err := url.Parse(g)
		if err != nil || gu.Scheme == "" || gu.Host == "" {
			return fmt.Errorf("transport.gateway: invalid URL %q", c.Transport.Gateway)
		}
	}
	if _, err := ParseDurationField("server.request_timeout", c.Server.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("transport.subscribe_timeout", c.Transport.SubscribeTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("resolve.timeout", c.Resolve.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("wake.budget", c.Wake.Budget); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if c.Resolve.SnippetLength < 0 {
		return fmt.Errorf("resolve.snippet_length: must be >= 0")
	}
	switch c.Store.Driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "" && c.Store.Driver != "none" && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path: required when store.driver is set")
	}
	return nil
}

// RequestTimeout returns the parsed server request timeout with the default
// applied. Validate must have accepted the config first.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("server.request_timeout", c.Server.RequestTimeout, DefaultRequestTimeout)
	return d
}

func (c *Config) SubscribeTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("transport.subscribe_timeout", c.Transport.SubscribeTimeout, DefaultSubscribeTimeout)
	return d
}

func (c *Config) ResolveTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("resolve.timeout", c.Resolve.Timeout, DefaultResolveTimeout)
	return d
}

func (c *Config) WakeBudget() time.Duration {
	d, _ := ParseDurationOrDefault("wake.budget", c.Wake.Budget, DefaultWakeBudget)
	return d
}

func (c *Config) SnippetLength() int {
	if c.Resolve.SnippetLength > 0 {
		return c.Resolve.SnippetLength
	}
	return DefaultSnippetLength
}
