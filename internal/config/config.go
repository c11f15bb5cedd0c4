// Package config parses the layer4lb rule-set YAML and the small set of
// environment overrides the operator may apply without touching the file.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, unmarshaled from YAML.
type Config struct {
	Rules   []RuleConfig  `yaml:"rules"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// RuleConfig describes a single listener and its backend pool.
type RuleConfig struct {
	Name                   string               `yaml:"name"`
	Listen                 string               `yaml:"listen"`
	Backends               []string             `yaml:"backends"`
	BackendConnectionLimit int                  `yaml:"backend_connection_limit"`
	HealthCheck            HealthCheckConfig    `yaml:"health_check"`
	RateLimit              RateLimitConfig      `yaml:"rate_limit"`
	BandwidthLimit         BandwidthLimitConfig `yaml:"bandwidth_limit"`
	TLS                    TLSConfig            `yaml:"tls"`
	BackendTLS             BackendTLSConfig     `yaml:"backend_tls"`
	ConnectTimeoutMS       int                  `yaml:"connect_timeout_ms"`
	IdleTimeoutMS          int                  `yaml:"idle_timeout_ms"`
}

// ConnectTimeout is the backend dial deadline for this rule (spec.md
// §4.6 step 4), defaulting to 5s when unset.
func (r RuleConfig) ConnectTimeout() time.Duration {
	if r.ConnectTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.ConnectTimeoutMS) * time.Millisecond
}

// IdleTimeout returns idle_timeout_ms as a Duration (0 when unset). The
// proxy pipeline does not read it: sessions have no idle cutoff.
func (r RuleConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMS) * time.Millisecond
}

// HealthCheckConfig controls the active prober for a rule.
type HealthCheckConfig struct {
	Enabled    bool   `yaml:"enabled"`
	IntervalMS int    `yaml:"interval_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	Protocol   string `yaml:"protocol"` // "tcp" | "http"
	Path       string `yaml:"path"`
}

func (h HealthCheckConfig) Interval() time.Duration {
	if h.IntervalMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.IntervalMS) * time.Millisecond
}

func (h HealthCheckConfig) Timeout() time.Duration {
	if h.TimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// RateLimitConfig controls the per-client connection-rate limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             float64 `yaml:"burst"`
}

// BandwidthLimitConfig controls the per-flow byte-rate limiters.
type BandwidthLimitConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Client  *DirectionalRateLimit `yaml:"client"`
	Backend *DirectionalRateLimit `yaml:"backend"`
}

// DirectionalRateLimit holds a pair of byte-per-second caps.
type DirectionalRateLimit struct {
	UploadPerSec   int64 `yaml:"upload_per_sec"`
	DownloadPerSec int64 `yaml:"download_per_sec"`
}

// TLSConfig controls client-facing TLS termination.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// BackendTLSConfig controls backend-facing re-encryption.
type BackendTLSConfig struct {
	Enabled      bool `yaml:"enabled"`
	IgnoreVerify bool `yaml:"ignore_verify"`
}

// ClusterConfig controls the gossip layer.
type ClusterConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BindAddr  string   `yaml:"bind_addr"`
	Peers     []string `yaml:"peers"`
}

// EnvOverrides captures the handful of operational knobs spec.md §6
// allows via environment variables rather than the YAML document.
type EnvOverrides struct {
	NumAcceptors int    `env:"NUM_ACCEPTORS" envDefault:"0"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	AdminAddr    string `env:"LAYER4LB_ADMIN_ADDR" envDefault:":9090"`
}

// LoadEnvOverrides parses the operational environment knobs. A .env
// file in the working directory is loaded first, for local development
// convenience; its absence is not an error since production deployments
// set real environment variables directly.
func LoadEnvOverrides() (EnvOverrides, error) {
	_ = godotenv.Load()

	var e EnvOverrides
	if err := env.Parse(&e); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env overrides: %w", err)
	}
	return e, nil
}

// Load reads and validates the rule-set YAML at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.RateLimit.Enabled && r.RateLimit.Burst == 0 {
			r.RateLimit.Burst = r.RateLimit.RequestsPerSecond
		}
		if r.HealthCheck.Protocol == "" {
			r.HealthCheck.Protocol = "tcp"
		}
	}
}

// Validate enforces the invariants spec.md §6/§7 require before a
// configuration is allowed to drive the data plane. A failure here is
// the "configuration invalid" fatal case (process exit code 64).
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true

		if _, _, err := net.SplitHostPort(r.Listen); err != nil {
			return fmt.Errorf("rule %q: invalid listen address %q: %w", r.Name, r.Listen, err)
		}
		if len(r.Backends) == 0 {
			return fmt.Errorf("rule %q: at least one backend is required", r.Name)
		}
		for _, b := range r.Backends {
			if _, _, err := net.SplitHostPort(b); err != nil {
				return fmt.Errorf("rule %q: invalid backend address %q: %w", r.Name, b, err)
			}
		}
		if r.RateLimit.Enabled && r.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rule %q: rate_limit.requests_per_second must be > 0", r.Name)
		}
		if r.TLS.Enabled && (r.TLS.Cert == "" || r.TLS.Key == "") {
			return fmt.Errorf("rule %q: tls.enabled requires cert and key", r.Name)
		}
		if r.HealthCheck.Enabled && r.HealthCheck.Protocol != "tcp" && r.HealthCheck.Protocol != "http" {
			return fmt.Errorf("rule %q: health_check.protocol must be tcp or http", r.Name)
		}
	}

	if c.Cluster.Enabled {
		if _, _, err := net.SplitHostPort(c.Cluster.BindAddr); err != nil {
			return fmt.Errorf("cluster: invalid bind_addr %q: %w", c.Cluster.BindAddr, err)
		}
	}

	return nil
}

// RuleByName returns the rule with the given name, or nil.
func (c *Config) RuleByName(name string) *RuleConfig {
	for i := range c.Rules {
		if c.Rules[i].Name == name {
			return &c.Rules[i]
		}
	}
	return nil
}
