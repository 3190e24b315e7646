// Package config handles TOML and YAML configuration for terradrift.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is searched for in the working directory and its parents.
const DefaultFileName = "terradrift.toml"

// Storage providers understood by the source factory.
const (
	ProviderMock  = "mock"
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// ErrNotFound is returned by Discover when no config file exists upward.
var ErrNotFound = errors.New("config file not found")

// Config is the root configuration structure.
type Config struct {
	Log      LogConfig          `toml:"log" yaml:"log"`
	OTEL     OTELConfig         `toml:"otel" yaml:"otel"`
	History  HistoryConfig      `toml:"history" yaml:"history"`
	Notify   NotifyConfig       `toml:"notify" yaml:"notify"`
	Profiles map[string]Profile `toml:"profiles" yaml:"profiles"`

	path string
}

// Profile binds a storage backend to scan settings.
type Profile struct {
	Storage          Storage       `toml:"storage" yaml:"storage"`
	Jobs             int           `toml:"jobs" yaml:"jobs"`
	Include          []string      `toml:"include" yaml:"include"`
	Exclude          []string      `toml:"exclude" yaml:"exclude"`
	TerraformVersion string        `toml:"terraform_version" yaml:"terraform_version"`
	WorkingDir       string        `toml:"working_dir" yaml:"working_dir"`
	TimeoutStr       string        `toml:"timeout" yaml:"timeout"`
	Timeout          time.Duration `toml:"-" yaml:"-"`
}

// Storage is a tagged descriptor; Provider selects which fields apply.
type Storage struct {
	Provider string `toml:"provider" yaml:"provider"`

	// mock / local
	Path string `toml:"path" yaml:"path"`

	// s3 / gcs
	Bucket string `toml:"bucket" yaml:"bucket"`
	Prefix string `toml:"prefix" yaml:"prefix"`

	// s3
	Region       string `toml:"region" yaml:"region"`
	Endpoint     string `toml:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style" yaml:"use_path_style"`

	// gcs
	CredentialsFile string `toml:"credentials_file" yaml:"credentials_file"`

	// azure
	Container string `toml:"container" yaml:"container"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// HistoryConfig points at the scan history database. Empty disables it.
type HistoryConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	Slack   SlackConfig   `toml:"slack" yaml:"slack"`
	Webhook WebhookConfig `toml:"webhook" yaml:"webhook"`
}

// SlackConfig configures the Slack incoming webhook sink.
type SlackConfig struct {
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`
	PlanURL    string `toml:"plan_url" yaml:"plan_url"`
}

// WebhookConfig configures the generic JSON webhook sink.
type WebhookConfig struct {
	URL        string `toml:"url" yaml:"url"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{path: path}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	}

	applyDefaults(cfg)

	if err := parseTimeouts(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Discover walks from dir upward looking for DefaultFileName.
func Discover(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		candidate := filepath.Join(dir, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s in current or parent directories", ErrNotFound, DefaultFileName)
		}
		dir = parent
	}
}

// LoadOrDiscover loads path when set, otherwise discovers from the working directory.
func LoadOrDiscover(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path, err = Discover(wd)
		if err != nil {
			return nil, err
		}
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "terradrift"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Notify.Slack.WebhookURL == "" {
		cfg.Notify.Slack.WebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	}
	if cfg.Notify.Slack.PlanURL == "" {
		cfg.Notify.Slack.PlanURL = os.Getenv("PLAN_URL")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	for name, p := range cfg.Profiles {
		p.Storage.Provider = strings.ToLower(p.Storage.Provider)
		p.Storage.Path = cfg.resolvePath(p.Storage.Path)
		p.WorkingDir = cfg.resolvePath(p.WorkingDir)
		cfg.Profiles[name] = p
	}
}

// resolvePath makes a relative path relative to the config file directory.
func (c *Config) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.path == "" {
		return path
	}
	return filepath.Join(filepath.Dir(c.path), path)
}

func parseTimeouts(cfg *Config) error {
	for name, p := range cfg.Profiles {
		if p.TimeoutStr == "" {
			continue
		}
		d, err := time.ParseDuration(p.TimeoutStr)
		if err != nil {
			return fmt.Errorf("profile %s: parse timeout %q: %w", name, p.TimeoutStr, err)
		}
		p.Timeout = d
		cfg.Profiles[name] = p
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in config (available: %s)",
			name, strings.Join(c.ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames returns profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("profiles: at least one profile required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	for _, name := range c.ProfileNames() {
		if err := c.Profiles[name].Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single profile.
func (p Profile) Validate() error {
	if p.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative (got %d)", p.Jobs)
	}
	return p.Storage.Validate()
}

// Validate checks the fields required by the selected provider.
func (s Storage) Validate() error {
	switch s.Provider {
	case ProviderMock, ProviderLocal:
		if s.Path == "" {
			return fmt.Errorf("storage: %s provider requires path", s.Provider)
		}
	case ProviderS3, ProviderGCS:
		if s.Bucket == "" {
			return fmt.Errorf("storage: %s provider requires bucket", s.Provider)
		}
	case ProviderAzure:
		if s.Container == "" {
			return fmt.Errorf("storage: azure provider requires container")
		}
	case "":
		return fmt.Errorf("storage: provider is required")
	default:
		return fmt.Errorf("storage: unknown provider %q", s.Provider)
	}
	return nil
}
