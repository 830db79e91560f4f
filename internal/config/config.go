// Package config handles configuration loading and management for orcha.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageNATS   = "nats"
)

// Runner kinds.
const (
	RunnerScripted = "scripted"
	RunnerCommand  = "command"
	RunnerClaude   = "claude"
)

// Config holds all configuration for orcha.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig holds tick loop settings.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxConcurrentNodesPerGraph caps running nodes per graph; 0 is unbounded.
	MaxConcurrentNodesPerGraph int           `mapstructure:"max_concurrent_nodes_per_graph"`
	Workers                    int           `mapstructure:"workers"`
	BackoffMax                 time.Duration `mapstructure:"backoff_max"`
	// HoldOpen keeps sessions active after their graphs settle until closed.
	HoldOpen bool `mapstructure:"hold_open"`
}

// StorageConfig selects where sessions and artifacts live.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// Path is the SQLite database. Empty means the project database.
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS connection settings, used by the nats storage
// backend and for event publishing.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
	// Events publishes session events under EventsPrefix when true.
	Events       bool   `mapstructure:"events"`
	EventsPrefix string `mapstructure:"events_prefix"`
}

// RunnerConfig selects the agent runner.
type RunnerConfig struct {
	Kind string `mapstructure:"kind"`
	// Command is the shell command run per node by the command runner.
	Command string `mapstructure:"command"`
	// Step and Delay drive the scripted runner.
	Step  float64       `mapstructure:"step"`
	Delay time.Duration `mapstructure:"delay"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// TemplatesConfig points at user templates that extend the builtins.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig holds the Prometheus listener for serve.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Path is the debug log file. Empty disables it.
	Path  string `mapstructure:"path"`
	Debug bool   `mapstructure:"debug"`
}

// Validate checks enumerated and numeric settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite, StorageNATS:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want memory, sqlite or nats", c.Storage.Backend))
	}
	switch c.Runner.Kind {
	case RunnerScripted, RunnerClaude:
	case RunnerCommand:
		if c.Runner.Command == "" {
			errs = append(errs, fmt.Errorf("runner.command is required for the command runner"))
		}
	default:
		errs = append(errs, fmt.Errorf("runner.kind %q: want scripted, command or claude", c.Runner.Kind))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.MaxConcurrentNodesPerGraph < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_nodes_per_graph must not be negative"))
	}
	if c.Storage.Backend == StorageNATS && c.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("nats.url is required for the nats backend"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ORCHA_*, ANTHROPIC_API_KEY, NATS_URL)
// 2. Project config (.orcha.yaml in current directory or parent)
// 3. User config (~/.config/orcha/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, with defaults
// and environment overrides applied.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("ORCHA")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ORCHA_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("nats.url", "ORCHA_NATS_URL", "NATS_URL")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Templates.Dir = expandHome(cfg.Templates.Dir)
	cfg.Log.Path = expandHome(cfg.Log.Path)
	return cfg, nil
}

// Save writes cfg to the user config file. The API key is written only
// when it is a ${VAR} reference, never as a literal.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes cfg to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range Settings(cfg) {
		v.Set(key, value)
	}
	if isEnvReference(cfg.Anthropic.APIKey) {
		v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	}
	return v.WriteConfig()
}

// Settings flattens cfg into dotted keys, durations as strings. Secrets
// are left out.
func Settings(cfg *Config) map[string]any {
	return map[string]any{
		"scheduler.tick_interval":                  cfg.Scheduler.TickInterval.String(),
		"scheduler.max_concurrent_nodes_per_graph": cfg.Scheduler.MaxConcurrentNodesPerGraph,
		"scheduler.workers":                        cfg.Scheduler.Workers,
		"scheduler.backoff_max":                    cfg.Scheduler.BackoffMax.String(),
		"scheduler.hold_open":                      cfg.Scheduler.HoldOpen,
		"storage.backend":                          cfg.Storage.Backend,
		"storage.path":                             cfg.Storage.Path,
		"nats.url":                                 cfg.NATS.URL,
		"nats.bucket":                              cfg.NATS.Bucket,
		"nats.events":                              cfg.NATS.Events,
		"nats.events_prefix":                       cfg.NATS.EventsPrefix,
		"runner.kind":                              cfg.Runner.Kind,
		"runner.command":                           cfg.Runner.Command,
		"runner.step":                              cfg.Runner.Step,
		"runner.delay":                             cfg.Runner.Delay.String(),
		"anthropic.model":                          cfg.Anthropic.Model,
		"anthropic.max_tokens":                     cfg.Anthropic.MaxTokens,
		"anthropic.use_bedrock":                    cfg.Anthropic.UseBedrock,
		"anthropic.aws_region":                     cfg.Anthropic.AWSRegion,
		"anthropic.aws_profile":                    cfg.Anthropic.AWSProfile,
		"templates.dir":                            cfg.Templates.Dir,
		"metrics.addr":                             cfg.Metrics.Addr,
		"log.path":                                 cfg.Log.Path,
		"log.debug":                                cfg.Log.Debug,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Settings(d) {
		v.SetDefault(key, value)
	}
	v.SetDefault("anthropic.api_key", "")
}

// getUserConfigDir returns the XDG config directory for orcha.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orcha")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orcha")
	}
	return filepath.Join(home, ".config", "orcha")
}

// findProjectConfig searches for .orcha.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".orcha.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickInterval: 500 * time.Millisecond,
			Workers:      4,
			BackoffMax:   30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageSQLite,
		},
		NATS: NATSConfig{
			Bucket:       "ORCHA_SESSIONS",
			EventsPrefix: "orcha.events",
		},
		Runner: RunnerConfig{
			Kind:  RunnerScripted,
			Step:  25,
			Delay: 200 * time.Millisecond,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

// Get returns the value of a dotted key such as "scheduler.workers".
// The API key is reported masked.
func Get(cfg *Config, key string) (string, error) {
	key = strings.ToLower(key)
	if key == "anthropic.api_key" {
		return MaskAPIKey(cfg.Anthropic.APIKey), nil
	}
	value, ok := Settings(cfg)[key]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return fmt.Sprint(value), nil
}

// Set returns a copy of cfg with one dotted key changed. The value is
// decoded the way a config file value would be, so "2s" sets a duration.
func Set(cfg *Config, key, value string) (*Config, error) {
	key = strings.ToLower(key)
	settings := Settings(cfg)
	if _, ok := settings[key]; !ok && key != "anthropic.api_key" {
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}

	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set(key, value)

	out, err := unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
