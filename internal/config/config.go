// Package config loads skein settings from YAML files and the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/phroun/skein"
	"github.com/phroun/skein/internal/logging"
)

// Size is a byte count written in human form ("64MiB", "4 KB") in YAML.
type Size int64

// UnmarshalYAML accepts either a plain integer or a humanized size string.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: size must be a number or string", node.Line)
	}
	parsed, err := ParseSize(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}

// MarshalYAML writes the size in IEC units.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// String returns the size in IEC units without spaces, e.g. "64MiB".
func (s Size) String() string {
	return strings.ReplaceAll(humanize.IBytes(uint64(max(s, 0))), " ", "")
}

// ParseSize parses "64MiB", "4 KB" or "1048576".
func ParseSize(text string) (Size, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", text, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", text)
	}
	return Size(n), nil
}

// Config is the on-disk configuration.
type Config struct {
	Cache  CacheConfig  `yaml:"cache"`
	Cursor CursorConfig `yaml:"cursor"`
	Files  FilesConfig  `yaml:"files"`
	Log    LogConfig    `yaml:"log"`
}

// CacheConfig configures the region cache.
type CacheConfig struct {
	Budget Size   `yaml:"budget"`
	Policy string `yaml:"policy"`
}

// CursorConfig configures cursors.
type CursorConfig struct {
	Window Size `yaml:"window"`
}

// FilesConfig configures how files are opened.
type FilesConfig struct {
	LargeThreshold Size `yaml:"large_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Budget: skein.DefaultCacheBudget,
			Policy: skein.EvictLRU.String(),
		},
		Cursor: CursorConfig{Window: skein.DefaultWindowSize},
		Files:  FilesConfig{LargeThreshold: skein.DefaultLargeFileThreshold},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies SKEIN_* environment
// overrides and validates the result. An empty path skips the file; a
// missing file is an error only when the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Budget < 0 {
		errs = append(errs, fmt.Errorf("cache.budget must not be negative"))
	}
	if _, err := skein.ParseEvictionPolicy(c.Cache.Policy); err != nil {
		errs = append(errs, fmt.Errorf("cache.policy: %w", err))
	}
	if c.Files.LargeThreshold < 0 {
		errs = append(errs, fmt.Errorf("files.large_threshold must not be negative"))
	}
	if c.Cursor.Window <= 0 {
		errs = append(errs, fmt.Errorf("cursor.window must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Options converts the configuration into handle options that log
// through the default logger.
func (c *Config) Options() skein.Options {
	policy, _ := skein.ParseEvictionPolicy(c.Cache.Policy)
	return skein.Options{
		CacheBudget:        int64(c.Cache.Budget),
		EvictionPolicy:     policy,
		WindowSize:         int(c.Cursor.Window),
		LargeFileThreshold: int64(c.Files.LargeThreshold),
		Logger:             logging.Default(),
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
