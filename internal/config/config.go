// Package config loads memblocks settings: defaults, then an optional YAML
// file, then environment variables. Command-line flags are applied by the
// caller on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// Environment variables read by Load.
const (
	EnvConfig   = "MEMBLOCKS_CONFIG"
	EnvDB       = "MEMBLOCKS_DB"
	EnvLogLevel = "MEMBLOCKS_LOG_LEVEL"
)

// Config holds every memblocks setting.
type Config struct {
	DBPath           string `yaml:"db_path" json:"db_path"`
	DefaultBranch    string `yaml:"default_branch" json:"default_branch"`
	DefaultNamespace string `yaml:"default_namespace" json:"default_namespace"`
	Author           string `yaml:"author" json:"author"`

	// Connection and request limits
	AcquireTimeout   time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxIdlePerBranch int           `yaml:"max_idle_per_branch" json:"max_idle_per_branch"`

	// Merge gating
	RequireApproval   bool     `yaml:"require_approval" json:"require_approval"`
	ProtectedBranches []string `yaml:"protected_branches" json:"protected_branches"`

	Log LogConfig `yaml:"log" json:"log"`

	// Path of the file the config was read from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text or json
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		DBPath:            defaultDBPath(),
		DefaultBranch:     model.DefaultBranch,
		DefaultNamespace:  model.DefaultNamespace,
		Author:            "memblocks",
		AcquireTimeout:    5 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxIdlePerBranch:  4,
		ProtectedBranches: []string{model.DefaultBranch},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memblocks", "memblocks.db")
}

// DefaultPath is the config file read when none is named.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memblocks", "config.yaml")
}

// Load resolves the configuration. path names a config file; when empty,
// $MEMBLOCKS_CONFIG and then DefaultPath are tried, and a missing default
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvConfig); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath()
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if env := os.Getenv(EnvDB); env != "" {
		cfg.DBPath = env
	}
	if env := os.Getenv(EnvLogLevel); env != "" {
		cfg.Log.Level = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if err := store.ValidateBranchName(c.DefaultBranch); err != nil {
		return fmt.Errorf("default_branch: %w", err)
	}
	for _, b := range c.ProtectedBranches {
		if err := store.ValidateBranchName(b); err != nil {
			return fmt.Errorf("protected_branches: %w", err)
		}
	}
	if strings.TrimSpace(c.DefaultNamespace) == "" {
		return fmt.Errorf("default_namespace is required")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire_timeout must not be negative, got %s", c.AcquireTimeout)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.MaxIdlePerBranch < 0 {
		return fmt.Errorf("max_idle_per_branch must not be negative, got %d", c.MaxIdlePerBranch)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}
	return nil
}

// StoreOptions maps the settings onto store options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Author:           c.Author,
		AcquireTimeout:   c.AcquireTimeout,
		MaxIdlePerBranch: c.MaxIdlePerBranch,
	}
}

// BranchOptions maps the settings onto merge gating options.
func (c *Config) BranchOptions() store.BranchOptions {
	return store.BranchOptions{
		RequireApproval: c.RequireApproval,
		Protected:       c.ProtectedBranches,
	}
}
