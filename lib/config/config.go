// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "CREDPROXY_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the proxy configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// RuntimeDir is the parent of the per-user socket directory.
	RuntimeDir string `yaml:"runtime_dir"`

	Store StoreConfig `yaml:"store"`

	// ProvidersFile is the JSONC provider catalog. Empty means no
	// OAuth providers are available; stored tokens are still served.
	ProvidersFile string `yaml:"providers_file"`

	// SessionTimeout bounds how long a login may stay in progress.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// ShutdownGrace is how long in-flight requests may run after the
	// listener closes.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Scope ScopeConfig `yaml:"scope"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// StoreConfig locates the durable credential store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// IdentityFile holds the age identity that seals stored values.
	// Generated with mode 0600 on first run.
	IdentityFile string `yaml:"identity_file"`
}

// ScopeConfig limits what a sandbox may reach. Providers maps a
// provider name to bucket globs; APIKeys lists key-name globs. A nil
// Providers map allows every provider and bucket; a nil APIKeys allows
// every key.
type ScopeConfig struct {
	Providers map[string][]string `yaml:"providers"`
	APIKeys   []string            `yaml:"api_keys"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	LogLevel       string        `yaml:"log_level,omitempty"`
	RuntimeDir     string        `yaml:"runtime_dir,omitempty"`
	Store          *StoreConfig  `yaml:"store,omitempty"`
	ProvidersFile  string        `yaml:"providers_file,omitempty"`
	SessionTimeout time.Duration `yaml:"session_timeout,omitempty"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace,omitempty"`
	Scope          *ScopeConfig  `yaml:"scope,omitempty"`
}

// Default returns the base values a file is loaded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		RuntimeDir:  "${XDG_RUNTIME_DIR:-/tmp}",
		Store: StoreConfig{
			Path:         "${HOME}/.local/share/credproxy/credentials.db",
			IdentityFile: "${HOME}/.config/credproxy/identity",
		},
		SessionTimeout: 10 * time.Minute,
		ShutdownGrace:  2 * time.Second,
	}
}

// Resolve loads the file at flagPath, or at $CREDPROXY_CONFIG when
// flagPath is empty.
func Resolve(flagPath string) (*Config, error) {
	if flagPath != "" {
		return LoadFile(flagPath)
	}
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your credproxy.yaml, or pass --config", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile loads, overrides, expands and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
	if overrides.RuntimeDir != "" {
		c.RuntimeDir = overrides.RuntimeDir
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.IdentityFile != "" {
			c.Store.IdentityFile = overrides.Store.IdentityFile
		}
	}
	if overrides.ProvidersFile != "" {
		c.ProvidersFile = overrides.ProvidersFile
	}
	if overrides.SessionTimeout != 0 {
		c.SessionTimeout = overrides.SessionTimeout
	}
	if overrides.ShutdownGrace != 0 {
		c.ShutdownGrace = overrides.ShutdownGrace
	}
	// A scope section replaces the base scope wholesale; allow lists
	// are never merged.
	if overrides.Scope != nil {
		c.Scope = *overrides.Scope
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.RuntimeDir = expandVars(c.RuntimeDir)
	c.Store.Path = expandVars(c.Store.Path)
	c.Store.IdentityFile = expandVars(c.Store.IdentityFile)
	c.ProvidersFile = expandVars(c.ProvidersFile)
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.RuntimeDir == "" || !filepath.IsAbs(c.RuntimeDir) {
		errs = append(errs, fmt.Errorf("runtime_dir must be an absolute path, got %q", c.RuntimeDir))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.IdentityFile == "" {
		errs = append(errs, errors.New("store.identity_file is required"))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("session_timeout must be positive"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown_grace must not be negative"))
	}
	if c.Environment == Production && c.Scope.Providers == nil {
		errs = append(errs, errors.New("scope.providers is required in production"))
	}
	for provider, buckets := range c.Scope.Providers {
		if len(buckets) == 0 {
			errs = append(errs, fmt.Errorf("scope.providers.%s lists no buckets", provider))
		}
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", level)
}

// SocketDir returns the per-user directory that holds proxy sockets.
func (c *Config) SocketDir() string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("credproxy-%d", os.Getuid()))
}
