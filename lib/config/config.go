// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the ABI service.
//
// Configuration is loaded from a single file specified by:
//   - AEGNIX_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the ABI service.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Handshake configures nonce lifetimes and lockout.
	Handshake HandshakeConfig `yaml:"handshake"`

	// Session configures grant and refresh lifetimes.
	Session SessionConfig `yaml:"session"`

	// Policy configures the policy compiler.
	Policy PolicyConfig `yaml:"policy"`

	// ReservedAgents are agent IDs the handshake must never bind.
	ReservedAgents []string `yaml:"reserved_agents"`

	// AutoTrust promotes agents to trusted when their handshake
	// completes. This is the single-node governance default;
	// deployments with an external governance plane set it false
	// and drive trust transitions themselves. Default: true.
	AutoTrust *bool `yaml:"auto_trust"`

	// EnvironmentOverrides contains per-environment overrides,
	// applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Listen string       `yaml:"listen,omitempty"`
	Paths  *PathsConfig `yaml:"paths,omitempty"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for ABI data.
	Root string `yaml:"root"`

	// State is where the capability and audit databases live.
	State string `yaml:"state"`

	// PolicyFile is the static policy document (JSONC).
	PolicyFile string `yaml:"policy_file"`

	// Keys is the directory holding the ABI signing keypair.
	Keys string `yaml:"keys"`
}

// HandshakeConfig configures the handshake controller. Durations are
// strings in Go duration syntax ("60s", "5m").
type HandshakeConfig struct {
	// NonceTTL is the challenge lifetime. Default: 60s.
	NonceTTL string `yaml:"nonce_ttl"`

	// MaxFailures is the signature-failure count that trips the
	// lockout. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// FailureWindow is the rolling window the failure count is
	// measured over. Default: 5m.
	FailureWindow string `yaml:"failure_window"`
}

// SessionConfig configures the session issuer.
type SessionConfig struct {
	// GrantTTL is the access grant lifetime. Default: 900s.
	GrantTTL string `yaml:"grant_ttl"`

	// RefreshTTL is the refresh session lifetime. Default: 24h.
	RefreshTTL string `yaml:"refresh_ttl"`
}

// PolicyConfig configures the policy compiler.
type PolicyConfig struct {
	// PollInterval is how often the static policy file is checked
	// for changes. Default: 2s.
	PollInterval string `yaml:"poll_interval"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the config file itself is
// required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "aegnix")

	return &Config{
		Environment: Development,
		Listen:      "127.0.0.1:8750",
		Paths: PathsConfig{
			Root:       defaultRoot,
			State:      filepath.Join(defaultRoot, "state"),
			PolicyFile: filepath.Join(defaultRoot, "policy.jsonc"),
			Keys:       filepath.Join(defaultRoot, "keys"),
		},
		Handshake: HandshakeConfig{
			NonceTTL:      "60s",
			MaxFailures:   5,
			FailureWindow: "5m",
		},
		Session: SessionConfig{
			GrantTTL:   "900s",
			RefreshTTL: "24h",
		},
		Policy: PolicyConfig{
			PollInterval: "2s",
		},
	}
}

// AutoTrustEnabled resolves the AutoTrust default (true when unset).
func (c *Config) AutoTrustEnabled() bool {
	return c.AutoTrust == nil || *c.AutoTrust
}

// Load loads configuration from the AEGNIX_CONFIG environment
// variable. There are no fallbacks: if AEGNIX_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("AEGNIX_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AEGNIX_CONFIG environment variable not set; " +
			"set it to the path of your aegnix.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables never
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

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

	if overrides.Listen != "" {
		c.Listen = overrides.Listen
	}
	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.PolicyFile != "" {
			c.Paths.PolicyFile = overrides.Paths.PolicyFile
		}
		if overrides.Paths.Keys != "" {
			c.Paths.Keys = overrides.Paths.Keys
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"AEGNIX_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["AEGNIX_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.PolicyFile = expandVars(c.Paths.PolicyFile, vars)
	c.Paths.Keys = expandVars(c.Paths.Keys, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.PolicyFile == "" {
		errs = append(errs, fmt.Errorf("paths.policy_file is required"))
	}
	if c.Handshake.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("handshake.max_failures must be positive"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"handshake.nonce_ttl", c.Handshake.NonceTTL},
		{"handshake.failure_window", c.Handshake.FailureWindow},
		{"session.grant_ttl", c.Session.GrantTTL},
		{"session.refresh_ttl", c.Session.RefreshTTL},
		{"policy.poll_interval", c.Policy.PollInterval},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration accessors. Validate must have passed; a malformed value
// here returns the zero duration, which components replace with their
// own defaults.

func (c *Config) NonceTTL() time.Duration      { return parseDuration(c.Handshake.NonceTTL) }
func (c *Config) FailureWindow() time.Duration { return parseDuration(c.Handshake.FailureWindow) }
func (c *Config) GrantTTL() time.Duration      { return parseDuration(c.Session.GrantTTL) }
func (c *Config) RefreshTTL() time.Duration    { return parseDuration(c.Session.RefreshTTL) }
func (c *Config) PollInterval() time.Duration  { return parseDuration(c.Policy.PollInterval) }

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Keys,
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
