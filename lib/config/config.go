// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Fleetkey.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag, or
//   - the FLEETKEY_CONFIG environment variable.
//
// There are no fallbacks or automatic discovery. Environment
// variables do not override config values; the only expansion
// performed is ${HOME} and similar path variables for portability.
// This keeps a rotation run deterministic and auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the rotation controller.
type Config struct {
	// BaseDir is the directory holding the credential slots
	// (active/, staging/, backup/, archived-*/, failed-*/).
	BaseDir string `yaml:"base_dir"`

	// DaemonSocket is the Unix socket path of the proxy daemon.
	DaemonSocket string `yaml:"daemon_socket"`

	// ReportDir, when non-empty, is where completed rotation run
	// reports are written as CBOR. Empty disables report persistence.
	ReportDir string `yaml:"report_dir"`

	// LogLevel is the slog level name: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// SSH configures the verification probes.
	SSH SSHConfig `yaml:"ssh"`

	// Key configures keypair generation.
	Key KeyConfig `yaml:"key"`

	// Escrow configures optional sealing of archived private keys.
	Escrow EscrowConfig `yaml:"escrow"`
}

// SSHConfig configures the verification probe behavior.
type SSHConfig struct {
	// User is the remote account the probe authenticates as.
	User string `yaml:"user"`

	// ProbeCommand is the read-only command run on each node to
	// confirm the staged key authenticates. It must not mutate
	// anything on the node.
	ProbeCommand string `yaml:"probe_command"`

	// ProbeTimeout bounds each probe (dial + auth + command), as a
	// Go duration string. A single unreachable node cannot stall the
	// run past this.
	ProbeTimeout string `yaml:"probe_timeout"`

	// KnownHostsFile, when non-empty, enables host key verification
	// against an OpenSSH known_hosts file. When empty the probe
	// accepts any host key: the probe authenticates the credential,
	// not the host.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// Parallelism bounds how many probes run concurrently.
	Parallelism int `yaml:"parallelism"`
}

// KeyConfig configures keypair generation.
type KeyConfig struct {
	// Comment is the free-text label embedded in the public key's
	// authorized_keys line and recorded in the slot manifest.
	Comment string `yaml:"comment"`
}

// EscrowConfig configures archived-key sealing.
type EscrowConfig struct {
	// Recipients lists age public keys (age1... format). When
	// non-empty, the private key of every freshly archived slot is
	// additionally sealed to these recipients.
	Recipients []string `yaml:"recipients"`
}

// Default returns the baseline configuration. The config file is
// still required; these defaults exist so optional fields have
// sensible values, not as a substitute for the file.
func Default() *Config {
	return &Config{
		BaseDir:      "/var/lib/fleetkey/keys",
		DaemonSocket: "/run/fleetkey/proxy.sock",
		LogLevel:     "info",
		SSH: SSHConfig{
			User:         "root",
			ProbeCommand: "true",
			ProbeTimeout: "10s",
			Parallelism:  4,
		},
		Key: KeyConfig{
			Comment: "fleetkey",
		},
	}
}

// Load loads configuration from the FLEETKEY_CONFIG environment
// variable. Fails if it is not set — there is no discovery.
func Load() (*Config, error) {
	path := os.Getenv("FLEETKEY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FLEETKEY_CONFIG environment variable not set; " +
			"set it to the path of your fleetkey.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, applied on
// top of Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.BaseDir = expandVars(c.BaseDir, vars)
	c.DaemonSocket = expandVars(c.DaemonSocket, vars)
	c.ReportDir = expandVars(c.ReportDir, vars)
	c.SSH.KnownHostsFile = expandVars(c.SSH.KnownHostsFile, vars)
}

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
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration, collecting every error rather
// than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseDir == "" {
		errs = append(errs, fmt.Errorf("base_dir is required"))
	}
	if c.DaemonSocket == "" {
		errs = append(errs, fmt.Errorf("daemon_socket is required"))
	}
	if c.SSH.User == "" {
		errs = append(errs, fmt.Errorf("ssh.user is required"))
	}
	if c.SSH.ProbeCommand == "" {
		errs = append(errs, fmt.Errorf("ssh.probe_command is required"))
	}
	if c.SSH.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("ssh.parallelism must be at least 1, got %d", c.SSH.Parallelism))
	}
	if _, err := time.ParseDuration(c.SSH.ProbeTimeout); err != nil {
		errs = append(errs, fmt.Errorf("ssh.probe_timeout: %w", err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ProbeTimeout returns the parsed probe timeout. Call Validate first;
// an unparseable value falls back to 10 seconds.
func (c *Config) ProbeTimeout() time.Duration {
	timeout, err := time.ParseDuration(c.SSH.ProbeTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return timeout
}
