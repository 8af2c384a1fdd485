// Package config provides YAML configuration loading and validation for the
// envtapd daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/envtap/internal/procfs"
)

// Config is the top-level configuration structure for envtapd.
type Config struct {
	// ListenAddr is the HTTP control-plane listen address (e.g.
	// "127.0.0.1:8443"). Required.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used
	// to verify RS256 Bearer tokens on the HTTP control plane. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// Audit selects and configures the audit backend.
	Audit AuditConfig `yaml:"audit"`

	// LibrarySubstring is the pathname substring used to locate the C
	// library mapping in /proc/<pid>/maps (both for the daemon's own
	// process and for injection targets). Defaults to "/libc" when
	// omitted.
	LibrarySubstring string `yaml:"library_substring"`

	// TraceScopePath overrides the path read to produce the
	// ptrace_scope advisory on EPERM. Defaults to
	// procfs.DefaultTraceScopePath when omitted; tests substitute a
	// temp file here.
	TraceScopePath string `yaml:"trace_scope_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// AuditConfig selects and parameterizes one of the two audit.Store
// backends.
type AuditConfig struct {
	// Backend is "sqlite" or "postgres". Defaults to "sqlite" when
	// omitted.
	Backend string `yaml:"backend"`

	// SQLitePath is the database file path used by the sqlite backend.
	// Required when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string used by the postgres backend.
	// Required when Backend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends is the set of accepted audit.backend values.
var validBackends = map[string]bool{
	BackendSQLite:   true,
	BackendPostgres: true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LibrarySubstring == "" {
		cfg.LibrarySubstring = "/libc"
	}
	if cfg.TraceScopePath == "" {
		cfg.TraceScopePath = procfs.DefaultTraceScopePath
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = BackendSQLite
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validBackends[cfg.Audit.Backend] {
		errs = append(errs, fmt.Errorf("audit.backend %q must be one of: sqlite, postgres", cfg.Audit.Backend))
	}
	switch cfg.Audit.Backend {
	case BackendSQLite:
		if cfg.Audit.SQLitePath == "" {
			errs = append(errs, errors.New("audit.sqlite_path is required when audit.backend is sqlite"))
		}
	case BackendPostgres:
		if cfg.Audit.PostgresDSN == "" {
			errs = append(errs, errors.New("audit.postgres_dsn is required when audit.backend is postgres"))
		}
	}

	return errors.Join(errs...)
}
