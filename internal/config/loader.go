// Package config loads the procpool YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/procpool/internal/errdefs"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "procpool.yaml"

// Load reads, parses and validates configuration from a file. Values not set
// in the file keep their defaults. ${VAR} references are expanded from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errdefs.Configf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or returns the defaults when configPath is
// DefaultPath and no such file exists.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == DefaultPath {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			cfg := Defaults()
			return cfg, cfg.Validate()
		}
	}
	return Load(configPath)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errdefs.Configf("failed to parse config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	// Pool validation
	if c.Pool.Workers < 0 {
		return errdefs.Configf("pool.workers must not be negative (got %d)", c.Pool.Workers)
	}
	if strings.TrimSpace(c.Pool.Builder) == "" {
		return errdefs.Configf("pool.builder is required")
	}
	if c.Pool.StartTimeout <= 0 {
		return errdefs.Configf("pool.start_timeout must be positive")
	}
	if c.Pool.KillAfter <= 0 {
		return errdefs.Configf("pool.kill_after must be positive")
	}
	if c.Pool.ShutdownGrace <= 0 {
		return errdefs.Configf("pool.shutdown_grace must be positive")
	}
	if c.Pool.DefaultTimeout < 0 {
		return errdefs.Configf("pool.default_timeout must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return errdefs.Configf("logging.level must be one of: debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		return errdefs.Configf("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	// Sinks validation
	if c.Sinks.Dir == "" {
		return errdefs.Configf("sinks.dir is required")
	}
	if err := checkResolved("sinks.dir", c.Sinks.Dir); err != nil {
		return err
	}
	if c.Sinks.TagKey == "" {
		return errdefs.Configf("sinks.tag_key is required")
	}

	// Ledger validation
	if c.Ledger.Enabled {
		if c.Ledger.Path == "" {
			return errdefs.Configf("ledger.path is required when the ledger is enabled")
		}
		if err := checkResolved("ledger.path", c.Ledger.Path); err != nil {
			return err
		}
	}
	if c.Ledger.Retention < 0 {
		return errdefs.Configf("ledger.retention must not be negative")
	}

	if c.Exponent.Power < 0 {
		return errdefs.Configf("exponent.power must not be negative (got %d)", c.Exponent.Power)
	}
	return nil
}

func checkResolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return errdefs.Configf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
