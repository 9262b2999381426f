// Package config provides configuration parsing and validation for ping and
// traceroute defaults files.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config represents a complete defaults file. Flags set on the command line
// override these values.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Ping       PingConfig       `yaml:"ping"`
	Traceroute TracerouteConfig `yaml:"traceroute"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig contains diagnostic logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// PingConfig contains ping defaults.
type PingConfig struct {
	Count        int           `yaml:"count"` // 0 = until interrupted
	Interval     time.Duration `yaml:"interval"`
	PayloadSize  int           `yaml:"payload_size"`
	Deadline     time.Duration `yaml:"deadline"` // 0 = none
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Privileged   bool          `yaml:"privileged"`
}

// TracerouteConfig contains traceroute defaults.
type TracerouteConfig struct {
	MaxHops      int           `yaml:"max_hops"`
	Queries      int           `yaml:"queries"`
	PayloadSize  int           `yaml:"payload_size"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Numeric      bool          `yaml:"numeric"` // skip reverse lookups
	Summary      bool          `yaml:"summary"` // per-hop statistics
	Privileged   bool          `yaml:"privileged"`
}

// MetricsConfig defines where Prometheus metrics are exposed.
type MetricsConfig struct {
	Address      string `yaml:"address"`       // HTTP listen address, empty disables
	TextfilePath string `yaml:"textfile_path"` // written on exit, empty disables
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Ping: PingConfig{
			Count:        0,
			Interval:     1 * time.Second,
			PayloadSize:  icmp.DefaultPayloadSize,
			ProbeTimeout: 3 * time.Second,
			Privileged:   false,
		},
		Traceroute: TracerouteConfig{
			MaxHops:      30,
			Queries:      3,
			PayloadSize:  icmp.DefaultPayloadSize,
			ProbeTimeout: 5 * time.Second,
			Privileged:   true, // Time Exceeded is only delivered to raw sockets
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Ping
	if c.Ping.Count < 0 {
		errs = append(errs, "ping.count must not be negative")
	}
	if c.Ping.Interval < 0 {
		errs = append(errs, "ping.interval must not be negative")
	}
	if err := validatePayload(c.Ping.PayloadSize); err != nil {
		errs = append(errs, "ping."+err.Error())
	}
	if c.Ping.Deadline < 0 {
		errs = append(errs, "ping.deadline must not be negative")
	}
	if c.Ping.ProbeTimeout <= 0 {
		errs = append(errs, "ping.probe_timeout must be positive")
	}

	// Traceroute
	if c.Traceroute.MaxHops < 1 || c.Traceroute.MaxHops > 255 {
		errs = append(errs, "traceroute.max_hops must be between 1 and 255")
	}
	if c.Traceroute.Queries < 1 {
		errs = append(errs, "traceroute.queries must be at least 1")
	}
	if err := validatePayload(c.Traceroute.PayloadSize); err != nil {
		errs = append(errs, "traceroute."+err.Error())
	}
	if c.Traceroute.ProbeTimeout <= 0 {
		errs = append(errs, "traceroute.probe_timeout must be positive")
	}

	// Metrics
	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics.address: %s (must be host:port)", c.Metrics.Address))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validatePayload(size int) error {
	if size < 0 || size > icmp.MaxPayloadSize {
		return fmt.Errorf("payload_size must be between 0 and %d", icmp.MaxPayloadSize)
	}
	return nil
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
