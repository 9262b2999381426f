package cli

import (
	"math"
	"time"

	"github.com/postalsys/pingtrace/internal/config"
	"github.com/spf13/pflag"
)

// CommonFlags are the long-form flags shared by both commands.
type CommonFlags struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	MetricsFile string
	NoColor     bool
}

// Register adds the common flags to fs. The help flag is registered without
// a shorthand so that single-letter flags stay available to the tools.
func (f *CommonFlags) Register(fs *pflag.FlagSet, name string) {
	fs.StringVar(&f.ConfigPath, "config", "", "Path to a YAML defaults file")
	fs.StringVar(&f.LogLevel, "log-level", "warn", "Diagnostic log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFormat, "log-format", "text", "Diagnostic log format (text, json)")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (host:port)")
	fs.StringVar(&f.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	fs.BoolVar(&f.NoColor, "no-color", false, "Disable colored output")
	fs.Bool("help", false, "help for "+name)
}

// Load reads the config file, if any, and overlays the common flags that were
// set explicitly on the command line. Tool-specific flags are applied by the
// caller with Changed.
func (f *CommonFlags) Load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		loaded, err := config.Load(f.ConfigPath)
		if err != nil {
			return nil, Usagef("%w", err)
		}
		cfg = loaded
	}

	if fs.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.LogFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Address = f.MetricsAddr
	}
	if fs.Changed("metrics-file") {
		cfg.Metrics.TextfilePath = f.MetricsFile
	}
	return cfg, nil
}

// Validate checks cfg after flags were applied. Failures are usage errors.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return &UsageError{Err: err}
	}
	return nil
}

// Seconds converts a flag given in (possibly fractional) seconds.
func Seconds(flag string, v float64) (time.Duration, error) {
	if v < 0 {
		return 0, Usagef("invalid -%s value %v: must not be negative", flag, v)
	}
	if v > math.MaxInt64/float64(time.Second) {
		return 0, Usagef("invalid -%s value %v: out of range", flag, v)
	}
	return time.Duration(v * float64(time.Second)), nil
}
