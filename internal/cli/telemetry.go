package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/pingtrace/internal/config"
	"github.com/postalsys/pingtrace/internal/logging"
	"github.com/postalsys/pingtrace/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry owns the per-run metrics registry and its exporters.
type Telemetry struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	server   *metrics.Server
	textfile string
	logger   *slog.Logger
}

// StartTelemetry creates a registry and starts the configured exporters.
// Metrics are always collected; exporting them is optional.
func StartTelemetry(cfg config.MetricsConfig, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry: reg,
		Metrics:  metrics.NewMetricsWithRegistry(reg),
		textfile: cfg.TextfilePath,
		logger:   logger,
	}

	if cfg.Address != "" {
		srv := metrics.NewServer(cfg.Address, reg)
		if err := srv.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server on %s: %w", cfg.Address, err)
		}
		t.server = srv
		logger.Info("metrics server started",
			logging.KeyAddress, srv.Address().String())
	}

	return t, nil
}

// Close stops the HTTP endpoint and writes the textfile, if configured.
func (t *Telemetry) Close() error {
	var errs []error

	if t.server != nil {
		if err := t.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	if t.textfile != "" {
		if err := metrics.WriteTextfile(t.textfile, t.Registry); err != nil {
			errs = append(errs, err)
		} else {
			t.logger.Debug("metrics written", "path", t.textfile)
		}
	}

	return errors.Join(errs...)
}
