package telemetry

import (
	"context"

	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/uptrace/uptrace-go/uptrace"
)

// SetupTracing configures the global OpenTelemetry providers when a DSN is set.
// The returned function flushes and shuts them down.
func SetupTracing(cfg *config.Telemetry, version string) (enabled bool, shutdown func(context.Context) error) {
	if cfg.DSN == "" {
		return false, func(context.Context) error { return nil }
	}

	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(cfg.DSN),
		uptrace.WithServiceName("fitroom"),
		uptrace.WithServiceVersion(version),
		uptrace.WithDeploymentEnvironment(cfg.Environment),
	)

	return true, uptrace.Shutdown
}
