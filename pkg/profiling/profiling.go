package profiling

import (
	"log/slog"
	"os"
	"strings"

	"eta2trips/pkg/otel"

	"github.com/grafana/pyroscope-go"
)

// InitProfiling starts continuous profiling to Pyroscope when
// PYROSCOPE_PROFILING_ENABLED is set.
func InitProfiling() (func(), error) {
	if !isTrue(os.Getenv("PYROSCOPE_PROFILING_ENABLED")) {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	cfg := pyroscope.Config{
		ApplicationName:   envOr("PYROSCOPE_APPLICATION_NAME", otel.ServiceName),
		ServerAddress:     envOr("PYROSCOPE_SERVER_ADDRESS", "http://localhost:4040"),
		BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
		Logger:            pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": otel.ServiceName,
			"version": otel.Version,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexDuration,
		},
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		slog.Warn("Failed to start Pyroscope profiler", "error", err)
		return func() {}, nil
	}

	slog.Debug("Pyroscope profiling started", "server", cfg.ServerAddress, "application", cfg.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Error stopping Pyroscope profiler", "error", err)
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
