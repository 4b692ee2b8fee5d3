package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"eta2trips/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	// meterProvider is the global meter provider
	meterProvider *sdkmetric.MeterProvider

	// Meter is the meter for creating instruments. It is a noop meter until
	// InitMetrics succeeds, so instruments are always safe to use.
	Meter metric.Meter

	// enabled is set once the OTLP meter provider is installed
	enabled atomic.Bool

	// lastSuccessTimestamp tracks the last successful line poll (Unix timestamp)
	lastSuccessTimestamp atomic.Int64
)

func init() {
	Meter = noop.NewMeterProvider().Meter(otel.ServiceName)
	if err := initializeInstruments(); err != nil {
		panic(err)
	}
}

// InitMetrics initializes OpenTelemetry metrics with the configured exporter.
// Returns a shutdown function that should be called on application exit.
func InitMetrics() (func(), error) {
	// Check if metrics is enabled
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()

	// Get exporter configuration for metrics
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	// Create exporter based on protocol
	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	// Create shared resource
	res, err := otel.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	// Create meter provider with periodic reader (60s export interval)
	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(60*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)

	// Set global meter provider
	otelapi.SetMeterProvider(meterProvider)

	// Create meter for this application
	Meter = meterProvider.Meter(otel.ServiceName)

	// Initialize all instruments
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		return func() {}, nil
	}

	// Register runtime metrics
	if err := registerRuntimeMetrics(); err != nil {
		slog.Warn("Failed to register runtime metrics", "error", err)
	}

	enabled.Store(true)

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// registerRuntimeMetrics registers the Go runtime gauges and the last
// successful poll timestamp.
func registerRuntimeMetrics() error {
	_, err := Meter.Int64ObservableGauge(
		"runtime.go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = Meter.Int64ObservableGauge(
		"poller.last_success.timestamp",
		metric.WithDescription("Unix timestamp of the last successful line poll"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if ts := lastSuccessTimestamp.Load(); ts > 0 {
				o.Observe(ts)
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	memGauges := []struct {
		name        string
		description string
		read        func(*runtime.MemStats) uint64
	}{
		{"runtime.go.mem.heap_alloc", "Heap memory allocated", func(m *runtime.MemStats) uint64 { return m.HeapAlloc }},
		{"runtime.go.mem.heap_inuse", "Heap memory in use", func(m *runtime.MemStats) uint64 { return m.HeapInuse }},
		{"runtime.go.mem.stack_inuse", "Stack memory in use", func(m *runtime.MemStats) uint64 { return m.StackInuse }},
		{"runtime.go.mem.sys", "Total memory obtained from OS", func(m *runtime.MemStats) uint64 { return m.Sys }},
	}
	for _, g := range memGauges {
		read := g.read
		_, err := Meter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("By"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				o.Observe(int64(read(&m)))
				return nil
			}),
		)
		if err != nil {
			return err
		}
	}

	_, err = Meter.Int64ObservableCounter(
		"runtime.go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.Observe(int64(m.NumGC))
			return nil
		}),
	)
	return err
}

// RecordLastSuccessTimestamp records the current time as the last successful line poll
func RecordLastSuccessTimestamp() {
	lastSuccessTimestamp.Store(time.Now().Unix())
}

// RegisterPipelineGauges registers observable gauges backed by the running
// pipeline. Callbacks run on the exporter's collection goroutine and must be
// safe for concurrent use.
func RegisterPipelineGauges(queueDepth, activeTrips, cachedStops func() int64) error {
	gauges := []struct {
		name        string
		description string
		unit        string
		observe     func() int64
	}{
		{"poller.queue.depth", "Line tasks waiting for a worker", "{task}", queueDepth},
		{"matcher.trips.active", "Trips currently tracked by the matcher", "{trip}", activeTrips},
		{"cache.stops", "Stops with at least one cached line ETA", "{stop}", cachedStops},
	}

	for _, g := range gauges {
		observe := g.observe
		if observe == nil {
			continue
		}
		_, err := Meter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(observe())
				return nil
			}),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// IsEnabled returns true if metrics are exported
func IsEnabled() bool {
	return enabled.Load()
}
