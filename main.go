package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eta2trips/pkg/api"
	"eta2trips/pkg/cache"
	"eta2trips/pkg/config"
	"eta2trips/pkg/events"
	"eta2trips/pkg/logging"
	"eta2trips/pkg/loki"
	"eta2trips/pkg/matcher"
	"eta2trips/pkg/metrics"
	"eta2trips/pkg/pipeline"
	"eta2trips/pkg/profiling"
	"eta2trips/pkg/provider"
	"eta2trips/pkg/publisher"
	"eta2trips/pkg/routes"
	"eta2trips/pkg/tracing"

	"github.com/google/uuid"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("ETA2TRIPS_CONFIG"), "Path to a YAML config file")
		dryRun     = flag.Bool("dry-run", false, "Write trip events to the CSV log only, skipping Loki and NATS")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bus trip inference from per-stop ETA snapshots\n\n")
		fmt.Fprintf(os.Stderr, "Polls an ETA provider for every configured line, reconstructs the\n")
		fmt.Fprintf(os.Stderr, "vehicle trips behind the anonymous arrival times and emits an event\n")
		fmt.Fprintf(os.Stderr, "each time a trip reaches a stop or completes its route.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ETA_LINES            - Lines to track, comma-separated (required)\n")
		fmt.Fprintf(os.Stderr, "  ETA_PROVIDER_URL     - ETA provider base URL (required)\n")
		fmt.Fprintf(os.Stderr, "  ETA_PROVIDER_API_KEY - ETA provider API key\n")
		fmt.Fprintf(os.Stderr, "  ETA_PROVIDER_RPS     - Provider request rate limit, 0 = unlimited\n")
		fmt.Fprintf(os.Stderr, "  ETA_POLL_INTERVAL    - Polling interval (default: 30s)\n")
		fmt.Fprintf(os.Stderr, "  ETA_WORKERS          - Poll worker count (default: 4)\n")
		fmt.Fprintf(os.Stderr, "  ETA_MATCHER_QUEUE    - Matcher input buffer (default: 64)\n")
		fmt.Fprintf(os.Stderr, "  ETA_EVENTS_FILE      - CSV event log path (default: stdout)\n")
		fmt.Fprintf(os.Stderr, "  ETA_LOKI_URL         - Grafana Loki URL, enables the Loki sink\n")
		fmt.Fprintf(os.Stderr, "  ETA_LOKI_USER        - Loki username (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  ETA_LOKI_PASSWORD    - Loki password/token (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  ETA_NATS_URL         - NATS server URL, enables the NATS sink\n")
		fmt.Fprintf(os.Stderr, "  ETA_NATS_SUBJECT     - NATS subject prefix (default: eta.trips)\n")
		fmt.Fprintf(os.Stderr, "  ETA_API_ADDR         - Query API listen address (default: :8080, empty disables)\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Dry run, events printed to stdout\n")
		fmt.Fprintf(os.Stderr, "  ETA_LINES=5,7 ETA_PROVIDER_URL=https://eta.example.com %s --dry-run\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Config file plus Loki\n")
		fmt.Fprintf(os.Stderr, "  ETA_LOKI_URL=http://localhost:3100 %s --config=eta2trips.yaml\n\n", os.Args[0])
	}

	flag.Parse()

	logging.InitLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.DryRun = *dryRun

	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("eta2trips failed: %v", err)
	}

	slog.Info("eta2trips shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	runID := uuid.NewString()

	client := provider.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.Provider.RequestsPerSecond)

	loadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	index, err := routes.Load(loadCtx, client, cfg.Lines)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	sink, err := newSink(cfg, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("Failed to close event sinks", "error", err)
		}
	}()

	trips, err := matcher.New(matcher.Config{
		Routes:    index,
		Events:    sink,
		QueueSize: cfg.MatcherQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to create matcher: %w", err)
	}

	arrivals := cache.NewArrivalCache()

	poller, err := pipeline.New(pipeline.Config{
		Lines:    cfg.Lines,
		Interval: cfg.PollInterval,
		Workers:  cfg.Workers,
		Source:   client,
		Cache:    arrivals,
		Matcher:  trips,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	err = metrics.RegisterPipelineGauges(
		poller.QueueDepth,
		trips.ActiveTrips,
		func() int64 { return int64(arrivals.Stops()) },
	)
	if err != nil {
		slog.Warn("Failed to register pipeline gauges", "error", err)
	}

	if cfg.DryRun {
		slog.Info("Starting eta2trips in DRY RUN mode, events go to the CSV log only")
	}
	slog.Info("Starting eta2trips",
		"run_id", runID,
		"lines", cfg.Lines,
		"interval", cfg.PollInterval,
		"workers", cfg.Workers,
	)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	apiErr := make(chan error, 1)
	if cfg.API.Addr != "" {
		handler := api.NewRouter(api.NewHandler(arrivals, poller), cfg.API.AllowedOrigins)
		server := api.NewServer(cfg.API.Addr, handler)
		go func() {
			err := server.Run(ctx)
			if err != nil {
				// Take the pipeline down with it.
				slog.Error("API server failed", "error", err)
				cancelRun()
			}
			apiErr <- err
		}()
	} else {
		apiErr <- nil
	}

	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pipeline error: %w", err)
	}
	slog.Info("Pipeline stopped")

	return <-apiErr
}

// newSink assembles the event sinks. The CSV log is always present.
func newSink(cfg *config.Config, runID string) (*events.MultiSink, error) {
	var out io.Writer = os.Stdout
	if cfg.Events.File != "" && cfg.Events.File != "-" {
		f, err := os.OpenFile(cfg.Events.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		out = f
	}
	sinks := []events.NamedSink{{Name: "csv", Sink: events.NewCSVSink(out)}}

	if cfg.DryRun {
		return events.NewMultiSink(sinks...), nil
	}

	if cfg.Loki.URL != "" {
		sinks = append(sinks, events.NamedSink{
			Name: "loki",
			Sink: loki.NewClient(cfg.Loki.URL, cfg.Loki.User, cfg.Loki.Password, runID),
		})
		slog.Info("Trip events will be sent to Loki", "url", cfg.Loki.URL)
	}

	if cfg.NATS.URL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, runID, cfg.NATS.Verbose)
		if err != nil {
			events.NewMultiSink(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, events.NamedSink{Name: "nats", Sink: pub})
		slog.Info("Trip events will be published to NATS", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	return events.NewMultiSink(sinks...), nil
}
