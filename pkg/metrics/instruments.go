package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Poller Metrics
var (
	// PollerPassesTotal counts scheduler passes over the configured lines
	PollerPassesTotal metric.Int64Counter

	// PollerTasksEnqueued counts line tasks accepted by the queue
	PollerTasksEnqueued metric.Int64Counter

	// PollerTasksCoalesced counts tasks dropped because the line was already queued
	PollerTasksCoalesced metric.Int64Counter

	// PollerLinePolls counts line polls by status
	PollerLinePolls metric.Int64Counter

	// PollerCyclesSkipped counts line cycles skipped after a provider error
	PollerCyclesSkipped metric.Int64Counter

	// PollerPollDuration measures fetch + cache update + submit per line
	PollerPollDuration metric.Float64Histogram

	// PollerLinesInFlight tracks lines currently being polled
	PollerLinesInFlight metric.Int64UpDownCounter

	// PollerPanicsTotal counts recovered worker panics
	PollerPanicsTotal metric.Int64Counter
)

// Provider Metrics
var (
	// ProviderRequestsTotal counts provider API requests by endpoint and status
	ProviderRequestsTotal metric.Int64Counter

	// ProviderRequestDuration measures provider API request latency
	ProviderRequestDuration metric.Float64Histogram

	// ParserStopsExtracted counts stop reports decoded from provider payloads
	ParserStopsExtracted metric.Int64Counter

	// ParserStopsFailed counts stop reports that could not be decoded
	ParserStopsFailed metric.Int64Counter
)

// Matcher Metrics
var (
	// MatcherSnapshotsProcessed counts snapshots applied to line state
	MatcherSnapshotsProcessed metric.Int64Counter

	// MatcherProcessDuration measures time spent applying one snapshot
	MatcherProcessDuration metric.Float64Histogram

	// MatcherTripsCreated counts new trips
	MatcherTripsCreated metric.Int64Counter

	// MatcherTripsAdvanced counts trips moved to their next stop
	MatcherTripsAdvanced metric.Int64Counter

	// MatcherTripsCompleted counts trips that finished their route
	MatcherTripsCompleted metric.Int64Counter

	// MatcherUnknownStops counts snapshot entries for stops not on the route
	MatcherUnknownStops metric.Int64Counter
)

// Event sink Metrics
var (
	// EventsEmitted counts trip events by kind
	EventsEmitted metric.Int64Counter

	// SinkErrorsTotal counts failed sink writes by sink
	SinkErrorsTotal metric.Int64Counter

	// LokiSendDuration measures the duration of Loki push operations
	LokiSendDuration metric.Float64Histogram

	// LokiSendTotal counts total Loki sends by status
	LokiSendTotal metric.Int64Counter

	// NATSPublishedTotal counts events published to NATS by status
	NATSPublishedTotal metric.Int64Counter
)

// API Metrics
var (
	// APIRequestsTotal counts query API requests by route and status
	APIRequestsTotal metric.Int64Counter
)

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	// Poller Metrics
	PollerPassesTotal, err = Meter.Int64Counter(
		"poller.passes.total",
		metric.WithDescription("Total number of scheduler passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return err
	}

	PollerTasksEnqueued, err = Meter.Int64Counter(
		"poller.tasks.enqueued",
		metric.WithDescription("Line tasks accepted by the queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	PollerTasksCoalesced, err = Meter.Int64Counter(
		"poller.tasks.coalesced",
		metric.WithDescription("Line tasks dropped because the line was already queued"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	PollerLinePolls, err = Meter.Int64Counter(
		"poller.line.polls",
		metric.WithDescription("Line polls by status"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return err
	}

	PollerCyclesSkipped, err = Meter.Int64Counter(
		"poller.cycles.skipped",
		metric.WithDescription("Line cycles skipped after a provider error"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	PollerPollDuration, err = Meter.Float64Histogram(
		"poller.poll.duration",
		metric.WithDescription("Duration of a single line poll"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	PollerLinesInFlight, err = Meter.Int64UpDownCounter(
		"poller.lines.in_flight",
		metric.WithDescription("Number of lines currently being polled"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return err
	}

	PollerPanicsTotal, err = Meter.Int64Counter(
		"poller.panics.total",
		metric.WithDescription("Recovered panics in poll workers"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return err
	}

	// Provider Metrics
	ProviderRequestsTotal, err = Meter.Int64Counter(
		"provider.requests.total",
		metric.WithDescription("Total ETA provider requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	ProviderRequestDuration, err = Meter.Float64Histogram(
		"provider.request.duration",
		metric.WithDescription("Duration of ETA provider requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	ParserStopsExtracted, err = Meter.Int64Counter(
		"parser.stops.extracted",
		metric.WithDescription("Stop reports decoded from provider payloads"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return err
	}

	ParserStopsFailed, err = Meter.Int64Counter(
		"parser.stops.failed",
		metric.WithDescription("Stop reports that failed to decode"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return err
	}

	// Matcher Metrics
	MatcherSnapshotsProcessed, err = Meter.Int64Counter(
		"matcher.snapshots.processed",
		metric.WithDescription("Line snapshots applied to matcher state"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	MatcherProcessDuration, err = Meter.Float64Histogram(
		"matcher.process.duration",
		metric.WithDescription("Time spent applying one snapshot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1),
	)
	if err != nil {
		return err
	}

	MatcherTripsCreated, err = Meter.Int64Counter(
		"matcher.trips.created",
		metric.WithDescription("Trips created"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return err
	}

	MatcherTripsAdvanced, err = Meter.Int64Counter(
		"matcher.trips.advanced",
		metric.WithDescription("Trips advanced to their next stop"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return err
	}

	MatcherTripsCompleted, err = Meter.Int64Counter(
		"matcher.trips.completed",
		metric.WithDescription("Trips that finished their route"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return err
	}

	MatcherUnknownStops, err = Meter.Int64Counter(
		"matcher.stops.unknown",
		metric.WithDescription("Snapshot entries for stops not on the line's route"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return err
	}

	// Event sink Metrics
	EventsEmitted, err = Meter.Int64Counter(
		"events.emitted",
		metric.WithDescription("Trip events emitted by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	SinkErrorsTotal, err = Meter.Int64Counter(
		"sink.errors.total",
		metric.WithDescription("Failed event sink writes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	LokiSendDuration, err = Meter.Float64Histogram(
		"loki.send.duration",
		metric.WithDescription("Duration of Loki push operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	LokiSendTotal, err = Meter.Int64Counter(
		"loki.send.total",
		metric.WithDescription("Total Loki sends by status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	NATSPublishedTotal, err = Meter.Int64Counter(
		"nats.published.total",
		metric.WithDescription("Trip events published to NATS by status"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	// API Metrics
	APIRequestsTotal, err = Meter.Int64Counter(
		"api.requests.total",
		metric.WithDescription("Query API requests by route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	return nil
}
