// Package matcher turns anonymous per-stop ETA snapshots into tracked trips.
//
// A Matcher is a single-owner actor: snapshots are submitted to a buffered
// channel and applied one at a time by Run, so per-line trip state is only
// ever touched by one goroutine.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eta2trips/pkg/clock"
	"eta2trips/pkg/metrics"
	"eta2trips/pkg/otel"
	"eta2trips/pkg/routes"
	"eta2trips/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("matcher is closed")

// EventWriter receives the events produced by one snapshot as a batch.
type EventWriter interface {
	Write(ctx context.Context, evs []types.TripEvent) error
}

type Config struct {
	Routes    *routes.Index
	Events    EventWriter
	Clock     clock.Clock
	QueueSize int
}

type Matcher struct {
	routes *routes.Index
	events EventWriter
	clock  clock.Clock
	tracer trace.Tracer

	in     chan types.LineSnapshot
	mu     sync.RWMutex
	closed bool

	// states is owned by the Run goroutine.
	states    map[string]lineState
	published atomic.Pointer[map[string]lineState]
}

func New(config Config) (*Matcher, error) {
	if config.Routes == nil {
		return nil, fmt.Errorf("route index is required")
	}

	if config.Events == nil {
		return nil, fmt.Errorf("event writer is required")
	}

	if config.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", config.QueueSize)
	}

	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	m := &Matcher{
		routes: config.Routes,
		events: config.Events,
		clock:  config.Clock,
		tracer: otelapi.Tracer("matcher"),
		in:     make(chan types.LineSnapshot, config.QueueSize),
		states: make(map[string]lineState),
	}
	m.published.Store(&map[string]lineState{})

	return m, nil
}

// Submit queues a snapshot for processing. It blocks while the queue is
// full until ctx is done. Snapshots of one line are processed in
// submission order.
func (m *Matcher) Submit(ctx context.Context, snap types.LineSnapshot) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	select {
	case m.in <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting snapshots. Run returns once the queued ones are
// processed. Close is idempotent.
func (m *Matcher) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.in)
	}
}

// Run processes snapshots until Close is called and the queue is drained.
// Cancelling ctx does not stop Run; queued snapshots are still applied and
// their events written.
func (m *Matcher) Run(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	slog.Info("Matcher started", "lines", len(m.routes.Lines()))
	for snap := range m.in {
		m.process(ctx, snap)
	}
	slog.Info("Matcher stopped")

	return nil
}

// QueueDepth returns the number of snapshots waiting to be processed.
func (m *Matcher) QueueDepth() int {
	return len(m.in)
}

// ActiveTrips returns the number of trips tracked across all lines as of
// the last processed snapshot. Safe for concurrent use.
func (m *Matcher) ActiveTrips() int64 {
	var n int64
	for _, st := range *m.published.Load() {
		n += int64(len(st.trips))
	}
	return n
}

// Trips returns the trips tracked for line as of the last processed
// snapshot. Safe for concurrent use.
func (m *Matcher) Trips(line string) []Trip {
	st := (*m.published.Load())[line]
	out := make([]Trip, len(st.trips))
	copy(out, st.trips)
	return out
}

func (m *Matcher) process(ctx context.Context, snap types.LineSnapshot) {
	ctx, span := m.tracer.Start(ctx, "matcher.process_snapshot",
		trace.WithAttributes(
			attribute.String("line_ref", snap.Line),
			attribute.Int("stops_reported", len(snap.Stops)),
		),
	)
	defer span.End()

	start := time.Now()
	lineAttr := metric.WithAttributes(attribute.String("line", snap.Line))

	route, ok := m.routes.Route(snap.Line)
	if !ok {
		err := fmt.Errorf("no route for line %s", snap.Line)
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		slog.Warn("Dropping snapshot", "line", snap.Line, "error", err)
		return
	}

	stops, dropped := route.Normalize(snap.Stops)
	if dropped > 0 {
		metrics.MatcherUnknownStops.Add(ctx, int64(dropped), lineAttr)
		slog.Debug("Ignoring reports for stops not on route", "line", snap.Line, "count", dropped)
	}

	now := m.clock.Now()
	next, evs, counts := step(route, m.states[snap.Line], stops, now)
	m.states[snap.Line] = next
	m.publish()

	metrics.MatcherSnapshotsProcessed.Add(ctx, 1, lineAttr)
	metrics.MatcherTripsCreated.Add(ctx, int64(counts.created), lineAttr)
	metrics.MatcherTripsAdvanced.Add(ctx, int64(counts.advanced), lineAttr)
	metrics.MatcherTripsCompleted.Add(ctx, int64(counts.completed), lineAttr)
	metrics.MatcherProcessDuration.Record(ctx, time.Since(start).Seconds(), lineAttr)

	span.SetAttributes(
		attribute.Int("trips_tracked", len(next.trips)),
		attribute.Int("trips_created", counts.created),
		attribute.Int("trips_advanced", counts.advanced),
		attribute.Int("trips_completed", counts.completed),
	)

	if len(evs) == 0 {
		otel.SetSpanOk(span)
		return
	}

	for _, ev := range evs {
		metrics.EventsEmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("line", ev.Line),
			attribute.String("kind", ev.Kind()),
		))
	}

	if err := m.events.Write(ctx, evs); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, true)
		slog.Error("Failed to write trip events", "line", snap.Line, "events", len(evs), "error", err)
		return
	}

	slog.Debug("Snapshot applied",
		"line", snap.Line,
		"trips", len(next.trips),
		"created", counts.created,
		"advanced", counts.advanced,
		"completed", counts.completed,
	)
	otel.SetSpanOk(span)
}

func (m *Matcher) publish() {
	snapshot := make(map[string]lineState, len(m.states))
	for line, st := range m.states {
		snapshot[line] = st
	}
	m.published.Store(&snapshot)
}
