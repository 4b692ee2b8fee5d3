// Package events defines where trip events go. The matcher writes every
// processed snapshot's events as one batch to a Sink.
package events

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"eta2trips/pkg/metrics"
	"eta2trips/pkg/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives batches of trip events.
type Sink interface {
	Write(ctx context.Context, events []types.TripEvent) error
	Close() error
}

// CSVSink appends one comma separated line per event:
// timestamp,line,stopId,eta,tripId
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// NewCSVSink writes to w. If w is also an io.Closer it is closed by Close,
// unless it is one of the process' standard streams.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok && !isStdStream(w) {
		s.closer = c
	}
	return s
}

func isStdStream(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (f == os.Stdout || f == os.Stderr)
}

// Write appends the events and flushes.
func (s *CSVSink) Write(_ context.Context, events []types.TripEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if err := s.w.Write(e.Record()); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the underlying writer when owned.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// NamedSink pairs a sink with the name used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans a batch out to several sinks. A failing sink does not
// prevent delivery to the others.
type MultiSink struct {
	sinks []NamedSink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write delivers events to every sink. The returned error joins the
// individual failures.
func (m *MultiSink) Write(ctx context.Context, events []types.TripEvent) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Write(ctx, events); err != nil {
			slog.Warn("Sink write failed", "sink", s.Name, "events", len(events), "error", err)
			metrics.SinkErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", s.Name)))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
