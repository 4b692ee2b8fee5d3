// Package publisher fans trip events out to NATS subjects of the form
// <prefix>.<line>.<kind>.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eta2trips/pkg/metrics"
	"eta2trips/pkg/types"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc      conn
	prefix  string
	runID   string
	verbose bool
}

// TripMessage is the payload of every published event.
type TripMessage struct {
	RunID     string    `json:"runId"`
	Kind      string    `json:"kind"`
	Line      string    `json:"line"`
	StopID    string    `json:"stopId"`
	ETA       time.Time `json:"eta"`
	TripID    uint64    `json:"tripId"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNATSPublisher connects to url. Connection state changes are logged;
// the client reconnects on its own.
func NewNATSPublisher(url, subjectPrefix, runID string, verbose bool) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("eta2trips"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return newPublisher(nc, subjectPrefix, runID, verbose), nil
}

func newPublisher(nc conn, subjectPrefix, runID string, verbose bool) *NATSPublisher {
	prefix := strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "eta.trips"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, runID: runID, verbose: verbose}
}

// Write publishes every event. All events are attempted; the returned
// error joins the failures.
func (p *NATSPublisher) Write(ctx context.Context, evs []types.TripEvent) error {
	var errs []error
	for _, ev := range evs {
		subject := p.Subject(ev)
		b, err := json.Marshal(TripMessage{
			RunID:     p.runID,
			Kind:      ev.Kind(),
			Line:      ev.Line,
			StopID:    string(ev.StopID),
			ETA:       ev.ETA.UTC(),
			TripID:    ev.TripID,
			Timestamp: ev.Timestamp.UTC(),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if p.verbose {
			slog.Debug("NATS publish", "subject", subject)
		}

		status := "success"
		if err := p.nc.Publish(subject, b); err != nil {
			status = "error"
			errs = append(errs, fmt.Errorf("publish %s: %w", subject, err))
		}
		metrics.NATSPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	return errors.Join(errs...)
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev types.TripEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(ev.Line), ev.Kind())
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
