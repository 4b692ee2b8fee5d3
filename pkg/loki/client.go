package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"eta2trips/pkg/metrics"
	"eta2trips/pkg/otel"
	"eta2trips/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	runID      string
	tracer     trace.Tracer
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// eventLine is the JSON log line pushed for each trip event.
type eventLine struct {
	Kind   string `json:"kind"`
	Line   string `json:"line"`
	StopID string `json:"stop_id"`
	ETA    string `json:"eta"`
	TripID uint64 `json:"trip_id"`
}

// NewClient creates a Loki push client. runID is attached as a stream label
// so trip ids, which restart on every process start, stay unambiguous.
func NewClient(baseURL, username, password, runID string) *Client {
	// Create HTTP client with OpenTelemetry instrumentation
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		runID:      runID,
		tracer:     otelapi.Tracer("loki-client"),
	}
}

// Write pushes evs as one request with a stream per line.
func (c *Client) Write(ctx context.Context, evs []types.TripEvent) error {
	ctx, span := c.tracer.Start(ctx, "loki.send_trip_events",
		trace.WithAttributes(
			attribute.Int("events_count", len(evs)),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.push(ctx, span, evs)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LokiSendTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	metrics.LokiSendDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		return err
	}
	otel.SetSpanOk(span)
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) push(ctx context.Context, span trace.Span, evs []types.TripEvent) error {
	lokiReq, err := c.buildRequest(evs)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return err
	}

	// Marshal Loki request
	reqBody, err := json.Marshal(lokiReq)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := fmt.Sprintf("%s/loki/api/v1/push", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "eta2trips/1.0.0")

	// Add basic authentication if credentials are provided
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	span.SetAttributes(
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
		attribute.Int("request.size_bytes", len(reqBody)),
		attribute.Int("streams_count", len(lokiReq.Streams)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("Loki returned status %d", resp.StatusCode)
		otel.RecordError(span, err, otel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}

	return nil
}

func (c *Client) buildRequest(evs []types.TripEvent) (PushRequest, error) {
	byLine := make(map[string][][]string)
	for _, ev := range evs {
		line, err := json.Marshal(eventLine{
			Kind:   ev.Kind(),
			Line:   ev.Line,
			StopID: string(ev.StopID),
			ETA:    ev.ETA.UTC().Format(time.RFC3339),
			TripID: ev.TripID,
		})
		if err != nil {
			return PushRequest{}, fmt.Errorf("failed to marshal trip event: %w", err)
		}

		byLine[ev.Line] = append(byLine[ev.Line], []string{
			strconv.FormatInt(ev.Timestamp.UnixNano(), 10),
			string(line),
		})
	}

	lines := make([]string, 0, len(byLine))
	for line := range byLine {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	req := PushRequest{Streams: make([]Stream, 0, len(lines))}
	for _, line := range lines {
		req.Streams = append(req.Streams, Stream{
			Stream: map[string]string{
				"job":     "eta2trips",
				"service": "trip-inference",
				"line":    line,
				"run_id":  c.runID,
			},
			Values: byLine[line],
		})
	}

	return req, nil
}
