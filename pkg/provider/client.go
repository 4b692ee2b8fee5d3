// Package provider talks to the upstream ETA service: live per-stop ETAs
// (SIRI StopMonitoring) and static stop-to-stop run times (TransXChange).
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"eta2trips/pkg/metrics"
	"eta2trips/pkg/otel"
	"eta2trips/pkg/parser"
	"eta2trips/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	stopMonitoringEndpoint = "stop-monitoring"
	timingLinksEndpoint    = "timing-links"
)

// Provider is the ETA data source consumed by the route index and the
// poll workers.
type Provider interface {
	LineETAs(ctx context.Context, line string) ([]types.StopEta, error)
	LineIntervals(ctx context.Context, line string) ([]types.StopInterval, error)
}

// StatusError is returned when the provider answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying later may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

var _ Provider = (*Client)(nil)

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
	parser     *parser.XMLParser
	tracer     trace.Tracer
}

// NewClient creates a provider client. requestsPerSecond <= 0 disables
// throttling.
func NewClient(baseURL, apiKey string, requestsPerSecond float64) *Client {
	// Create HTTP client with OpenTelemetry instrumentation
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		if requestsPerSecond > 1 {
			burst = int(requestsPerSecond)
		}
	}

	return &Client{
		httpClient: client,
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, burst),
		parser:     parser.NewXMLParser(),
		tracer:     otelapi.Tracer("provider-client"),
	}
}

// LineETAs returns the current next-vehicle ETA per stop of line.
func (c *Client) LineETAs(ctx context.Context, line string) ([]types.StopEta, error) {
	ctx, span := c.tracer.Start(ctx, "provider.line_etas",
		trace.WithAttributes(attribute.String("line_ref", line)),
	)
	defer span.End()

	body, err := c.fetch(ctx, stopMonitoringEndpoint, line)
	if err != nil {
		recordFetchError(span, err)
		return nil, err
	}

	stops, err := c.parser.ParseStopMonitoring(ctx, line, body)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return nil, fmt.Errorf("failed to parse stop monitoring for line %s: %w", line, err)
	}

	span.SetAttributes(attribute.Int("stops_count", len(stops)))
	otel.SetSpanOk(span)

	return stops, nil
}

// LineIntervals returns the ordered stop intervals of line.
func (c *Client) LineIntervals(ctx context.Context, line string) ([]types.StopInterval, error) {
	ctx, span := c.tracer.Start(ctx, "provider.line_intervals",
		trace.WithAttributes(attribute.String("line_ref", line)),
	)
	defer span.End()

	body, err := c.fetch(ctx, timingLinksEndpoint, line)
	if err != nil {
		recordFetchError(span, err)
		return nil, err
	}

	intervals, err := c.parser.ParseRouteIntervals(ctx, line, body)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return nil, fmt.Errorf("failed to parse timing links for line %s: %w", line, err)
	}

	span.SetAttributes(attribute.Int("stops_count", len(intervals)))
	otel.SetSpanOk(span)

	return intervals, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, line string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	query := url.Values{}
	query.Set("api_key", c.apiKey)
	query.Set("lineRef", line)
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "eta2trips/1.0.0")
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	metrics.ProviderRequestsTotal.Add(ctx, 1, attrs)
	metrics.ProviderRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read the error response body for debugging
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}

func recordFetchError(span trace.Span, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		span.SetAttributes(attribute.Int("http.status_code", se.StatusCode))
		otel.RecordError(span, err, otel.ErrorTypeHTTP, se.Transient())
		return
	}
	otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
}
