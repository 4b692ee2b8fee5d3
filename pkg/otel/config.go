package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is an OTLP transport protocol.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType names an OTLP signal.
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

// ExporterConfig is the resolved OTLP exporter configuration of one signal.
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

func IsTracingEnabled() bool {
	return isTrue(os.Getenv("OTEL_TRACING_ENABLED"))
}

func IsMetricsEnabled() bool {
	return isTrue(os.Getenv("OTEL_METRICS_ENABLED"))
}

// GetExporterConfig resolves the exporter configuration of signal from the
// standard OTEL_EXPORTER_OTLP_* variables. A signal-specific variable wins
// over its base variable.
func GetExporterConfig(signal SignalType) ExporterConfig {
	return resolveExporterConfig(signal, os.Getenv)
}

// envVars looks up the signal-specific then the base form of an
// OTEL_EXPORTER_OTLP_* setting.
type envVars struct {
	signal string
	getenv func(string) string
}

func (e envVars) specific(name string) string {
	return e.getenv("OTEL_EXPORTER_OTLP_" + e.signal + "_" + name)
}

func (e envVars) get(name, fallback string) string {
	if v := e.specific(name); v != "" {
		return v
	}
	if v := e.getenv("OTEL_EXPORTER_OTLP_" + name); v != "" {
		return v
	}
	return fallback
}

func resolveExporterConfig(signal SignalType, getenv func(string) string) ExporterConfig {
	env := envVars{signal: strings.ToUpper(string(signal)), getenv: getenv}

	var protocol Protocol
	switch strings.ToLower(env.get("PROTOCOL", "")) {
	case "grpc":
		protocol = ProtocolGRPC
	case "http/json":
		protocol = ProtocolHTTPJSON
	default:
		protocol = ProtocolHTTPProtobuf
	}

	var endpoint string
	switch {
	case env.specific("ENDPOINT") != "":
		// Signal endpoints are used as given.
		endpoint = normalizeEndpoint(env.specific("ENDPOINT"), protocol)
	case getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		endpoint = withSignalPath(normalizeEndpoint(getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), protocol), signal, protocol)
	case protocol == ProtocolGRPC:
		endpoint = "localhost:4317"
	default:
		endpoint = "http://localhost:4318/v1/" + string(signal)
	}

	insecure := strings.HasPrefix(endpoint, "http://")
	if v := env.get("INSECURE", ""); v != "" {
		insecure = isTrue(v)
	}

	return ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     parseHeaders(env.get("HEADERS", "")),
		Timeout:     parseTimeout(env.get("TIMEOUT", ""), 10*time.Second),
		Insecure:    insecure,
		Compression: env.get("COMPRESSION", ""),
	}
}

// normalizeEndpoint reduces gRPC endpoints to host:port and gives HTTP
// endpoints a scheme.
func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		host, _, _ := strings.Cut(endpoint, "/")
		return host
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "https://" + endpoint
	}
	return endpoint
}

// withSignalPath appends /v1/<signal> to an HTTP base endpoint unless it is
// already there.
func withSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}

	suffix := "/v1/" + string(signal)
	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + suffix
	}
	if strings.HasSuffix(u.Path, suffix) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders parses "k1=v1,k2=v2". Values are kept verbatim after the
// first '=' so base64 credentials survive.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
	}
	return headers
}

// parseTimeout accepts Go durations ("10s") and plain milliseconds ("10000").
func parseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
