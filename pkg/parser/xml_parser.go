package parser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"eta2trips/pkg/metrics"
	"eta2trips/pkg/types"

	"github.com/clbanning/mxj/v2"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	stopVisitPath  = "Siri.ServiceDelivery.StopMonitoringDelivery.MonitoredStopVisit"
	timingLinkPath = "TransXChange.JourneyPatternSections.JourneyPatternSection.JourneyPatternTimingLink"
)

type XMLParser struct {
	tracer trace.Tracer
}

func NewXMLParser() *XMLParser {
	return &XMLParser{
		tracer: otelapi.Tracer("xml-parser"),
	}
}

// ParseStopMonitoring extracts the next expected arrival per stop for line
// from a SIRI StopMonitoring response. Visits of other lines are ignored.
// When a stop has several visits for line, the earliest one wins. Stops are
// returned in document order.
func (p *XMLParser) ParseStopMonitoring(ctx context.Context, line string, data []byte) ([]types.StopEta, error) {
	ctx, span := p.tracer.Start(ctx, "xml_parser.parse_stop_monitoring",
		trace.WithAttributes(
			attribute.String("line_ref", line),
			attribute.Int("xml_size_bytes", len(data)),
		),
	)
	defer span.End()

	mv, err := mxj.NewMapXml(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	visits, err := mv.ValuesForPath(stopVisitPath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to extract stop visits: %w", err)
	}

	var (
		stops   []types.StopEta
		index   = make(map[types.StopID]int)
		skipped int
	)

	for _, v := range visits {
		visit, ok := v.(map[string]interface{})
		if !ok {
			skipped++
			continue
		}

		eta, ok := parseStopVisit(mxj.Map(visit), line)
		if !ok {
			skipped++
			continue
		}
		if eta.StopID == "" {
			// Visit for another line
			continue
		}

		if i, seen := index[eta.StopID]; seen {
			if eta.ETA.Before(stops[i].ETA) {
				stops[i].ETA = eta.ETA
			}
			continue
		}
		index[eta.StopID] = len(stops)
		stops = append(stops, eta)
	}

	lineAttr := metric.WithAttributes(attribute.String("line", line))
	metrics.ParserStopsExtracted.Add(ctx, int64(len(stops)), lineAttr)
	if skipped > 0 {
		metrics.ParserStopsFailed.Add(ctx, int64(skipped), lineAttr)
		slog.Debug("Skipped malformed stop visits", "line", line, "count", skipped)
	}

	span.SetAttributes(
		attribute.Int("visits_count", len(visits)),
		attribute.Int("stops_count", len(stops)),
		attribute.Int("visits_skipped", skipped),
	)

	return stops, nil
}

// parseStopVisit decodes one MonitoredStopVisit. A visit of another line
// yields a zero StopEta and ok == true; ok is false for malformed visits.
func parseStopVisit(visit mxj.Map, line string) (types.StopEta, bool) {
	lineRef, _ := visit.ValueForPathString("MonitoredVehicleJourney.LineRef")
	if strings.TrimSpace(lineRef) != line {
		return types.StopEta{}, true
	}

	stopRef, _ := visit.ValueForPathString("MonitoredVehicleJourney.MonitoredCall.StopPointRef")
	if stopRef == "" {
		stopRef, _ = visit.ValueForPathString("MonitoringRef")
	}
	stopRef = strings.TrimSpace(stopRef)
	if stopRef == "" {
		return types.StopEta{}, false
	}

	raw, _ := visit.ValueForPathString("MonitoredVehicleJourney.MonitoredCall.ExpectedArrivalTime")
	if raw == "" {
		raw, _ = visit.ValueForPathString("MonitoredVehicleJourney.MonitoredCall.AimedArrivalTime")
	}
	eta, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return types.StopEta{}, false
	}

	return types.StopEta{StopID: types.StopID(stopRef), ETA: eta}, true
}

// ParseRouteIntervals turns the journey pattern timing links of a
// TransXChange document into the ordered stop intervals of a route. The
// first link's origin is the entry stop with a zero interval; each link
// then contributes its destination with the link's run time. Links must be
// contiguous.
func (p *XMLParser) ParseRouteIntervals(ctx context.Context, line string, data []byte) ([]types.StopInterval, error) {
	_, span := p.tracer.Start(ctx, "xml_parser.parse_route_intervals",
		trace.WithAttributes(
			attribute.String("line_ref", line),
			attribute.Int("xml_size_bytes", len(data)),
		),
	)
	defer span.End()

	mv, err := mxj.NewMapXml(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	links, err := mv.ValuesForPath(timingLinkPath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to extract timing links: %w", err)
	}

	var intervals []types.StopInterval
	for i, l := range links {
		link, ok := l.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("timing link %d is not an element", i)
		}
		m := mxj.Map(link)

		from, _ := m.ValueForPathString("From.StopPointRef")
		to, _ := m.ValueForPathString("To.StopPointRef")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from == "" || to == "" {
			return nil, fmt.Errorf("timing link %d is missing a stop reference", i)
		}

		rawRunTime, _ := m.ValueForPathString("RunTime")
		runTime, err := ParseRunTime(rawRunTime)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("timing link %d: %w", i, err)
		}

		if len(intervals) == 0 {
			intervals = append(intervals, types.StopInterval{ToStop: types.StopID(from)})
		} else if prev := intervals[len(intervals)-1].ToStop; prev != types.StopID(from) {
			return nil, fmt.Errorf("timing link %d starts at %s but previous link ends at %s", i, from, prev)
		}

		intervals = append(intervals, types.StopInterval{ToStop: types.StopID(to), Interval: runTime})
	}

	span.SetAttributes(attribute.Int("stops_count", len(intervals)))

	return intervals, nil
}

var runTimePattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseRunTime parses a TransXChange run time, an ISO 8601 duration limited
// to hours, minutes and seconds (e.g. "PT1M30S").
func ParseRunTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	m := runTimePattern.FindStringSubmatch(s)
	if m == nil || s == "PT" {
		return 0, fmt.Errorf("invalid run time %q", s)
	}

	var d time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid run time %q: %w", s, err)
		}
		d += time.Duration(n) * unit
	}
	return d, nil
}
