package parser

import (
	"context"
	"strings"
	"testing"
	"time"

	"eta2trips/pkg/types"
)

const stopMonitoringXML = `<?xml version="1.0" encoding="UTF-8"?>
<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">
  <ServiceDelivery>
    <ResponseTimestamp>2024-01-15T10:29:45Z</ResponseTimestamp>
    <StopMonitoringDelivery version="2.0">
      <MonitoredStopVisit>
        <MonitoringRef>0100BRP90310</MonitoringRef>
        <MonitoredVehicleJourney>
          <LineRef>49x</LineRef>
          <MonitoredCall>
            <StopPointRef>0100BRP90310</StopPointRef>
            <ExpectedArrivalTime>2024-01-15T10:31:00Z</ExpectedArrivalTime>
          </MonitoredCall>
        </MonitoredVehicleJourney>
      </MonitoredStopVisit>
      <MonitoredStopVisit>
        <MonitoringRef>0100BRP90311</MonitoringRef>
        <MonitoredVehicleJourney>
          <LineRef>49x</LineRef>
          <MonitoredCall>
            <StopPointRef>0100BRP90311</StopPointRef>
            <AimedArrivalTime>2024-01-15T10:33:00Z</AimedArrivalTime>
          </MonitoredCall>
        </MonitoredVehicleJourney>
      </MonitoredStopVisit>
      <MonitoredStopVisit>
        <MonitoringRef>0100BRP90311</MonitoringRef>
        <MonitoredVehicleJourney>
          <LineRef>49x</LineRef>
          <MonitoredCall>
            <StopPointRef>0100BRP90311</StopPointRef>
            <ExpectedArrivalTime>2024-01-15T10:32:30Z</ExpectedArrivalTime>
          </MonitoredCall>
        </MonitoredVehicleJourney>
      </MonitoredStopVisit>
      <MonitoredStopVisit>
        <MonitoringRef>0100BRP90311</MonitoringRef>
        <MonitoredVehicleJourney>
          <LineRef>7</LineRef>
          <MonitoredCall>
            <StopPointRef>0100BRP90311</StopPointRef>
            <ExpectedArrivalTime>2024-01-15T10:30:00Z</ExpectedArrivalTime>
          </MonitoredCall>
        </MonitoredVehicleJourney>
      </MonitoredStopVisit>
      <MonitoredStopVisit>
        <MonitoringRef>0100BRP90312</MonitoringRef>
        <MonitoredVehicleJourney>
          <LineRef>49x</LineRef>
          <MonitoredCall>
            <StopPointRef>0100BRP90312</StopPointRef>
            <ExpectedArrivalTime>not-a-time</ExpectedArrivalTime>
          </MonitoredCall>
        </MonitoredVehicleJourney>
      </MonitoredStopVisit>
    </StopMonitoringDelivery>
  </ServiceDelivery>
</Siri>`

func TestParseStopMonitoring_SampleXML(t *testing.T) {
	p := NewXMLParser()

	stops, err := p.ParseStopMonitoring(context.Background(), "49x", []byte(stopMonitoringXML))
	if err != nil {
		t.Fatalf("ParseStopMonitoring failed: %v", err)
	}

	expected := []types.StopEta{
		{StopID: "0100BRP90310", ETA: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC)},
		{StopID: "0100BRP90311", ETA: time.Date(2024, 1, 15, 10, 32, 30, 0, time.UTC)},
	}

	if len(stops) != len(expected) {
		t.Fatalf("got %d stops, want %d: %+v", len(stops), len(expected), stops)
	}
	for i := range expected {
		if stops[i].StopID != expected[i].StopID {
			t.Errorf("stop %d id = %q, want %q", i, stops[i].StopID, expected[i].StopID)
		}
		if !stops[i].ETA.Equal(expected[i].ETA) {
			t.Errorf("stop %d eta = %v, want %v", i, stops[i].ETA, expected[i].ETA)
		}
	}
}

func TestParseStopMonitoring_SingleVisit(t *testing.T) {
	xml := `<Siri><ServiceDelivery><StopMonitoringDelivery>
<MonitoredStopVisit>
  <MonitoringRef>A</MonitoringRef>
  <MonitoredVehicleJourney>
    <LineRef>5</LineRef>
    <MonitoredCall><ExpectedArrivalTime>2024-01-15T10:31:00+01:00</ExpectedArrivalTime></MonitoredCall>
  </MonitoredVehicleJourney>
</MonitoredStopVisit>
</StopMonitoringDelivery></ServiceDelivery></Siri>`

	stops, err := NewXMLParser().ParseStopMonitoring(context.Background(), "5", []byte(xml))
	if err != nil {
		t.Fatalf("ParseStopMonitoring failed: %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("got %d stops, want 1", len(stops))
	}
	if stops[0].StopID != "A" {
		t.Errorf("StopID = %q, want MonitoringRef fallback %q", stops[0].StopID, "A")
	}
	if want := time.Date(2024, 1, 15, 9, 31, 0, 0, time.UTC); !stops[0].ETA.Equal(want) {
		t.Errorf("ETA = %v, want %v", stops[0].ETA, want)
	}
}

func TestParseStopMonitoring_EmptyResponse(t *testing.T) {
	xml := `<Siri><ServiceDelivery><StopMonitoringDelivery></StopMonitoringDelivery></ServiceDelivery></Siri>`

	stops, err := NewXMLParser().ParseStopMonitoring(context.Background(), "5", []byte(xml))
	if err != nil {
		t.Fatalf("ParseStopMonitoring failed: %v", err)
	}
	if len(stops) != 0 {
		t.Errorf("got %d stops, want 0", len(stops))
	}
}

func TestParseStopMonitoring_MalformedXML(t *testing.T) {
	_, err := NewXMLParser().ParseStopMonitoring(context.Background(), "5", []byte("<Siri><broken"))
	if err == nil {
		t.Fatal("expected error for malformed XML")
	}
	if !strings.HasPrefix(err.Error(), "failed to parse XML") {
		t.Errorf("unexpected error: %v", err)
	}
}

const timingLinksXML = `<?xml version="1.0" encoding="UTF-8"?>
<TransXChange xmlns="http://www.transxchange.org.uk/" SchemaVersion="2.4">
  <JourneyPatternSections>
    <JourneyPatternSection id="JPS1">
      <JourneyPatternTimingLink id="JPTL1">
        <From SequenceNumber="1"><StopPointRef>A</StopPointRef></From>
        <To SequenceNumber="2"><StopPointRef>B</StopPointRef></To>
        <RunTime>PT1M</RunTime>
      </JourneyPatternTimingLink>
      <JourneyPatternTimingLink id="JPTL2">
        <From SequenceNumber="2"><StopPointRef>B</StopPointRef></From>
        <To SequenceNumber="3"><StopPointRef>C</StopPointRef></To>
        <RunTime>PT1M30S</RunTime>
      </JourneyPatternTimingLink>
    </JourneyPatternSection>
    <JourneyPatternSection id="JPS2">
      <JourneyPatternTimingLink id="JPTL3">
        <From SequenceNumber="3"><StopPointRef>C</StopPointRef></From>
        <To SequenceNumber="4"><StopPointRef>D</StopPointRef></To>
        <RunTime>PT45S</RunTime>
      </JourneyPatternTimingLink>
    </JourneyPatternSection>
  </JourneyPatternSections>
</TransXChange>`

func TestParseRouteIntervals_SampleXML(t *testing.T) {
	intervals, err := NewXMLParser().ParseRouteIntervals(context.Background(), "5", []byte(timingLinksXML))
	if err != nil {
		t.Fatalf("ParseRouteIntervals failed: %v", err)
	}

	expected := []types.StopInterval{
		{ToStop: "A", Interval: 0},
		{ToStop: "B", Interval: time.Minute},
		{ToStop: "C", Interval: 90 * time.Second},
		{ToStop: "D", Interval: 45 * time.Second},
	}
	if len(intervals) != len(expected) {
		t.Fatalf("got %d intervals, want %d: %+v", len(intervals), len(expected), intervals)
	}
	for i := range expected {
		if intervals[i] != expected[i] {
			t.Errorf("interval %d = %+v, want %+v", i, intervals[i], expected[i])
		}
	}
}

func TestParseRouteIntervals_Errors(t *testing.T) {
	tests := []struct {
		name   string
		xml    string
		errMsg string
	}{
		{
			name: "gap between links",
			xml: `<TransXChange><JourneyPatternSections><JourneyPatternSection>
<JourneyPatternTimingLink><From><StopPointRef>A</StopPointRef></From><To><StopPointRef>B</StopPointRef></To><RunTime>PT1M</RunTime></JourneyPatternTimingLink>
<JourneyPatternTimingLink><From><StopPointRef>C</StopPointRef></From><To><StopPointRef>D</StopPointRef></To><RunTime>PT1M</RunTime></JourneyPatternTimingLink>
</JourneyPatternSection></JourneyPatternSections></TransXChange>`,
			errMsg: "timing link 1 starts at C but previous link ends at B",
		},
		{
			name: "missing stop",
			xml: `<TransXChange><JourneyPatternSections><JourneyPatternSection>
<JourneyPatternTimingLink><From><StopPointRef>A</StopPointRef></From><RunTime>PT1M</RunTime></JourneyPatternTimingLink>
</JourneyPatternSection></JourneyPatternSections></TransXChange>`,
			errMsg: "timing link 0 is missing a stop reference",
		},
		{
			name: "bad run time",
			xml: `<TransXChange><JourneyPatternSections><JourneyPatternSection>
<JourneyPatternTimingLink><From><StopPointRef>A</StopPointRef></From><To><StopPointRef>B</StopPointRef></To><RunTime>90</RunTime></JourneyPatternTimingLink>
</JourneyPatternSection></JourneyPatternSections></TransXChange>`,
			errMsg: `timing link 0: invalid run time "90"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewXMLParser().ParseRouteIntervals(context.Background(), "5", []byte(tt.xml))
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestParseRunTime(t *testing.T) {
	tests := []struct {
		input     string
		expected  time.Duration
		expectErr bool
	}{
		{"PT0S", 0, false},
		{"PT45S", 45 * time.Second, false},
		{"PT2M", 2 * time.Minute, false},
		{"PT1M30S", 90 * time.Second, false},
		{"PT1H5M", 65 * time.Minute, false},
		{" PT10S ", 10 * time.Second, false},
		{"PT", 0, true},
		{"P1D", 0, true},
		{"90", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRunTime(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("ParseRunTime(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRunTime(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseRunTime(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
