package types

import (
	"strconv"
	"time"
)

// StopID identifies a stop as reported by the ETA provider.
type StopID string

// CompletedStop is the stop id carried by a trip completion event.
// No route may contain it.
const CompletedStop StopID = "-1"

// StopInterval is the nominal travel time from the previous stop on a
// route to ToStop. The first stop of a route usually carries a zero interval.
type StopInterval struct {
	ToStop   StopID        `json:"to_stop"`
	Interval time.Duration `json:"interval"`
}

// StopEta is a single provider report: the next vehicle is expected at
// StopID at ETA.
type StopEta struct {
	StopID StopID    `json:"stop_id"`
	ETA    time.Time `json:"eta"`
}

// LineSnapshot is one polling cycle's reports for a line, ordered by route
// position.
type LineSnapshot struct {
	Line     string    `json:"line"`
	Stops    []StopEta `json:"stops"`
	PolledAt time.Time `json:"polled_at"`
}

// LineEta is the per-stop query result.
type LineEta struct {
	Line string    `json:"line"`
	ETA  time.Time `json:"eta"`
}

// TripEvent is one record of the trip event log. StopID is CompletedStop
// when the trip finished its route.
type TripEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
	StopID    StopID    `json:"stop_id"`
	ETA       time.Time `json:"eta"`
	TripID    uint64    `json:"trip_id"`
}

// Completed reports whether the event marks the end of a trip.
func (e TripEvent) Completed() bool {
	return e.StopID == CompletedStop
}

// Kind returns "completion" or "arrival".
func (e TripEvent) Kind() string {
	if e.Completed() {
		return "completion"
	}
	return "arrival"
}

// Record renders the event as the fields of a CSV log line:
// timestamp, line, stopId, eta, tripId.
func (e TripEvent) Record() []string {
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Line,
		string(e.StopID),
		e.ETA.UTC().Format(time.RFC3339),
		strconv.FormatUint(e.TripID, 10),
	}
}
