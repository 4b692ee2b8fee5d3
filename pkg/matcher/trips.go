package matcher

import (
	"time"

	"eta2trips/pkg/routes"
	"eta2trips/pkg/types"
)

// Trip is one inferred vehicle journey. Trips never leave the matcher except
// as events.
type Trip struct {
	ID          uint64
	NextStop    types.StopID
	Remaining   time.Duration
	LastSampled time.Time
}

// lineState is the tracked trips of one line plus the last assigned trip id.
// A lineState is never mutated once built; step returns a new one.
type lineState struct {
	trips  []Trip
	lastID uint64
}

type stepCounts struct {
	created   int
	advanced  int
	completed int
}

// HeadingTo reports whether a vehicle is inferred to be heading to stop.
// stops must be ordered by route position. The first report is always
// headed to; any other report is headed to only when its ETA gap to the
// preceding report, rounded to the second, equals interval. Sub-second
// jitter in provider ETAs is therefore tolerated.
func HeadingTo(stops []types.StopEta, stop types.StopID, interval time.Duration) bool {
	for i, s := range stops {
		if s.StopID != stop {
			continue
		}
		if i == 0 {
			return true
		}
		gap := s.ETA.Sub(stops[i-1].ETA).Round(time.Second)
		return gap == interval
	}
	return false
}

// step applies one normalized snapshot to prev and returns the new state
// together with the events to emit, in emission order.
func step(route *routes.Route, prev lineState, stops []types.StopEta, now time.Time) (lineState, []types.TripEvent, stepCounts) {
	var counts stepCounts

	next := lineState{lastID: prev.lastID}
	trips, evs := advanceTrips(route, prev.trips, stops, now, &counts)
	next.trips = trips

	created, createEvs := createTrips(route, &next, stops, now)
	counts.created = created

	return next, append(evs, createEvs...), counts
}

// advanceTrips runs every tracked trip through the advance rules. Trips not
// returned are retired.
func advanceTrips(route *routes.Route, prev []Trip, stops []types.StopEta, now time.Time, counts *stepCounts) ([]Trip, []types.TripEvent) {
	kept := make([]Trip, 0, len(prev))
	var evs []types.TripEvent

	for _, t := range prev {
		target, _ := route.Interval(t.NextStop)

		switch {
		case !HeadingTo(stops, t.NextStop, target):
			// Target no longer reported as occupied: the vehicle passed it.
		case !route.IsLast(t.NextStop) && !headingToFollowing(route, stops, t.NextStop):
			elapsed := now.Sub(t.LastSampled)
			if elapsed < 0 {
				elapsed = 0
			}
			t.Remaining -= elapsed
			t.LastSampled = now
			kept = append(kept, t)
			continue
		case closest(prev, t) && t.Remaining <= 0:
		default:
			kept = append(kept, t)
			continue
		}

		moved, ev, ok := advance(route, t, stops, now)
		evs = append(evs, ev)
		if !ok {
			counts.completed++
			continue
		}
		counts.advanced++
		kept = append(kept, moved)
	}

	return kept, evs
}

// createTrips starts a trip for every headed-to stop no tracked trip
// targets.
func createTrips(route *routes.Route, state *lineState, stops []types.StopEta, now time.Time) (int, []types.TripEvent) {
	targeted := make(map[types.StopID]bool, len(state.trips))
	for _, t := range state.trips {
		targeted[t.NextStop] = true
	}

	var evs []types.TripEvent
	for _, s := range stops {
		interval, _ := route.Interval(s.StopID)
		if targeted[s.StopID] || !HeadingTo(stops, s.StopID, interval) {
			continue
		}

		state.lastID++
		t := Trip{
			ID:          state.lastID,
			NextStop:    s.StopID,
			Remaining:   interval,
			LastSampled: now,
		}
		state.trips = append(state.trips, t)
		targeted[s.StopID] = true

		evs = append(evs, types.TripEvent{
			Timestamp: now,
			Line:      route.Line(),
			StopID:    s.StopID,
			ETA:       s.ETA,
			TripID:    t.ID,
		})
	}

	return len(evs), evs
}

// advance moves t to the stop after its target. ok is false when the route
// is exhausted; the returned event is then a completion.
func advance(route *routes.Route, t Trip, stops []types.StopEta, now time.Time) (Trip, types.TripEvent, bool) {
	following, ok := route.Next(t.NextStop)
	if !ok {
		return Trip{}, types.TripEvent{
			Timestamp: now,
			Line:      route.Line(),
			StopID:    types.CompletedStop,
			ETA:       now,
			TripID:    t.ID,
		}, false
	}

	t.NextStop = following.ToStop
	t.Remaining = following.Interval
	t.LastSampled = now

	eta := now.Add(t.Remaining)
	if reported, found := etaOf(stops, t.NextStop); found {
		eta = reported
	}

	return t, types.TripEvent{
		Timestamp: now,
		Line:      route.Line(),
		StopID:    t.NextStop,
		ETA:       eta,
		TripID:    t.ID,
	}, true
}

func headingToFollowing(route *routes.Route, stops []types.StopEta, stop types.StopID) bool {
	following, ok := route.Next(stop)
	if !ok {
		return false
	}
	return HeadingTo(stops, following.ToStop, following.Interval)
}

// closest reports whether no other trip in trips targets t's stop with a
// strictly smaller countdown.
func closest(trips []Trip, t Trip) bool {
	for _, other := range trips {
		if other.ID != t.ID && other.NextStop == t.NextStop && other.Remaining < t.Remaining {
			return false
		}
	}
	return true
}

func etaOf(stops []types.StopEta, stop types.StopID) (time.Time, bool) {
	for _, s := range stops {
		if s.StopID == stop {
			return s.ETA, true
		}
	}
	return time.Time{}, false
}
