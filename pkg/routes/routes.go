// Package routes holds the static per-line stop order and nominal
// inter-stop travel times. An Index is loaded once at startup and never
// mutated afterwards, so it is safe for concurrent use.
package routes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"eta2trips/pkg/types"
)

// IntervalSource is the provider capability used to build the index.
type IntervalSource interface {
	LineIntervals(ctx context.Context, line string) ([]types.StopInterval, error)
}

// Route is the ordered stop sequence of one line.
type Route struct {
	line     string
	stops    []types.StopInterval
	position map[types.StopID]int
}

// NewRoute validates intervals and builds a Route.
func NewRoute(line string, intervals []types.StopInterval) (*Route, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("line %s: route has no stops", line)
	}

	r := &Route{
		line:     line,
		stops:    make([]types.StopInterval, len(intervals)),
		position: make(map[types.StopID]int, len(intervals)),
	}
	copy(r.stops, intervals)

	for i, s := range r.stops {
		switch {
		case s.ToStop == "":
			return nil, fmt.Errorf("line %s: stop %d has an empty id", line, i)
		case s.ToStop == types.CompletedStop:
			return nil, fmt.Errorf("line %s: stop id %q is reserved", line, s.ToStop)
		case s.Interval < 0:
			return nil, fmt.Errorf("line %s: stop %s has negative interval %v", line, s.ToStop, s.Interval)
		}
		if _, dup := r.position[s.ToStop]; dup {
			return nil, fmt.Errorf("line %s: stop %s appears twice", line, s.ToStop)
		}
		r.position[s.ToStop] = i
	}

	return r, nil
}

// Line returns the line identifier.
func (r *Route) Line() string { return r.line }

// Len returns the number of stops.
func (r *Route) Len() int { return len(r.stops) }

// Stops returns a copy of the ordered stop intervals.
func (r *Route) Stops() []types.StopInterval {
	out := make([]types.StopInterval, len(r.stops))
	copy(out, r.stops)
	return out
}

// Contains reports whether stop is on the route.
func (r *Route) Contains(stop types.StopID) bool {
	_, ok := r.position[stop]
	return ok
}

// Interval returns the nominal travel time from stop's predecessor to stop.
func (r *Route) Interval(stop types.StopID) (time.Duration, bool) {
	i, ok := r.position[stop]
	if !ok {
		return 0, false
	}
	return r.stops[i].Interval, true
}

// Next returns the stop following stop. ok is false when stop is the last
// stop or is not on the route.
func (r *Route) Next(stop types.StopID) (types.StopInterval, bool) {
	i, ok := r.position[stop]
	if !ok || i+1 >= len(r.stops) {
		return types.StopInterval{}, false
	}
	return r.stops[i+1], true
}

// IsLast reports whether stop is the final stop of the route.
func (r *Route) IsLast(stop types.StopID) bool {
	i, ok := r.position[stop]
	return ok && i == len(r.stops)-1
}

// Normalize drops reports for stops that are not on the route and orders
// the rest by route position. It returns the normalized reports and the
// number of dropped ones. The input slice is not modified.
func (r *Route) Normalize(stops []types.StopEta) ([]types.StopEta, int) {
	out := make([]types.StopEta, 0, len(stops))
	for _, s := range stops {
		if r.Contains(s.StopID) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.position[out[i].StopID] < r.position[out[j].StopID]
	})
	return out, len(stops) - len(out)
}

// Index maps lines to routes.
type Index struct {
	routes map[string]*Route
	lines  []string
}

// NewIndex builds an index from already constructed routes.
func NewIndex(routes ...*Route) *Index {
	idx := &Index{routes: make(map[string]*Route, len(routes))}
	for _, r := range routes {
		if _, exists := idx.routes[r.line]; !exists {
			idx.lines = append(idx.lines, r.line)
		}
		idx.routes[r.line] = r
	}
	return idx
}

// Load queries the provider once per line and builds the index. Any
// failure is fatal to the load: the matcher cannot run a line without its
// route.
func Load(ctx context.Context, source IntervalSource, lines []string) (*Index, error) {
	routes := make([]*Route, 0, len(lines))
	for _, line := range lines {
		intervals, err := source.LineIntervals(ctx, line)
		if err != nil {
			return nil, fmt.Errorf("failed to load intervals for line %s: %w", line, err)
		}
		r, err := NewRoute(line, intervals)
		if err != nil {
			return nil, err
		}
		slog.Debug("Route loaded", "line", line, "stops", r.Len())
		routes = append(routes, r)
	}
	return NewIndex(routes...), nil
}

// Route returns the route of line.
func (idx *Index) Route(line string) (*Route, bool) {
	r, ok := idx.routes[line]
	return r, ok
}

// Lines returns the indexed lines in load order.
func (idx *Index) Lines() []string {
	out := make([]string, len(idx.lines))
	copy(out, idx.lines)
	return out
}
