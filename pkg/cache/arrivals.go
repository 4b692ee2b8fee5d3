// Package cache keeps the latest line ETAs per stop. It is written by the
// poll workers and read by the query API.
package cache

import (
	"sort"
	"sync"
	"time"

	"eta2trips/pkg/types"
)

// ArrivalCache maps stop -> {line -> latest ETA}. Entries never expire;
// staleness is the caller's concern.
type ArrivalCache struct {
	mu    sync.RWMutex // guards stops; never held while a stop entry is locked for writing
	stops map[types.StopID]*stopArrivals
}

type stopArrivals struct {
	mu    sync.Mutex
	lines map[string]time.Time
}

// NewArrivalCache creates an empty cache.
func NewArrivalCache() *ArrivalCache {
	return &ArrivalCache{
		stops: make(map[types.StopID]*stopArrivals),
	}
}

// Update overwrites the ETA stored for (stop, line).
func (c *ArrivalCache) Update(stop types.StopID, line string, eta time.Time) {
	entry := c.entry(stop)

	entry.mu.Lock()
	entry.lines[line] = eta
	entry.mu.Unlock()
}

// UpdateLine stores every report of a line snapshot.
func (c *ArrivalCache) UpdateLine(line string, stops []types.StopEta) {
	for _, s := range stops {
		c.Update(s.StopID, line, s.ETA)
	}
}

// Query returns a copy of the line ETAs known for stop, ordered by line.
// An unknown stop yields an empty slice.
func (c *ArrivalCache) Query(stop types.StopID) []types.LineEta {
	c.mu.RLock()
	entry, ok := c.stops[stop]
	c.mu.RUnlock()

	if !ok {
		return []types.LineEta{}
	}

	entry.mu.Lock()
	result := make([]types.LineEta, 0, len(entry.lines))
	for line, eta := range entry.lines {
		result = append(result, types.LineEta{Line: line, ETA: eta})
	}
	entry.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Line < result[j].Line
	})
	return result
}

// Stops returns the number of stops with at least one line ETA.
func (c *ArrivalCache) Stops() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stops)
}

// entry returns the per-stop map, creating it on first use.
func (c *ArrivalCache) entry(stop types.StopID) *stopArrivals {
	c.mu.RLock()
	entry, ok := c.stops[stop]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.stops[stop]; ok {
		return entry
	}
	entry = &stopArrivals{lines: make(map[string]time.Time)}
	c.stops[stop] = entry
	return entry
}
