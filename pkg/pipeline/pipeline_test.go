package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eta2trips/pkg/cache"
	"eta2trips/pkg/clock"
	"eta2trips/pkg/matcher"
	"eta2trips/pkg/routes"
	"eta2trips/pkg/types"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu          sync.Mutex
	responses   map[string][]types.StopEta
	errs        map[string]error
	panics      map[string]bool
	delay       time.Duration
	block       chan struct{}
	calls       map[string]int
	inFlight    map[string]int
	maxInFlight int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		responses: make(map[string][]types.StopEta),
		errs:      make(map[string]error),
		panics:    make(map[string]bool),
		calls:     make(map[string]int),
		inFlight:  make(map[string]int),
	}
}

func (f *fakeSource) LineETAs(_ context.Context, line string) ([]types.StopEta, error) {
	f.mu.Lock()
	f.calls[line]++
	f.inFlight[line]++
	if f.inFlight[line] > f.maxInFlight {
		f.maxInFlight = f.inFlight[line]
	}
	resp, err, panics, block, delay := f.responses[line], f.errs[line], f.panics[line], f.block, f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[line]--
		f.mu.Unlock()
	}()

	if block != nil {
		<-block
	}
	time.Sleep(delay)

	if panics {
		panic("provider exploded")
	}
	return resp, err
}

func (f *fakeSource) Calls(line string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[line]
}

type discardEvents struct{}

func (discardEvents) Write(context.Context, []types.TripEvent) error { return nil }

func testRoutes(t *testing.T) *routes.Index {
	t.Helper()
	var rs []*routes.Route
	for line, stops := range map[string][]types.StopInterval{
		"5": {{ToStop: "A"}, {ToStop: "B", Interval: time.Minute}},
		"7": {{ToStop: "X"}, {ToStop: "Y", Interval: time.Minute}},
		"9": {{ToStop: "P"}},
	} {
		r, err := routes.NewRoute(line, stops)
		if err != nil {
			t.Fatalf("NewRoute(%s): %v", line, err)
		}
		rs = append(rs, r)
	}
	return routes.NewIndex(rs...)
}

func newTestMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	m, err := matcher.New(matcher.Config{
		Routes:    testRoutes(t),
		Events:    discardEvents{},
		Clock:     clock.NewMockClock(t0),
		QueueSize: 8,
	})
	if err != nil {
		t.Fatalf("matcher.New: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// startPipeline runs p in the background and returns a stop function that
// cancels it and returns Run's error.
func startPipeline(t *testing.T, p *Pipeline) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
			return nil
		}
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	source := newFakeSource()
	arrivals := cache.NewArrivalCache()
	m := newTestMatcher(t)

	valid := func() Config {
		return Config{
			Lines:    []string{"5", "7"},
			Interval: 30 * time.Second,
			Workers:  2,
			Source:   source,
			Cache:    arrivals,
			Matcher:  m,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing lines", mutate: func(c *Config) { c.Lines = nil }, errMsg: "at least one line is required"},
		{name: "zero interval", mutate: func(c *Config) { c.Interval = 0 }, errMsg: "poll interval must be positive, got 0s"},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, errMsg: "at least one worker is required, got 0"},
		{name: "missing source", mutate: func(c *Config) { c.Source = nil }, errMsg: "ETA source is required"},
		{name: "missing cache", mutate: func(c *Config) { c.Cache = nil }, errMsg: "arrival cache is required"},
		{name: "missing matcher", mutate: func(c *Config) { c.Matcher = nil }, errMsg: "matcher is required"},
		{name: "empty line", mutate: func(c *Config) { c.Lines = []string{"5", ""} }, errMsg: "line 1 is empty"},
		{name: "duplicate line", mutate: func(c *Config) { c.Lines = []string{"5", "7", "5"} }, errMsg: "line 5 is configured twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(&config)
			pipeline, err := New(config)

			if tt.errMsg != "" {
				if err == nil {
					t.Fatalf("Expected error %q, got nil", tt.errMsg)
				}
				if err.Error() != tt.errMsg {
					t.Errorf("Expected error %q, got %q", tt.errMsg, err.Error())
				}
				if pipeline != nil {
					t.Error("Expected nil pipeline on error")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if pipeline.config.Clock == nil {
				t.Error("Expected default clock to be set")
			}
		})
	}
}

func TestRun_PollsImmediatelyAndFeedsCacheAndMatcher(t *testing.T) {
	source := newFakeSource()
	source.responses["5"] = []types.StopEta{{StopID: "A", ETA: t0}}
	source.responses["7"] = []types.StopEta{{StopID: "X", ETA: t0.Add(time.Minute)}}

	arrivals := cache.NewArrivalCache()
	m := newTestMatcher(t)
	p, err := New(Config{
		Lines:    []string{"5", "7"},
		Interval: time.Hour,
		Workers:  2,
		Source:   source,
		Cache:    arrivals,
		Matcher:  m,
		Clock:    clock.NewMockClock(t0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := startPipeline(t, p)
	waitFor(t, "both lines polled", func() bool { return source.Calls("5") == 1 && source.Calls("7") == 1 })
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	got := arrivals.Query("A")
	if len(got) != 1 || got[0].Line != "5" || !got[0].ETA.Equal(t0) {
		t.Errorf("Query(A) = %+v, want line 5 at %v", got, t0)
	}
	if got := arrivals.Query("X"); len(got) != 1 || got[0].Line != "7" {
		t.Errorf("Query(X) = %+v, want line 7", got)
	}

	if trips := m.Trips("5"); len(trips) != 1 || trips[0].NextStop != "A" {
		t.Errorf("Trips(5) = %+v, want one trip heading to A", trips)
	}
	if trips := m.Trips("7"); len(trips) != 1 || trips[0].NextStop != "X" {
		t.Errorf("Trips(7) = %+v, want one trip heading to X", trips)
	}

	for _, s := range p.Status() {
		if s.LastSuccess == nil || !s.LastSuccess.Equal(t0) {
			t.Errorf("line %s LastSuccess = %v, want %v", s.Line, s.LastSuccess, t0)
		}
		if s.SkippedCycles != 0 {
			t.Errorf("line %s SkippedCycles = %d, want 0", s.Line, s.SkippedCycles)
		}
	}
}

func TestRun_ProviderErrorSkipsOnlyThatLine(t *testing.T) {
	source := newFakeSource()
	source.responses["5"] = []types.StopEta{{StopID: "A", ETA: t0}}
	source.responses["7"] = []types.StopEta{{StopID: "X", ETA: t0}}
	source.errs["7"] = errors.New("503 Service Unavailable")

	arrivals := cache.NewArrivalCache()
	m := newTestMatcher(t)
	p, err := New(Config{
		Lines:    []string{"7", "5"},
		Interval: time.Hour,
		Workers:  1,
		Source:   source,
		Cache:    arrivals,
		Matcher:  m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := startPipeline(t, p)
	waitFor(t, "both lines polled", func() bool { return source.Calls("5") == 1 && source.Calls("7") == 1 })
	stop()

	if got := arrivals.Query("X"); len(got) != 0 {
		t.Errorf("Query(X) = %+v, want empty after provider error", got)
	}
	if got := arrivals.Query("A"); len(got) != 1 {
		t.Errorf("Query(A) = %+v, want one entry", got)
	}
	if trips := m.Trips("7"); len(trips) != 0 {
		t.Errorf("Trips(7) = %+v, want none", trips)
	}

	status := p.Status()
	if len(status) != 2 || status[0].Line != "5" || status[1].Line != "7" {
		t.Fatalf("Status() = %+v, want lines 5 and 7", status)
	}
	failed := status[1]
	if failed.SkippedCycles != 1 {
		t.Errorf("SkippedCycles = %d, want 1", failed.SkippedCycles)
	}
	if failed.LastSuccess != nil {
		t.Errorf("LastSuccess = %v, want nil", failed.LastSuccess)
	}
	if want := "failed to fetch ETAs for line 7: 503 Service Unavailable"; failed.LastError != want {
		t.Errorf("LastError = %q, want %q", failed.LastError, want)
	}
}

func TestRun_WorkerSurvivesPanic(t *testing.T) {
	source := newFakeSource()
	source.panics["9"] = true
	source.responses["5"] = []types.StopEta{{StopID: "A", ETA: t0}}

	arrivals := cache.NewArrivalCache()
	p, err := New(Config{
		Lines:    []string{"9", "5"},
		Interval: time.Hour,
		Workers:  1,
		Source:   source,
		Cache:    arrivals,
		Matcher:  newTestMatcher(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := startPipeline(t, p)
	waitFor(t, "line 5 cached", func() bool { return len(arrivals.Query("A")) == 1 })
	stop()

	for _, s := range p.Status() {
		if s.Line == "9" && s.SkippedCycles != 1 {
			t.Errorf("line 9 SkippedCycles = %d, want 1", s.SkippedCycles)
		}
	}
}

func TestRun_DrainsQueuedPollsOnShutdown(t *testing.T) {
	source := newFakeSource()
	source.block = make(chan struct{})

	p, err := New(Config{
		Lines:    []string{"5", "7", "9"},
		Interval: time.Hour,
		Workers:  1,
		Source:   source,
		Cache:    cache.NewArrivalCache(),
		Matcher:  newTestMatcher(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := startPipeline(t, p)
	waitFor(t, "first poll in flight", func() bool { return source.Calls("5") == 1 })

	errCh := make(chan error, 1)
	go func() { errCh <- stop() }()
	time.Sleep(20 * time.Millisecond)
	close(source.block)

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	for _, line := range []string{"5", "7", "9"} {
		if got := source.Calls(line); got != 1 {
			t.Errorf("line %s polled %d times, want 1", line, got)
		}
	}
	if depth := p.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth() = %d, want 0", depth)
	}
}

func TestRun_LineNeverPolledConcurrently(t *testing.T) {
	source := newFakeSource()
	source.delay = 5 * time.Millisecond

	p, err := New(Config{
		Lines:    []string{"5"},
		Interval: time.Millisecond,
		Workers:  4,
		Source:   source,
		Cache:    cache.NewArrivalCache(),
		Matcher:  newTestMatcher(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := startPipeline(t, p)
	waitFor(t, "several polls", func() bool { return source.Calls("5") >= 5 })
	stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.maxInFlight != 1 {
		t.Errorf("max concurrent polls of one line = %d, want 1", source.maxInFlight)
	}
}
