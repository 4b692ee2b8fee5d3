package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eta2trips/pkg/cache"
	"eta2trips/pkg/clock"
	"eta2trips/pkg/matcher"
	"eta2trips/pkg/metrics"
	"eta2trips/pkg/otel"
	"eta2trips/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ETASource fetches the current per-stop ETAs of a line.
type ETASource interface {
	LineETAs(ctx context.Context, line string) ([]types.StopEta, error)
}

type Pipeline struct {
	config    Config
	queue     *taskQueue
	lineLocks map[string]*sync.Mutex
	status    *statusTracker
	tracer    trace.Tracer
}

type Config struct {
	Lines    []string
	Interval time.Duration
	Workers  int

	Source  ETASource
	Cache   *cache.ArrivalCache
	Matcher *matcher.Matcher
	Clock   clock.Clock
}

func New(config Config) (*Pipeline, error) {
	if len(config.Lines) == 0 {
		return nil, fmt.Errorf("at least one line is required")
	}

	if config.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", config.Interval)
	}

	if config.Workers < 1 {
		return nil, fmt.Errorf("at least one worker is required, got %d", config.Workers)
	}

	if config.Source == nil {
		return nil, fmt.Errorf("ETA source is required")
	}

	if config.Cache == nil {
		return nil, fmt.Errorf("arrival cache is required")
	}

	if config.Matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}

	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	locks := make(map[string]*sync.Mutex, len(config.Lines))
	for i, line := range config.Lines {
		if line == "" {
			return nil, fmt.Errorf("line %d is empty", i)
		}
		if _, dup := locks[line]; dup {
			return nil, fmt.Errorf("line %s is configured twice", line)
		}
		locks[line] = &sync.Mutex{}
	}

	return &Pipeline{
		config:    config,
		queue:     newTaskQueue(len(config.Lines)),
		lineLocks: locks,
		status:    newStatusTracker(config.Lines),
		tracer:    otelapi.Tracer("pipeline"),
	}, nil
}

// Run starts the matcher, the worker pool and the scheduler. When ctx is
// cancelled the scheduler stops, queued polls are drained, the matcher
// processes what it was given, and Run returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context) error {
	matcherDone := make(chan error, 1)
	go func() {
		matcherDone <- p.config.Matcher.Run(ctx)
	}()

	// Workers outlive ctx so queued polls finish during shutdown.
	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(workCtx)
		}()
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	slog.Info("Pipeline started",
		"lines", p.config.Lines,
		"interval", p.config.Interval,
		"workers", p.config.Workers,
	)

	// Poll immediately on start
	p.schedulePass(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pipeline stopping, draining queued polls", "queued", p.queue.depth())
			p.queue.close()
			wg.Wait()
			p.config.Matcher.Close()
			if err := <-matcherDone; err != nil {
				slog.Error("Matcher stopped with error", "error", err)
			}
			slog.Info("Pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			p.schedulePass(ctx)
		}
	}
}

// QueueDepth returns the number of line polls waiting for a worker.
func (p *Pipeline) QueueDepth() int64 {
	return int64(p.queue.depth())
}

// Status returns per-line polling health, ordered by line.
func (p *Pipeline) Status() []LineStatus {
	return p.status.snapshot()
}

func (p *Pipeline) schedulePass(ctx context.Context) {
	metrics.PollerPassesTotal.Add(ctx, 1)

	for _, line := range p.config.Lines {
		attrs := metric.WithAttributes(attribute.String("line", line))
		if p.queue.push(line) {
			metrics.PollerTasksEnqueued.Add(ctx, 1, attrs)
			continue
		}
		metrics.PollerTasksCoalesced.Add(ctx, 1, attrs)
		slog.Debug("Line poll already queued", "line", line)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		line, ok := p.queue.pop()
		if !ok {
			return
		}
		p.pollLine(ctx, line)
	}
}

// pollLine fetches one line, updates the cache and hands the snapshot to
// the matcher. The line lock is held throughout so snapshots of a line
// reach the matcher in polling order.
func (p *Pipeline) pollLine(ctx context.Context, line string) {
	ctx, span := p.tracer.Start(ctx, "pipeline.poll_line",
		trace.WithAttributes(attribute.String("line_ref", line)),
	)
	defer span.End()

	lock := p.lineLocks[line]
	lock.Lock()
	defer lock.Unlock()

	lineAttr := attribute.String("line", line)
	metrics.PollerLinesInFlight.Add(ctx, 1, metric.WithAttributes(lineAttr))
	defer metrics.PollerLinesInFlight.Add(ctx, -1, metric.WithAttributes(lineAttr))

	start := time.Now()
	defer func() {
		metrics.PollerPollDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(lineAttr))
	}()

	defer func() {
		if r := recover(); r != nil {
			metrics.PollerPanicsTotal.Add(ctx, 1, metric.WithAttributes(lineAttr))
			p.skip(ctx, span, line, fmt.Errorf("panic while polling line %s: %v", line, r), otel.ErrorTypePanic)
		}
	}()

	stops, err := p.config.Source.LineETAs(ctx, line)
	if err != nil {
		p.skip(ctx, span, line, fmt.Errorf("failed to fetch ETAs for line %s: %w", line, err), otel.ErrorTypeNetwork)
		return
	}

	p.config.Cache.UpdateLine(line, stops)

	polledAt := p.config.Clock.Now()
	snap := types.LineSnapshot{Line: line, Stops: stops, PolledAt: polledAt}
	if err := p.config.Matcher.Submit(ctx, snap); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		metrics.PollerLinePolls.Add(ctx, 1, metric.WithAttributes(lineAttr, attribute.String("status", "rejected")))
		slog.Error("Matcher rejected snapshot", "line", line, "error", err)
		return
	}

	p.status.success(line, polledAt)
	metrics.RecordLastSuccessTimestamp()
	metrics.PollerLinePolls.Add(ctx, 1, metric.WithAttributes(lineAttr, attribute.String("status", "success")))

	span.SetAttributes(attribute.Int("stops_reported", len(stops)))
	otel.SetSpanOk(span)

	slog.Debug("Line polled", "line", line, "stops", len(stops))
}

// skip abandons this cycle for line. The cache and matcher keep their
// previous state.
func (p *Pipeline) skip(ctx context.Context, span trace.Span, line string, err error, errorType string) {
	otel.RecordError(span, err, errorType, true)

	lineAttr := attribute.String("line", line)
	metrics.PollerCyclesSkipped.Add(ctx, 1, metric.WithAttributes(lineAttr))
	metrics.PollerLinePolls.Add(ctx, 1, metric.WithAttributes(lineAttr, attribute.String("status", "skipped")))

	p.status.skipped(line, err)
	slog.Warn("Skipping line for this cycle", "line", line, "error", err)
}
