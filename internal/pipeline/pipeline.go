// Package pipeline orchestrates one ingestion pass: read new log lines,
// extract authentication failures, enrich them, append to the sink, then
// commit the new offset. The order matters; the offset is committed only
// after events are durable, so a crash can repeat work but never lose it.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/monozoide/MailLogSentinel/internal/config"
	"github.com/monozoide/MailLogSentinel/internal/enrich"
	"github.com/monozoide/MailLogSentinel/internal/extract"
	"github.com/monozoide/MailLogSentinel/internal/sink"
	"github.com/monozoide/MailLogSentinel/internal/tailer"
)

// Pipeline runs incremental ingestion passes over one log source.
type Pipeline struct {
	cfg      *config.Config
	tailer   *tailer.Tailer
	offsets  *tailer.Store
	enricher *enrich.Enricher
	sink     *sink.Sink
	metrics  *Metrics
	log      zerolog.Logger

	ranOnce atomic.Bool

	nowFn func() time.Time
}

// New wires a pipeline from its components. metrics may be nil.
func New(cfg *config.Config, enricher *enrich.Enricher, metrics *Metrics, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		tailer:   tailer.New(log),
		offsets:  tailer.NewStore(cfg.State.Dir, log),
		enricher: enricher,
		sink:     sink.New(cfg.Sink.Path, log),
		metrics:  metrics,
		log:      log,
		nowFn:    time.Now,
	}
}

// RunStats summarizes one pass.
type RunStats struct {
	Lines    int
	Events   int
	Appended int
	Skipped  int
	Offset   tailer.Offset
}

// Run executes one ingestion pass.
func (p *Pipeline) Run(ctx context.Context) (RunStats, error) {
	sourceID := p.cfg.SourceID()
	start := p.nowFn()

	var stats RunStats
	var events []extract.Event
	year := start.Year()

	off := p.offsets.Load(sourceID)
	newOff, err := p.tailer.Run(ctx, p.cfg.Source.Path, off, func(line string) error {
		stats.Lines++
		if ev, ok := extract.Parse(line, year); ok {
			events = append(events, ev)
		}
		return ctx.Err()
	})
	if err != nil {
		p.metrics.IncRun(sourceID, err)
		return stats, err
	}
	stats.Events = len(events)

	p.enrichAll(ctx, events)
	if err := ctx.Err(); err != nil {
		// Do not persist a partially enriched batch; the next pass
		// re-reads from the old offset.
		p.metrics.IncRun(sourceID, err)
		return stats, err
	}

	stats.Appended, stats.Skipped, err = p.sink.Append(events)
	if err != nil {
		p.metrics.IncRun(sourceID, err)
		return stats, err
	}

	// Events are durable; advancing the offset is now safe.
	if err := p.offsets.Commit(newOff); err != nil {
		p.metrics.IncRun(sourceID, err)
		return stats, err
	}
	stats.Offset = newOff

	p.metrics.IncRun(sourceID, nil)
	p.metrics.AddLines(sourceID, stats.Lines)
	p.metrics.AddEvents(sourceID, stats.Events)
	p.metrics.AddLinesSkipped(sourceID, stats.Lines-stats.Events)
	p.metrics.AddSinkRows(stats.Appended, stats.Skipped)
	for i := range events {
		p.metrics.IncDNS(events[i].DNSStatus)
	}
	p.ranOnce.Store(true)

	p.log.Info().
		Str("source_id", sourceID).
		Int("lines", stats.Lines).
		Int("events", stats.Events).
		Int("appended", stats.Appended).
		Int("skipped", stats.Skipped).
		Int64("offset", newOff.Position).
		Dur("duration", p.nowFn().Sub(start)).
		Msg("run complete")
	return stats, nil
}

// Watch runs passes at the configured interval until ctx is cancelled. A
// failed pass is logged and retried at the next tick.
func (p *Pipeline) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ready reports whether at least one pass has completed, for readiness
// probes in watch mode.
func (p *Pipeline) Ready() bool {
	return p.ranOnce.Load()
}

// enrichAll enriches events in place with a bounded worker pool. Each
// worker owns distinct slice elements, so no locking is needed and the
// batch order is preserved.
func (p *Pipeline) enrichAll(ctx context.Context, events []extract.Event) {
	if len(events) == 0 {
		return
	}
	workers := p.cfg.Pipeline.EnrichWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(events) {
		workers = len(events)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				p.enricher.Enrich(ctx, &events[i])
			}
		}()
	}
	for i := range events {
		select {
		case idx <- i:
		case <-ctx.Done():
			close(idx)
			wg.Wait()
			return
		}
	}
	close(idx)
	wg.Wait()
}
