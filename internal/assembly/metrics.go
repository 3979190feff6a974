package assembly

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type meters struct {
	jobsStarted   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsActive    metric.Int64UpDownCounter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
}

func newMeters() (*meters, error) {
	meter := otel.Meter("github.com/haven-labs/haven-audio/assembly")

	started, err := meter.Int64Counter("haven.assembly.jobs.started",
		metric.WithDescription("Assembly jobs accepted for processing"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("haven.assembly.jobs.completed",
		metric.WithDescription("Assembly jobs that reached completed"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("haven.assembly.jobs.failed",
		metric.WithDescription("Assembly jobs that reached failed"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("haven.assembly.jobs.active",
		metric.WithDescription("Assembly jobs currently executing"))
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter("haven.assembly.cache.hits",
		metric.WithDescription("Fragment cache hits"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("haven.assembly.cache.misses",
		metric.WithDescription("Fragment cache misses triggering synthesis"))
	if err != nil {
		return nil, err
	}

	return &meters{
		jobsStarted:   started,
		jobsCompleted: completed,
		jobsFailed:    failed,
		jobsActive:    active,
		cacheHits:     hits,
		cacheMisses:   misses,
	}, nil
}

func (m *meters) recordStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsStarted.Add(ctx, 1)
	m.jobsActive.Add(ctx, 1)
}

func (m *meters) recordCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsCompleted.Add(ctx, 1)
	m.jobsActive.Add(ctx, -1)
}

func (m *meters) recordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1)
	m.jobsActive.Add(ctx, -1)
}

func (m *meters) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
}
