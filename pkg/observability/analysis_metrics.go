package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCommitsTotal     = "coupler.analysis.commits.total"
	metricBatchesTotal     = "coupler.analysis.batches.total"
	metricBatchDuration    = "coupler.analysis.batch.duration.seconds"
	metricCacheHitsTotal   = "coupler.analysis.cache.hits.total"
	metricCacheMissesTotal = "coupler.analysis.cache.misses.total"

	attrCache = "cache"
)

// AnalysisMetrics holds OTel instruments for pipeline-run metrics.
type AnalysisMetrics struct {
	commitsTotal  metric.Int64Counter
	batchesTotal  metric.Int64Counter
	batchDuration metric.Float64Histogram
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
}

// AnalysisStats holds the statistics for a single run, decoupled from
// orchestrator types so it can be recorded after the run completes.
type AnalysisStats struct {
	Commits          int64
	Batches          int
	BatchDurations   []time.Duration
	PairCacheHits    int64
	PairCacheMisses  int64
	PathCacheHits    int64
	PathCacheMisses  int64
}

// NewAnalysisMetrics creates analysis metric instruments from the given meter.
func NewAnalysisMetrics(mt metric.Meter) (*AnalysisMetrics, error) {
	commits, err := mt.Int64Counter(metricCommitsTotal,
		metric.WithDescription("Total commits extracted"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCommitsTotal, err)
	}

	batches, err := mt.Int64Counter(metricBatchesTotal,
		metric.WithDescription("Total Extractor transaction batches processed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchesTotal, err)
	}

	batchDur, err := mt.Float64Histogram(metricBatchDuration,
		metric.WithDescription("Per-batch processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchDuration, err)
	}

	hits, err := mt.Int64Counter(metricCacheHitsTotal,
		metric.WithDescription("Cache hits by type"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheHitsTotal, err)
	}

	misses, err := mt.Int64Counter(metricCacheMissesTotal,
		metric.WithDescription("Cache misses by type"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheMissesTotal, err)
	}

	return &AnalysisMetrics{
		commitsTotal:  commits,
		batchesTotal:  batches,
		batchDuration: batchDur,
		cacheHits:     hits,
		cacheMisses:   misses,
	}, nil
}

// RecordRun records run statistics for a completed pipeline run.
// Safe to call on a nil receiver (no-op).
func (am *AnalysisMetrics) RecordRun(ctx context.Context, stats AnalysisStats) {
	if am == nil {
		return
	}

	am.commitsTotal.Add(ctx, stats.Commits)
	am.batchesTotal.Add(ctx, int64(stats.Batches))

	for _, d := range stats.BatchDurations {
		am.batchDuration.Record(ctx, d.Seconds())
	}

	pairAttrs := metric.WithAttributes(attribute.String(attrCache, "pair"))
	am.cacheHits.Add(ctx, stats.PairCacheHits, pairAttrs)
	am.cacheMisses.Add(ctx, stats.PairCacheMisses, pairAttrs)

	pathAttrs := metric.WithAttributes(attribute.String(attrCache, "path"))
	am.cacheHits.Add(ctx, stats.PathCacheHits, pathAttrs)
	am.cacheMisses.Add(ctx, stats.PathCacheMisses, pathAttrs)
}
