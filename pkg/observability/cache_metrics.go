package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCacheHits   = "coupler.cache.hits"
	metricCacheMisses = "coupler.cache.misses"

	cacheBlob = "blob"
	cacheDiff = "diff"
)

// CacheStatsProvider exposes hit/miss counters for a cache. pkg/alg/lru's
// Cache implements it.
type CacheStatsProvider interface {
	CacheHits() int64
	CacheMisses() int64
}

// RegisterCacheMetrics registers observable gauges that report cache
// hit/miss counts per cache. Nil providers are skipped so callers with
// caching disabled can register unconditionally.
func RegisterCacheMetrics(mt metric.Meter, blob, diff CacheStatsProvider) error {
	hits, err := mt.Int64ObservableGauge(metricCacheHits,
		metric.WithDescription("Cache hits by cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricCacheHits, err)
	}

	misses, err := mt.Int64ObservableGauge(metricCacheMisses,
		metric.WithDescription("Cache misses by cache"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricCacheMisses, err)
	}

	providers := map[string]CacheStatsProvider{}
	if blob != nil {
		providers[cacheBlob] = blob
	}

	if diff != nil {
		providers[cacheDiff] = diff
	}

	_, err = mt.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for name, p := range providers {
			set := metric.WithAttributes(attribute.String(attrCache, name))
			obs.ObserveInt64(hits, p.CacheHits(), set)
			obs.ObserveInt64(misses, p.CacheMisses(), set)
		}

		return nil
	}, hits, misses)
	if err != nil {
		return fmt.Errorf("register cache metrics callback: %w", err)
	}

	return nil
}
