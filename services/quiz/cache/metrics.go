// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("taxaquiz.cache")

// Metrics for cache and breaker operations.
var (
	cacheHits          metric.Int64Counter
	cacheStaleHits     metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheRevalidations metric.Int64Counter
	breakerTransitions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&cacheHits, "quiz_cache_hits_total", "Total number of fresh cache hits"},
			{&cacheStaleHits, "quiz_cache_stale_hits_total", "Total number of stale values served"},
			{&cacheMisses, "quiz_cache_misses_total", "Total number of cache misses"},
			{&cacheEvictions, "quiz_cache_evictions_total", "Total number of LRU evictions"},
			{&cacheRevalidations, "quiz_cache_revalidations_total", "Total number of background revalidations"},
			{&breakerTransitions, "quiz_breaker_transitions_total", "Total number of circuit breaker state changes"},
		}
		for _, c := range counters {
			counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
			*c.dst = counter
		}
	})
	return metricsErr
}

func cacheAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("cache", name))
}

func recordHit(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, cacheAttr(name))
}

func recordStaleHit(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheStaleHits.Add(ctx, 1, cacheAttr(name))
}

func recordMiss(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, cacheAttr(name))
}

func recordEviction(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, cacheAttr(name))
}

func recordRevalidation(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheRevalidations.Add(ctx, 1, cacheAttr(name))
}

func recordBreakerTransition(name string, to CircuitState) {
	if err := initMetrics(); err != nil {
		return
	}
	breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", to.String()),
	))
}
