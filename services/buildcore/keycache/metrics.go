// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keycache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.keycache")

var (
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	cacheComputations metric.Int64Counter
	cacheEvictions    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"keycache_hits_total",
			metric.WithDescription("Total number of key cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"keycache_misses_total",
			metric.WithDescription("Total number of key cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheComputations, err = meter.Int64Counter(
			"keycache_computations_total",
			metric.WithDescription("Total number of underlying key computations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"keycache_evictions_total",
			metric.WithDescription("Total number of entries evicted for stale handles"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func familyAttr(family string) metric.AddOption {
	return metric.WithAttributes(attribute.String("family", family))
}

func recordHit(ctx context.Context, family string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, familyAttr(family))
}

func recordMiss(ctx context.Context, family string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, familyAttr(family))
}

func recordComputation(ctx context.Context, family string, failed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheComputations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.Bool("failed", failed),
	))
}

func recordEvictions(ctx context.Context, family string, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, int64(n), familyAttr(family))
}
