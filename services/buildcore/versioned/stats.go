// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Phase names a stage of resolution.
type Phase string

const (
	// PhaseCollect walks the graph gathering versioned references.
	PhaseCollect Phase = "collect"

	// PhaseSelect runs the selection policy.
	PhaseSelect Phase = "select"

	// PhaseRebuild produces the concrete graph.
	PhaseRebuild Phase = "rebuild"
)

// StatsTracker receives resolution counters and phase timings.
//
// Implementations must be safe for concurrent use.
type StatsTracker interface {
	// RecordHit counts a cached resolution reused as-is.
	RecordHit()

	// RecordMiss counts a resolution computed from scratch.
	RecordMiss()

	// RecordMismatch counts a cached resolution for the same graph that
	// was discarded because the universes or constraints changed.
	RecordMismatch()

	// RecordPhase records time spent in one phase.
	RecordPhase(phase Phase, d time.Duration)
}

// NopStats discards everything.
type NopStats struct{}

func (NopStats) RecordHit()                       {}
func (NopStats) RecordMiss()                      {}
func (NopStats) RecordMismatch()                  {}
func (NopStats) RecordPhase(Phase, time.Duration) {}

// PromStats exports resolution statistics as Prometheus metrics.
type PromStats struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	mismatches prometheus.Counter
	phases     *prometheus.HistogramVec
}

// NewPromStats registers the resolver metrics with reg. A nil reg uses the
// default registerer.
func NewPromStats(reg prometheus.Registerer) *PromStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PromStats{
		hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "versioned",
			Name:      "resolution_hits_total",
			Help:      "Resolutions served from cache",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "versioned",
			Name:      "resolution_misses_total",
			Help:      "Resolutions computed from scratch",
		}),
		mismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "versioned",
			Name:      "resolution_mismatches_total",
			Help:      "Cached resolutions discarded because universes changed",
		}),
		phases: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "versioned",
			Name:      "phase_duration_seconds",
			Help:      "Time spent per resolution phase",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"phase"}),
	}
}

func (s *PromStats) RecordHit()      { s.hits.Inc() }
func (s *PromStats) RecordMiss()     { s.misses.Inc() }
func (s *PromStats) RecordMismatch() { s.mismatches.Inc() }

func (s *PromStats) RecordPhase(phase Phase, d time.Duration) {
	s.phases.WithLabelValues(string(phase)).Observe(d.Seconds())
}
