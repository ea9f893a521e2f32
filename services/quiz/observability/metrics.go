// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the quiz service's Prometheus metrics.
//
// QuizMetrics implements the observer interfaces of the upstream client,
// pool manager, confusion builder, question generator and round store, so
// each component reports through one registry without importing Prometheus.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

const namespace = "taxaquiz"

// =============================================================================
// Prometheus Metrics for the Quiz Service
// =============================================================================

// QuizMetrics holds every quiz metric.
//
// Thread Safety: Safe for concurrent use.
type QuizMetrics struct {
	// roundsCreated counts issued rounds.
	// Labels: mode
	roundsCreated *prometheus.CounterVec

	// roundsFinalized counts consumed rounds.
	// Labels: mode, status (win, lose)
	roundsFinalized *prometheus.CounterVec

	// questionLatency measures question generation end to end.
	// Labels: mode
	questionLatency *prometheus.HistogramVec

	// lureShortfalls counts questions that could not fill their choices.
	lureShortfalls prometheus.Counter

	// poolBuilds counts pool builds and their taxa.
	// Labels: source (live, degraded)
	poolBuilds    *prometheus.CounterVec
	poolBuildTime *prometheus.HistogramVec
	poolTaxa      *prometheus.HistogramVec

	// confusionBuilds counts background confusion map builds.
	// Labels: outcome (ok, error)
	confusionBuilds    *prometheus.CounterVec
	confusionBuildTime prometheus.Histogram

	// upstreamRequests counts upstream calls.
	// Labels: endpoint, outcome (ok, timeout, circuit_open, error)
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	// breakerState is 0 closed, 1 open, 2 half-open.
	// Labels: breaker
	breakerState *prometheus.GaugeVec
}

// NewQuizMetrics registers the quiz metrics on reg.
//
// Inputs:
//
//	reg - The registry. A fresh prometheus.NewRegistry() in tests.
//
// Outputs:
//
//	*QuizMetrics - Ready to use.
func NewQuizMetrics(reg prometheus.Registerer) *QuizMetrics {
	f := promauto.With(reg)
	return &QuizMetrics{
		roundsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "created_total",
			Help:      "Rounds issued by game mode",
		}, []string{"mode"}),
		roundsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "finalized_total",
			Help:      "Rounds consumed by game mode and outcome",
		}, []string{"mode", "status"}),
		questionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "questions",
			Name:      "latency_seconds",
			Help:      "Question generation latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"mode"}),
		lureShortfalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "questions",
			Name:      "lure_shortfalls_total",
			Help:      "Questions that could not be filled with enough lures",
		}),
		poolBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pools",
			Name:      "builds_total",
			Help:      "Observation pool builds by source",
		}, []string{"source"}),
		poolBuildTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pools",
			Name:      "build_duration_seconds",
			Help:      "Observation pool build duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		poolTaxa: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pools",
			Name:      "taxa",
			Help:      "Distinct taxa per built pool",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}, []string{"source"}),
		confusionBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confusion",
			Name:      "builds_total",
			Help:      "Confusion map builds by outcome",
		}, []string{"outcome"}),
		confusionBuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "confusion",
			Name:      "build_duration_seconds",
			Help:      "Confusion map build duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "latency_seconds",
			Help:      "Upstream request latency in seconds, retries included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"endpoint"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
	}
}

// =============================================================================
// Observer implementations
// =============================================================================

// ObserveRoundCreated implements rounds.Observer.
func (m *QuizMetrics) ObserveRoundCreated(mode datatypes.GameMode) {
	m.roundsCreated.WithLabelValues(string(mode)).Inc()
}

// ObserveRoundFinalized implements rounds.Observer.
func (m *QuizMetrics) ObserveRoundFinalized(mode datatypes.GameMode, status datatypes.RoundStatus) {
	m.roundsFinalized.WithLabelValues(string(mode), string(status)).Inc()
}

// ObserveQuestion implements question.Observer.
func (m *QuizMetrics) ObserveQuestion(mode datatypes.GameMode, d time.Duration) {
	m.questionLatency.WithLabelValues(string(mode)).Observe(d.Seconds())
}

// ObserveLureShortfall implements question.Observer.
func (m *QuizMetrics) ObserveLureShortfall() {
	m.lureShortfalls.Inc()
}

// ObservePoolBuild implements pool.Observer.
func (m *QuizMetrics) ObservePoolBuild(source datatypes.PoolSource, taxa int, d time.Duration) {
	m.poolBuilds.WithLabelValues(string(source)).Inc()
	m.poolBuildTime.WithLabelValues(string(source)).Observe(d.Seconds())
	m.poolTaxa.WithLabelValues(string(source)).Observe(float64(taxa))
}

// ObserveConfusionBuild implements confusion.Observer.
func (m *QuizMetrics) ObserveConfusionBuild(outcome string, d time.Duration) {
	m.confusionBuilds.WithLabelValues(outcome).Inc()
	m.confusionBuildTime.Observe(d.Seconds())
}

// ObserveUpstream implements upstream.Observer.
func (m *QuizMetrics) ObserveUpstream(endpoint, outcome string, d time.Duration) {
	m.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// BreakerStateChanged is a cache.BreakerConfig.OnStateChange callback.
func (m *QuizMetrics) BreakerStateChanged(name string, _, to cache.CircuitState) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}
