// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/confusion"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/pool"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/question"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/upstream"
)

var (
	_ rounds.Observer    = (*QuizMetrics)(nil)
	_ question.Observer  = (*QuizMetrics)(nil)
	_ pool.Observer      = (*QuizMetrics)(nil)
	_ confusion.Observer = (*QuizMetrics)(nil)
	_ upstream.Observer  = (*QuizMetrics)(nil)
)

func newTestMetrics(t *testing.T) (*QuizMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewQuizMetrics(reg), reg
}

func TestQuizMetrics_Rounds(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveRoundCreated(datatypes.ModeEasy)
	m.ObserveRoundCreated(datatypes.ModeEasy)
	m.ObserveRoundFinalized(datatypes.ModeEasy, datatypes.StatusWin)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.roundsCreated.WithLabelValues("easy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roundsFinalized.WithLabelValues("easy", "win")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.roundsFinalized.WithLabelValues("easy", "lose")))
}

func TestQuizMetrics_QuestionsAndPools(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.ObserveQuestion(datatypes.ModeHard, 30*time.Millisecond)
	m.ObserveLureShortfall()
	m.ObservePoolBuild(datatypes.SourceDegraded, 7, time.Second)
	m.ObserveConfusionBuild("ok", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lureShortfalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolBuilds.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.confusionBuilds.WithLabelValues("ok")))

	n, err := testutil.GatherAndCount(reg, "taxaquiz_questions_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQuizMetrics_UpstreamAndBreaker(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveUpstream("observations", "ok", 100*time.Millisecond)
	m.ObserveUpstream("observations", "timeout", 8*time.Second)
	m.BreakerStateChanged("inat", cache.CircuitClosed, cache.CircuitOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("observations", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("inat")))

	m.BreakerStateChanged("inat", cache.CircuitOpen, cache.CircuitHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("inat")))
}

func TestNewQuizMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewQuizMetrics(prometheus.NewRegistry())
		NewQuizMetrics(prometheus.NewRegistry())
	})
}
