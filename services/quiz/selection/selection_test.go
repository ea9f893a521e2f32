// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quiztest"
)

func testState(t *testing.T, p *datatypes.Pool, mutate func(*Config)) *State {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	cfg.applyDefaults()
	return newState(p, cfg)
}

func TestNextEligible_DrawsWholeDeckBeforeRepeating(t *testing.T) {
	p := quiztest.Pool("k", 3, quiztest.Birds...)
	s := testState(t, p, func(c *Config) { c.CooldownTargets = 0 })
	rng := rand.New(rand.NewSource(1))
	now := time.Now()

	drawn := make(map[int64]int)
	for i := 0; i < len(quiztest.Birds); i++ {
		id, ok := s.NextEligibleTaxonID(p, nil, now, rng)
		require.True(t, ok)
		drawn[id]++
	}

	assert.Len(t, drawn, 6, "each taxon once per deck pass")
}

func TestNextEligible_SkipsExcludedAndExhausted(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.ParusMajor, quiztest.ParusMinor, quiztest.CorvusCorax)
	s := testState(t, p, func(c *Config) { c.CooldownTargets = 0 })
	s.RecordObservation(quiztest.ParusMinor*100 + 1)
	exclude := map[int64]struct{}{quiztest.ParusMajor: {}}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5; i++ {
		id, ok := s.NextEligibleTaxonID(p, exclude, time.Now(), rng)
		require.True(t, ok)
		assert.Equal(t, quiztest.CorvusCorax, id)
	}

	s.RecordObservation(quiztest.CorvusCorax*100 + 1)
	_, ok := s.NextEligibleTaxonID(p, exclude, time.Now(), rng)
	assert.False(t, ok, "one full pass without an eligible taxon")
}

func TestCooldown_CountWindowIsBoundedByPoolSize(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.Birds...)
	s := testState(t, p, func(c *Config) { c.CooldownTargets = 10 })

	// Six taxa with four choices leaves a window of two.
	assert.Equal(t, 2, s.cooldownWindow(p.Size()))

	s.RecordTarget(quiztest.ParusMajor, time.Now())
	s.RecordTarget(quiztest.ParusMinor, time.Now())
	s.RecordTarget(quiztest.CorvusCorax, time.Now())

	assert.False(t, s.InCooldown(p, quiztest.ParusMajor, time.Now()))
	assert.True(t, s.InCooldown(p, quiztest.ParusMinor, time.Now()))
	assert.True(t, s.InCooldown(p, quiztest.CorvusCorax, time.Now()))

	small := quiztest.Pool("s", 1, quiztest.ParusMajor, quiztest.ParusMinor, quiztest.CorvusCorax)
	assert.False(t, s.InCooldown(small, quiztest.CorvusCorax, time.Now()), "no window when pool <= choices")
}

func TestCooldown_TTL(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.Birds...)
	s := testState(t, p, func(c *Config) {
		c.CooldownMode = CooldownTTL
		c.CooldownTTL = time.Minute
	})
	clock := quiztest.NewClock()

	s.RecordTarget(quiztest.ParusMajor, clock.Now())
	assert.True(t, s.InCooldown(p, quiztest.ParusMajor, clock.Now()))

	clock.Advance(time.Minute)
	assert.False(t, s.InCooldown(p, quiztest.ParusMajor, clock.Now()))

	s.RecordTarget(quiztest.ParusMinor, clock.Now())
	assert.NotContains(t, s.cooldownUntil, quiztest.ParusMajor, "expired entries are pruned")
}

func TestRelaxed_PrefersTaxaNotRecentlyUsed(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.ParusMajor, quiztest.ParusMinor, quiztest.CorvusCorax)
	s := testState(t, p, nil)
	for i := 0; i < 10; i++ {
		s.RecordTarget(quiztest.ParusMajor, time.Now())
		s.RecordTarget(quiztest.ParusMinor, time.Now())
	}
	rng := rand.New(rand.NewSource(42))

	counts := make(map[int64]int)
	for i := 0; i < 1000; i++ {
		id, ok := s.RelaxedTaxonID(p, nil, rng)
		require.True(t, ok)
		counts[id]++
	}

	// Weights are 21 (unused), 2 and 1.
	assert.Greater(t, counts[quiztest.CorvusCorax], 800)
	assert.Greater(t, counts[quiztest.ParusMajor], counts[quiztest.ParusMinor], "the latest target weighs least")

	exclude := map[int64]struct{}{quiztest.ParusMajor: {}, quiztest.ParusMinor: {}, quiztest.CorvusCorax: {}}
	_, ok := s.RelaxedTaxonID(p, exclude, rng)
	assert.False(t, ok)
}

func TestRecordObservation_RingEvictsOldest(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.ParusMajor)
	s := testState(t, p, func(c *Config) { c.RecentObservations = 3 })

	for id := int64(1); id <= 4; id++ {
		s.RecordObservation(id)
	}

	assert.False(t, s.Seen(1))
	assert.True(t, s.Seen(2))
	assert.True(t, s.Seen(4))
	assert.Len(t, s.seen, 3)
}

func TestRecordLures_CountsWithinWindow(t *testing.T) {
	p := quiztest.Pool("k", 1, quiztest.ParusMajor)
	s := testState(t, p, func(c *Config) { c.RecentLures = 3 })

	s.RecordLures(7, 7, 8)
	assert.Equal(t, 2, s.LureUses(7))

	s.RecordLures(9, 9)
	assert.Equal(t, 0, s.LureUses(7))
	assert.Equal(t, 1, s.LureUses(8))
	assert.Equal(t, 2, s.LureUses(9))
}

func TestManager_ResetsOnNewVersionKeepingIndex(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	v1 := quiztest.Pool("k", 1, quiztest.Birds...)

	require.NoError(t, m.WithState(v1, "c1", func(s *State) error {
		s.RecordObservation(42)
		s.Advance()
		s.Advance()
		return nil
	}))

	v2 := quiztest.Pool("k", 1, quiztest.Birds...)
	require.NoError(t, m.WithState(v2, "c1", func(s *State) error {
		assert.Equal(t, v2.Version, s.Version)
		assert.False(t, s.Seen(42), "history is discarded with the old version")
		assert.Equal(t, 3, s.Advance())
		return nil
	}))
}

func TestManager_SerializesSameClient(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	p := quiztest.Pool("k", 1, quiztest.Birds...)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithState(p, "c1", func(s *State) error {
				idx := s.QuestionIndex
				time.Sleep(time.Microsecond)
				s.QuestionIndex = idx + 1
				return nil
			})
		}()
	}
	wg.Wait()

	require.NoError(t, m.WithState(p, "c1", func(s *State) error {
		assert.Equal(t, 50, s.QuestionIndex)
		return nil
	}))
}

func TestManager_Prune(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	live := quiztest.Pool("live", 1, quiztest.Birds...)
	gone := quiztest.Pool("gone", 1, quiztest.Birds...)
	noop := func(*State) error { return nil }

	require.NoError(t, m.WithState(live, "a", noop))
	require.NoError(t, m.WithState(gone, "a", noop))
	require.NoError(t, m.WithState(gone, "b", noop))
	require.Equal(t, 3, m.Len())

	removed := m.Prune(func(key string) bool { return key == "live" })

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, m.Len())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownMode = "forever"
	assert.Error(t, cfg.Validate())

	_, err := NewManager(cfg)
	assert.Error(t, err)
}
