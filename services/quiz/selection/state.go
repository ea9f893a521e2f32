// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selection keeps per-client, per-pool selection state so targets
// and observations do not repeat within a session.
package selection

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// CooldownMode selects how recently used targets are held back.
type CooldownMode string

const (
	// CooldownCount holds back the last N targets.
	CooldownCount CooldownMode = "count"
	// CooldownTTL holds back targets for a fixed duration.
	CooldownTTL CooldownMode = "ttl"
)

// Config configures selection state.
type Config struct {
	// QuizChoices is the number of answer choices per round (default: 4).
	QuizChoices int

	// CooldownMode is "count" (default) or "ttl".
	CooldownMode CooldownMode

	// CooldownTargets is N in count mode (default: 5). The effective window
	// is min(N, poolSize - QuizChoices).
	CooldownTargets int

	// CooldownTTL is the hold-back duration in ttl mode (default: 2m).
	CooldownTTL time.Duration

	// RecentObservations bounds the seen-observation ring (default: 200).
	RecentObservations int

	// RecentTargets bounds the target history (default: 20).
	RecentTargets int

	// RecentLures bounds the lure history (default: 30).
	RecentLures int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QuizChoices:        4,
		CooldownMode:       CooldownCount,
		CooldownTargets:    5,
		CooldownTTL:        2 * time.Minute,
		RecentObservations: 200,
		RecentTargets:      20,
		RecentLures:        30,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.CooldownMode {
	case "", CooldownCount, CooldownTTL:
	default:
		return fmt.Errorf("unknown cooldown mode %q", c.CooldownMode)
	}
	if c.CooldownTargets < 0 {
		return fmt.Errorf("cooldown targets must be >= 0, got %d", c.CooldownTargets)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QuizChoices <= 0 {
		c.QuizChoices = d.QuizChoices
	}
	if c.CooldownMode == "" {
		c.CooldownMode = d.CooldownMode
	}
	if c.CooldownTTL <= 0 {
		c.CooldownTTL = d.CooldownTTL
	}
	if c.RecentObservations <= 0 {
		c.RecentObservations = d.RecentObservations
	}
	if c.RecentTargets <= 0 {
		c.RecentTargets = d.RecentTargets
	}
	if c.RecentTargets < c.CooldownTargets {
		c.RecentTargets = c.CooldownTargets
	}
	if c.RecentLures <= 0 {
		c.RecentLures = d.RecentLures
	}
}

// State is one client's selection state for one pool version.
//
// State is not safe for concurrent use; Manager.WithState serializes access.
type State struct {
	// Version is the pool version the state was built for.
	Version uint64

	// QuestionIndex counts questions served to the client for the pool key.
	// It survives pool rebuilds.
	QuestionIndex int

	config Config

	deck   []int64
	cursor int

	seen     map[int64]struct{}
	seenRing []int64
	seenNext int

	recentTargets []int64
	cooldownUntil map[int64]time.Time

	recentLures []int64
	lureUses    map[int64]int
}

func newState(p *datatypes.Pool, config Config) *State {
	return &State{
		Version:       p.Version,
		config:        config,
		deck:          append([]int64(nil), p.TaxonList...),
		cursor:        len(p.TaxonList),
		seen:          make(map[int64]struct{}),
		seenRing:      make([]int64, 0, config.RecentObservations),
		cooldownUntil: make(map[int64]time.Time),
		lureUses:      make(map[int64]int),
	}
}

// Seen reports whether observation id was shown recently.
func (s *State) Seen(observationID int64) bool {
	_, ok := s.seen[observationID]
	return ok
}

// LureUses returns how often taxonID appeared as a lure recently.
func (s *State) LureUses(taxonID int64) int {
	return s.lureUses[taxonID]
}

// RecentTargets returns the target history, oldest first.
func (s *State) RecentTargets() []int64 {
	return append([]int64(nil), s.recentTargets...)
}

// hasUnseen reports whether taxon id has an observation not seen recently.
func (s *State) hasUnseen(p *datatypes.Pool, id int64) bool {
	for _, o := range p.ByTaxon[id] {
		if !s.Seen(o.ID) {
			return true
		}
	}
	return false
}

// cooldownWindow is the effective count-mode window for pool size n.
func (s *State) cooldownWindow(n int) int {
	return max(min(s.config.CooldownTargets, n-s.config.QuizChoices), 0)
}

// InCooldown reports whether taxon id is held back at now.
func (s *State) InCooldown(p *datatypes.Pool, id int64, now time.Time) bool {
	if s.config.CooldownMode == CooldownTTL {
		until, ok := s.cooldownUntil[id]
		return ok && now.Before(until)
	}
	w := s.cooldownWindow(p.Size())
	for i := len(s.recentTargets) - 1; i >= 0 && i >= len(s.recentTargets)-w; i-- {
		if s.recentTargets[i] == id {
			return true
		}
	}
	return false
}

// NextEligibleTaxonID draws the next target from the shuffled deck.
//
// # Description
//
// Draws without replacement, reshuffling with rng when the deck runs out,
// and skips taxa that are excluded, have no unseen observation, or are in
// cooldown. Gives up after one full pass over the pool.
//
// # Outputs
//
//   - int64: The chosen taxon.
//   - bool: False if no taxon is eligible.
func (s *State) NextEligibleTaxonID(p *datatypes.Pool, exclude map[int64]struct{}, now time.Time, rng *rand.Rand) (int64, bool) {
	n := len(s.deck)
	checked := make(map[int64]struct{}, n)
	// A pass may straddle a reshuffle, so draws are bounded by 2n.
	for draws := 0; draws < 2*n && len(checked) < n; draws++ {
		if s.cursor >= n {
			rng.Shuffle(n, func(i, j int) { s.deck[i], s.deck[j] = s.deck[j], s.deck[i] })
			s.cursor = 0
		}
		id := s.deck[s.cursor]
		s.cursor++

		if _, done := checked[id]; done {
			continue
		}
		checked[id] = struct{}{}
		if _, excluded := exclude[id]; excluded {
			continue
		}
		if !s.hasUnseen(p, id) || s.InCooldown(p, id, now) {
			continue
		}
		return id, true
	}
	return 0, false
}

// RelaxedTaxonID samples a target weighted by recency so a round can still
// be produced when nothing is strictly eligible.
//
// Taxa absent from the target history get the highest weight; among those
// in it, the more recently used the lower the weight.
func (s *State) RelaxedTaxonID(p *datatypes.Pool, exclude map[int64]struct{}, rng *rand.Rand) (int64, bool) {
	h := len(s.recentTargets)
	lastUse := make(map[int64]int, h)
	for i, id := range s.recentTargets {
		lastUse[id] = i
	}

	var (
		ids     []int64
		weights []int
		total   int
	)
	for _, id := range p.TaxonList {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		w := h + 1
		if i, used := lastUse[id]; used {
			w = h - i
		}
		ids = append(ids, id)
		weights = append(weights, w)
		total += w
	}
	if len(ids) == 0 {
		return 0, false
	}

	r := rng.Intn(total)
	for i, w := range weights {
		if r < w {
			return ids[i], true
		}
		r -= w
	}
	return ids[len(ids)-1], true
}

// RecordTarget adds id to the target history and starts its cooldown.
func (s *State) RecordTarget(id int64, now time.Time) {
	s.recentTargets = append(s.recentTargets, id)
	if over := len(s.recentTargets) - s.config.RecentTargets; over > 0 {
		s.recentTargets = append(s.recentTargets[:0], s.recentTargets[over:]...)
	}
	if s.config.CooldownMode == CooldownTTL {
		for k, until := range s.cooldownUntil {
			if !now.Before(until) {
				delete(s.cooldownUntil, k)
			}
		}
		s.cooldownUntil[id] = now.Add(s.config.CooldownTTL)
	}
}

// RecordObservation marks observation id as seen, evicting the oldest when
// the ring is full.
func (s *State) RecordObservation(id int64) {
	if s.Seen(id) {
		return
	}
	if len(s.seenRing) < s.config.RecentObservations {
		s.seenRing = append(s.seenRing, id)
	} else {
		delete(s.seen, s.seenRing[s.seenNext])
		s.seenRing[s.seenNext] = id
		s.seenNext = (s.seenNext + 1) % len(s.seenRing)
	}
	s.seen[id] = struct{}{}
}

// RecordLures adds ids to the lure history.
func (s *State) RecordLures(ids ...int64) {
	for _, id := range ids {
		s.recentLures = append(s.recentLures, id)
		s.lureUses[id]++
	}
	for len(s.recentLures) > s.config.RecentLures {
		old := s.recentLures[0]
		s.recentLures = s.recentLures[1:]
		if s.lureUses[old]--; s.lureUses[old] <= 0 {
			delete(s.lureUses, old)
		}
	}
}

// Advance bumps QuestionIndex and returns the new value.
func (s *State) Advance() int {
	s.QuestionIndex++
	return s.QuestionIndex
}
