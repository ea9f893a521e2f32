// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lures picks plausible wrong answers for a target taxon.
package lures

import (
	"fmt"
	"math/rand"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// Usage exposes the per-client history the selector consults.
type Usage interface {
	// LureUses returns how often taxonID was recently shown as a lure.
	LureUses(taxonID int64) int
	// Seen reports whether the client was recently shown observation id.
	Seen(observationID int64) bool
}

// Config tunes candidate filtering and the fallback scorer.
type Config struct {
	// MinCloseness drops candidates whose closeness is below this floor.
	MinCloseness float64

	// GroupPenalty multiplies the fallback score of candidates from another
	// iconic group (default: 0.5).
	GroupPenalty float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MinCloseness: 0, GroupPenalty: 0.5}
}

// Lure is one chosen wrong answer with a concrete observation to show.
type Lure struct {
	TaxonID     int64
	Taxon       datatypes.TaxonSnapshot
	Observation *datatypes.Observation
	Score       float64
	Provenance  datatypes.Provenance
}

// Selector samples lures. It holds no state and is safe for concurrent use.
type Selector struct {
	config Config
}

// NewSelector creates a Selector.
func NewSelector(config Config) *Selector {
	if config.GroupPenalty <= 0 || config.GroupPenalty > 1 {
		config.GroupPenalty = DefaultConfig().GroupPenalty
	}
	return &Selector{config: config}
}

// BuildLures picks count lures for targetID.
//
// # Description
//
// Candidates come from the pool's confusion map, or from an inline scorer
// over the pool when no map is installed yet. The target, excluded taxa and
// candidates below MinCloseness are dropped. Lures are then drawn without
// replacement by roulette over weight = score / (recent lure uses + 1), or
// uniformly when every remaining weight is zero. Each lure is resolved to an
// observation the client has not seen when possible.
//
// # Inputs
//
//   - p: The pool the target was drawn from.
//   - usage: Client history. May be nil.
//   - targetID: The correct taxon.
//   - target: The target observation. May be nil; used by the fallback scorer.
//   - count: Number of lures required.
//   - exclude: Taxon ids that must not appear.
//   - rng: Random source. A fixed seed gives a reproducible result.
//
// # Outputs
//
//   - []Lure: Exactly count lures, none equal to targetID or excluded.
//   - error: Wraps quizerr.ErrLureShortfall if fewer than count resolve.
func (s *Selector) BuildLures(p *datatypes.Pool, usage Usage, targetID int64, target *datatypes.Observation, count int, exclude []int64, rng *rand.Rand) ([]Lure, error) {
	if count <= 0 {
		return nil, nil
	}

	var candidates []datatypes.ConfusionCandidate
	if mapped, ok := p.Confusion().For(targetID); ok {
		candidates = append(candidates, mapped...)
	} else {
		candidates = s.fallback(p, targetID, target)
	}

	skip := make(map[int64]struct{}, len(exclude)+1)
	skip[targetID] = struct{}{}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	eligible := candidates[:0]
	for _, c := range candidates {
		if _, excluded := skip[c.CandidateID]; excluded {
			continue
		}
		if c.Closeness < s.config.MinCloseness {
			continue
		}
		eligible = append(eligible, c)
	}

	var unseen func(*datatypes.Observation) bool
	if usage != nil {
		unseen = func(o *datatypes.Observation) bool { return !usage.Seen(o.ID) }
	}

	lures := make([]Lure, 0, count)
	for len(lures) < count && len(eligible) > 0 {
		i := pick(eligible, usage, rng)
		c := eligible[i]
		eligible = append(eligible[:i], eligible[i+1:]...)

		obs := c.Observation
		if obs == nil {
			obs = p.RandomObservation(c.CandidateID, unseen, rng)
		}
		if obs == nil {
			continue
		}
		lures = append(lures, Lure{
			TaxonID:     c.CandidateID,
			Taxon:       obs.Taxon,
			Observation: obs,
			Score:       c.Score,
			Provenance:  c.Provenance,
		})
	}

	if len(lures) < count {
		return nil, fmt.Errorf("%w: target %d needs %d lures, resolved %d",
			quizerr.ErrLureShortfall, targetID, count, len(lures))
	}
	return lures, nil
}

// pick returns the index of the next candidate by cumulative-weight roulette.
func pick(c []datatypes.ConfusionCandidate, usage Usage, rng *rand.Rand) int {
	weights := make([]float64, len(c))
	total := 0.0
	for i := range c {
		uses := 0
		if usage != nil {
			uses = usage.LureUses(c[i].CandidateID)
		}
		w := c[i].Score / float64(uses+1)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return rng.Intn(len(c))
	}

	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	// Rounding can leave r marginally above zero; take the last weighted one.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return len(c) - 1
}

// fallback scores every other pool taxon by closeness to the target,
// penalizing a different iconic group.
func (s *Selector) fallback(p *datatypes.Pool, targetID int64, target *datatypes.Observation) []datatypes.ConfusionCandidate {
	var t datatypes.TaxonSnapshot
	if target != nil {
		t = target.Taxon
	} else {
		t, _ = p.Taxon(targetID)
	}

	out := make([]datatypes.ConfusionCandidate, 0, p.Size())
	for _, id := range p.TaxonList {
		if id == targetID {
			continue
		}
		c, _ := p.Taxon(id)
		closeness := datatypes.Closeness(t.AncestorIDs, c.AncestorIDs)
		score := closeness
		if t.IconicTaxonID != 0 && c.IconicTaxonID != 0 && t.IconicTaxonID != c.IconicTaxonID {
			score *= s.config.GroupPenalty
		}
		out = append(out, datatypes.ConfusionCandidate{
			TargetID:    targetID,
			CandidateID: id,
			Score:       score,
			Closeness:   closeness,
			Provenance:  datatypes.ProvenancePool,
		})
	}
	datatypes.SortCandidates(out)
	return out
}
