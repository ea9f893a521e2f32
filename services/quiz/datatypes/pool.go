// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"time"
)

// PoolSource tells whether a pool came from the live upstream or was
// assembled from cached fragments.
type PoolSource string

const (
	SourceLive     PoolSource = "live"
	SourceDegraded PoolSource = "degraded"
)

// Provenance records where a confusion candidate came from.
type Provenance string

const (
	ProvenancePool     Provenance = "pool"
	ProvenanceSimilar  Provenance = "similar"
	ProvenanceExternal Provenance = "external"
)

// ConfusionCandidate is one scored lure candidate for a target taxon.
type ConfusionCandidate struct {
	TargetID    int64      `json:"target_id"`
	CandidateID int64      `json:"candidate_id"`
	Score       float64    `json:"score"`
	Closeness   float64    `json:"closeness"`
	Provenance  Provenance `json:"provenance"`

	// Observation is set only for external candidates, which have no
	// observations in the pool.
	Observation *Observation `json:"-"`
}

// ConfusionMap holds the ranked candidates of every taxon in one pool
// version. Immutable once installed.
type ConfusionMap struct {
	PoolVersion uint64
	BuiltAt     time.Time
	Candidates  map[int64][]ConfusionCandidate
}

// For returns the candidates for target, best first.
func (m *ConfusionMap) For(target int64) ([]ConfusionCandidate, bool) {
	if m == nil {
		return nil, false
	}
	c, ok := m.Candidates[target]
	return c, ok
}

// SortCandidates orders candidates by score descending, breaking ties by
// candidate id so results are reproducible.
func SortCandidates(c []ConfusionCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].CandidateID < c[j].CandidateID
	})
}

var poolVersions atomic.Uint64

// Pool is a per-query index of observations grouped by taxon.
//
// Everything except the confusion map is immutable after NewPool returns.
// The confusion map is installed later by a background build.
type Pool struct {
	Key              string
	Version          uint64
	Source           PoolSource
	TaxonList        []int64
	ByTaxon          map[int64][]*Observation
	TaxonSet         map[int64]struct{}
	ObservationCount int
	CreatedAt        time.Time

	confusion atomic.Pointer[ConfusionMap]
}

// NewPool indexes observations under key.
//
// Observations without a displayable photo are dropped. When seeded is true
// the taxon list is sorted ascending so every client sees the same order;
// otherwise it keeps first-seen order. Every call gets a new Version.
func NewPool(key string, source PoolSource, observations []*Observation, seeded bool, now time.Time) *Pool {
	p := &Pool{
		Key:       key,
		Version:   poolVersions.Add(1),
		Source:    source,
		ByTaxon:   make(map[int64][]*Observation),
		TaxonSet:  make(map[int64]struct{}),
		CreatedAt: now,
	}
	seenObs := make(map[int64]struct{}, len(observations))
	for _, o := range observations {
		if o == nil || !o.HasPhoto() || o.Taxon.ID == 0 {
			continue
		}
		if _, dup := seenObs[o.ID]; dup {
			continue
		}
		seenObs[o.ID] = struct{}{}
		if _, ok := p.TaxonSet[o.Taxon.ID]; !ok {
			p.TaxonSet[o.Taxon.ID] = struct{}{}
			p.TaxonList = append(p.TaxonList, o.Taxon.ID)
		}
		p.ByTaxon[o.Taxon.ID] = append(p.ByTaxon[o.Taxon.ID], o)
		p.ObservationCount++
	}
	if seeded {
		sort.Slice(p.TaxonList, func(i, j int) bool { return p.TaxonList[i] < p.TaxonList[j] })
	}
	return p
}

// Size returns the number of distinct taxa.
func (p *Pool) Size() int {
	return len(p.TaxonList)
}

// Has reports whether the pool contains taxon id.
func (p *Pool) Has(id int64) bool {
	_, ok := p.TaxonSet[id]
	return ok
}

// Taxon returns the snapshot of taxon id from its first observation.
func (p *Pool) Taxon(id int64) (TaxonSnapshot, bool) {
	obs := p.ByTaxon[id]
	if len(obs) == 0 {
		return TaxonSnapshot{}, false
	}
	return obs[0].Taxon, true
}

// Confusion returns the installed confusion map, or nil.
func (p *Pool) Confusion() *ConfusionMap {
	return p.confusion.Load()
}

// SetConfusion installs m. Maps built for another version are ignored.
func (p *Pool) SetConfusion(m *ConfusionMap) bool {
	if m == nil || m.PoolVersion != p.Version {
		return false
	}
	p.confusion.Store(m)
	return true
}

// RandomObservation picks an observation of taxon id accepted by keep,
// falling back to any observation when none is accepted.
func (p *Pool) RandomObservation(id int64, keep func(*Observation) bool, rng *rand.Rand) *Observation {
	obs := p.ByTaxon[id]
	if len(obs) == 0 {
		return nil
	}
	if keep != nil {
		var eligible []*Observation
		for _, o := range obs {
			if keep(o) {
				eligible = append(eligible, o)
			}
		}
		if len(eligible) > 0 {
			return eligible[rng.Intn(len(eligible))]
		}
	}
	return obs[rng.Intn(len(obs))]
}
