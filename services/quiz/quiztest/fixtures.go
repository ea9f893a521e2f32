// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quiztest provides fixtures shared by the quiz packages' tests: a
// small fixed taxonomy, observation and pool builders, and a manual clock.
package quiztest

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// Iconic group ids.
const (
	Aves     int64 = 3
	Mammalia int64 = 40151
)

// Species ids in the fixture taxonomy.
const (
	ParusMajor      int64 = 10001
	ParusMinor      int64 = 10002
	CorvusCorax     int64 = 10101
	CorvusCorone    int64 = 10102
	ColumbaLivia    int64 = 11001
	ColumbaPalumbus int64 = 11002
	VulpesVulpes    int64 = 20001
)

// Birds are the six bird species of the fixture taxonomy.
var Birds = []int64{ParusMajor, ParusMinor, CorvusCorax, CorvusCorone, ColumbaLivia, ColumbaPalumbus}

type node struct {
	id     int64
	parent int64
	name   string
	common string
	rank   string
}

var tree = map[int64]node{
	1:               {1, 0, "Animalia", "Animals", "kingdom"},
	2:               {2, 1, "Chordata", "Chordates", "phylum"},
	Aves:            {Aves, 2, "Aves", "Birds", "class"},
	Mammalia:        {Mammalia, 2, "Mammalia", "Mammals", "class"},
	10:              {10, Aves, "Passeriformes", "Perching Birds", "order"},
	11:              {11, Aves, "Columbiformes", "Pigeons and Doves", "order"},
	20:              {20, Mammalia, "Carnivora", "Carnivorans", "order"},
	100:             {100, 10, "Paridae", "Tits", "family"},
	101:             {101, 10, "Corvidae", "Crows", "family"},
	110:             {110, 11, "Columbidae", "Pigeons", "family"},
	200:             {200, 20, "Canidae", "Canids", "family"},
	1000:            {1000, 100, "Parus", "Great Tits", "genus"},
	1010:            {1010, 101, "Corvus", "Ravens and Crows", "genus"},
	1100:            {1100, 110, "Columba", "Old World Pigeons", "genus"},
	2000:            {2000, 200, "Vulpes", "Foxes", "genus"},
	ParusMajor:      {ParusMajor, 1000, "Parus major", "Great Tit", "species"},
	ParusMinor:      {ParusMinor, 1000, "Parus minor", "Japanese Tit", "species"},
	CorvusCorax:     {CorvusCorax, 1010, "Corvus corax", "Common Raven", "species"},
	CorvusCorone:    {CorvusCorone, 1010, "Corvus corone", "Carrion Crow", "species"},
	ColumbaLivia:    {ColumbaLivia, 1100, "Columba livia", "Rock Pigeon", "species"},
	ColumbaPalumbus: {ColumbaPalumbus, 1100, "Columba palumbus", "Common Wood-Pigeon", "species"},
	VulpesVulpes:    {VulpesVulpes, 2000, "Vulpes vulpes", "Red Fox", "species"},
}

// Taxon returns the snapshot of a fixture taxon with its full lineage.
// AncestorIDs run root first and end with the taxon itself.
func Taxon(id int64) datatypes.TaxonSnapshot {
	n, ok := tree[id]
	if !ok {
		panic(fmt.Sprintf("quiztest: unknown taxon %d", id))
	}
	var chain []node
	for cur := n; ; {
		chain = append([]node{cur}, chain...)
		if cur.parent == 0 {
			break
		}
		cur = tree[cur.parent]
	}

	t := datatypes.TaxonSnapshot{
		ID:                  n.id,
		Name:                n.name,
		PreferredCommonName: n.common,
		Rank:                n.rank,
	}
	for _, c := range chain {
		t.AncestorIDs = append(t.AncestorIDs, c.id)
		if c.id != n.id {
			t.Ancestors = append(t.Ancestors, datatypes.Ancestor{ID: c.id, Name: c.name, Rank: c.rank, PreferredCommonName: c.common})
		}
		if c.rank == "class" {
			t.IconicTaxonID = c.id
			t.IconicTaxonName = c.name
		}
	}
	return t
}

// Observation returns a photographed observation of species.
func Observation(id, species int64) *datatypes.Observation {
	return &datatypes.Observation{
		ID:            id,
		URI:           fmt.Sprintf("https://www.inaturalist.org/observations/%d", id),
		Photos:        []datatypes.Photo{{ID: id, URL: fmt.Sprintf("https://static.example/photos/%d/square.jpg", id)}},
		ObservedMonth: 5,
		ObservedDay:   int(id%28) + 1,
		Taxon:         Taxon(species),
	}
}

// Observations returns perTaxon observations for each species. Ids are
// species*100 + n.
func Observations(perTaxon int, species ...int64) []*datatypes.Observation {
	var out []*datatypes.Observation
	for _, s := range species {
		for n := 1; n <= perTaxon; n++ {
			out = append(out, Observation(s*100+int64(n), s))
		}
	}
	return out
}

// Pool returns a live pool with perTaxon observations of each species.
func Pool(key string, perTaxon int, species ...int64) *datatypes.Pool {
	return datatypes.NewPool(key, datatypes.SourceLive, Observations(perTaxon, species...), false, time.Now())
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at a known instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
