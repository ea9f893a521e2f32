// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// Filters is a post-fetch predicate on observation dates.
type Filters struct {
	// Month keeps observations made in this month (1-12). Zero disables.
	Month int
	// Day keeps observations made on this day of month. Zero disables.
	Day int
}

// Keep reports whether o passes the filters.
func (f Filters) Keep(o *datatypes.Observation) bool {
	if f.Month > 0 && o.ObservedMonth != f.Month {
		return false
	}
	if f.Day > 0 && o.ObservedDay != f.Day {
		return false
	}
	return true
}

// Query describes which observations a pool holds.
type Query struct {
	TaxonIDs []int64
	PlaceID  int64
	Locale   string
	Filters  Filters

	// Seed makes the pool deterministic across clients: the page walk
	// starts at page 1 and the taxon list is sorted.
	Seed string
}

// Seeded reports whether q carries a deterministic seed.
func (q Query) Seeded() bool {
	return q.Seed != ""
}

// MinTaxa returns the number of distinct taxa the pool must reach. A single
// requested taxon is treated as a broad group whose lures come from inside
// it; otherwise a full set of choices is required.
func (q Query) MinTaxa(quizChoices int) int {
	if len(q.TaxonIDs) == 1 {
		return 1
	}
	return quizChoices
}

// CacheKey derives a deterministic cache key from the normalized query.
func CacheKey(q Query) string {
	ids := slices.Clone(q.TaxonIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	var b strings.Builder
	b.WriteString("pool:v1|taxa=")
	b.WriteString(strings.Join(parts, ","))
	b.WriteString("|place=")
	b.WriteString(strconv.FormatInt(q.PlaceID, 10))
	b.WriteString("|locale=")
	b.WriteString(strings.ToLower(strings.TrimSpace(q.Locale)))
	b.WriteString("|month=")
	b.WriteString(strconv.Itoa(q.Filters.Month))
	b.WriteString("|day=")
	b.WriteString(strconv.Itoa(q.Filters.Day))
	if q.Seeded() {
		b.WriteString("|seed=")
		b.WriteString(q.Seed)
	}
	return b.String()
}
