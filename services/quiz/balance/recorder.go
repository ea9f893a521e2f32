// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package balance records the outcome of every finalized round so win rates
// can be monitored per mode and per taxonomic group.
//
// The in-memory log is a bounded ring buffer; the oldest event is evicted
// first. An optional Archive persists every event to BadgerDB.
package balance

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 5000

// Event is the outcome of one finalized round.
type Event struct {
	Timestamp     time.Time             `json:"timestamp"`
	Mode          datatypes.GameMode    `json:"mode"`
	Status        datatypes.RoundStatus `json:"status"`
	Correct       bool                  `json:"correct"`
	HintsUsed     int                   `json:"hints_used"`
	IconicTaxonID int64                 `json:"iconic_taxon_id,omitempty"`
}

// Recorder keeps the most recent events in memory.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	total  int64

	archive *Archive
	logger  *slog.Logger
}

// NewRecorder creates a Recorder holding up to capacity events. archive may
// be nil.
func NewRecorder(capacity int, archive *Archive, logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		events:  make([]Event, capacity),
		archive: archive,
		logger:  logger.With(slog.String("component", "balance_recorder")),
	}
}

// Record appends e, evicting the oldest event when full. Archive failures
// are logged and otherwise ignored.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.Append(e); err != nil {
			r.logger.Warn("balance archive append failed", slog.String("error", err.Error()))
		}
	}
}

// Events returns the buffered events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.events)
	}
	return r.next
}

// Tally aggregates outcomes for one slice of events.
type Tally struct {
	Rounds    int     `json:"rounds"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	HintsUsed int     `json:"hints_used"`
	WinRate   float64 `json:"win_rate"`
}

func (t *Tally) add(e Event) {
	t.Rounds++
	switch e.Status {
	case datatypes.StatusWin:
		t.Wins++
	case datatypes.StatusLose:
		t.Losses++
	}
	t.HintsUsed += e.HintsUsed
	t.WinRate = float64(t.Wins) / float64(t.Rounds)
}

// GroupTally is the tally of one iconic group.
type GroupTally struct {
	IconicTaxonID int64 `json:"iconic_taxon_id"`
	Tally
}

// Summary aggregates the buffered events.
type Summary struct {
	Since       time.Time                     `json:"since,omitempty"`
	Buffered    int                           `json:"buffered"`
	TotalEvents int64                         `json:"total_events"`
	Overall     Tally                         `json:"overall"`
	ByMode      map[datatypes.GameMode]*Tally `json:"by_mode"`
	ByGroup     []GroupTally                  `json:"by_group"`
}

// Summary computes per-mode and per-group tallies over the buffer. Groups
// are sorted by round count descending.
func (r *Recorder) Summary() Summary {
	events := r.Events()
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()

	s := Summary{
		Buffered:    len(events),
		TotalEvents: total,
		ByMode:      make(map[datatypes.GameMode]*Tally),
	}
	if len(events) > 0 {
		s.Since = events[0].Timestamp
	}

	groups := make(map[int64]*Tally)
	for _, e := range events {
		s.Overall.add(e)

		m, ok := s.ByMode[e.Mode]
		if !ok {
			m = &Tally{}
			s.ByMode[e.Mode] = m
		}
		m.add(e)

		g, ok := groups[e.IconicTaxonID]
		if !ok {
			g = &Tally{}
			groups[e.IconicTaxonID] = g
		}
		g.add(e)
	}

	for id, t := range groups {
		s.ByGroup = append(s.ByGroup, GroupTally{IconicTaxonID: id, Tally: *t})
	}
	sort.Slice(s.ByGroup, func(i, j int) bool {
		if s.ByGroup[i].Rounds != s.ByGroup[j].Rounds {
			return s.ByGroup[i].Rounds > s.ByGroup[j].Rounds
		}
		return s.ByGroup[i].IconicTaxonID < s.ByGroup[j].IconicTaxonID
	})
	return s
}
