// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rounds

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/balance"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// Config configures the Store.
type Config struct {
	// TTL is how long a round stays answerable (default: 10m).
	TTL time.Duration

	// MaxRounds bounds live rounds; the least recently used go first
	// (default: 50000).
	MaxRounds int

	// MaxDedupEntries bounds the submission dedup cache (default: 100000).
	MaxDedupEntries int

	// HardMaxGuesses is the attempt budget in hard mode (default: 3).
	HardMaxGuesses int

	// MaxMistakes ends a taxonomic round as lost (default: 2).
	MaxMistakes int

	// HintBudget bounds hints per taxonomic round (default: 1).
	HintBudget int

	// Secret signs round handles. Required when Production is set.
	Secret string

	// Production refuses to start without a Secret.
	Production bool

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             10 * time.Minute,
		MaxRounds:       50000,
		MaxDedupEntries: 100000,
		HardMaxGuesses:  3,
		MaxMistakes:     2,
		HintBudget:      1,
		Now:             time.Now,
		Logger:          slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.MaxDedupEntries <= 0 {
		c.MaxDedupEntries = d.MaxDedupEntries
	}
	if c.HardMaxGuesses <= 0 {
		c.HardMaxGuesses = d.HardMaxGuesses
	}
	if c.MaxMistakes <= 0 {
		c.MaxMistakes = d.MaxMistakes
	}
	if c.HintBudget < 0 {
		c.HintBudget = 0
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Recorder receives one event per finalized round.
type Recorder interface {
	Record(e balance.Event)
}

// Observer receives round lifecycle events. May be nil.
type Observer interface {
	ObserveRoundCreated(mode datatypes.GameMode)
	ObserveRoundFinalized(mode datatypes.GameMode, status datatypes.RoundStatus)
}

// Handle is the only part of a round the client receives.
type Handle struct {
	RoundID   string `json:"round_id"`
	Signature string `json:"round_signature"`
	// ExpiresAt is in Unix milliseconds.
	ExpiresAt int64 `json:"round_expires_at"`
}

// Answer is the correct answer, disclosed once the round is consumed.
type Answer struct {
	TaxonID             int64  `json:"taxon_id"`
	Name                string `json:"name"`
	PreferredCommonName string `json:"preferred_common_name,omitempty"`
	Rank                string `json:"rank"`
	ObservationID       int64  `json:"observation_id,omitempty"`
	ObservationURL      string `json:"observation_url,omitempty"`
	PhotoURL            string `json:"photo_url,omitempty"`
}

// Option is one selectable taxon in a taxonomic step.
type Option struct {
	TaxonID int64  `json:"taxon_id"`
	Label   string `json:"label"`
}

// Step is one rank level of a taxonomic ascension round.
type Step struct {
	Rank      string   `json:"rank"`
	Options   []Option `json:"options"`
	Points    int      `json:"-"`
	CorrectID int64    `json:"-"`
}

// NewRound is everything the store needs to own a round.
type NewRound struct {
	ClientID string
	Mode     datatypes.GameMode
	Answer   Answer

	// Target is the correct taxon's lineage, used for near-miss reporting
	// and balance grouping.
	Target datatypes.TaxonSnapshot

	// Steps are required in taxonomic mode and ignored otherwise.
	Steps []Step
}

// Submission is one client answer.
type Submission struct {
	RoundID   string
	Signature string
	ExpiresAt int64
	ClientID  string

	// SubmissionID is an optional idempotency key. When empty one is
	// derived from the submission's content.
	SubmissionID string

	// TaxonID is the chosen or guessed taxon.
	TaxonID int64

	// StepIndex and Hint apply to taxonomic rounds.
	StepIndex int
	Hint      bool
}

// Result is the minimal-disclosure outcome of a submission.
type Result struct {
	RoundID       string                `json:"round_id"`
	Mode          datatypes.GameMode    `json:"mode"`
	Status        datatypes.RoundStatus `json:"status"`
	Correct       bool                  `json:"correct"`
	RoundConsumed bool                  `json:"round_consumed"`

	// Hard mode.
	AttemptsRemaining int    `json:"attempts_remaining,omitempty"`
	NearMissRank      string `json:"near_miss_rank,omitempty"`

	// Taxonomic mode.
	StepIndex         int   `json:"step_index,omitempty"`
	Points            int   `json:"points,omitempty"`
	Mistakes          int   `json:"mistakes,omitempty"`
	MistakesRemaining int   `json:"mistakes_remaining,omitempty"`
	HintsUsed         int   `json:"hints_used,omitempty"`
	HintsRemaining    int   `json:"hints_remaining,omitempty"`
	RevealedTaxonID   int64 `json:"revealed_taxon_id,omitempty"`

	// Answer is set only when RoundConsumed is true.
	Answer *Answer `json:"answer,omitempty"`
}
