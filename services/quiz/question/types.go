// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package question

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/pool"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
)

// Pools resolves a query to an observation pool.
type Pools interface {
	GetObservationPool(ctx context.Context, key string, q pool.Query) (*datatypes.Pool, cache.Status, error)
	QuizChoices() int
}

// Rounds registers a round and signs its handle.
type Rounds interface {
	Create(r rounds.NewRound) (rounds.Handle, error)
}

// Lineage supplies ancestors for taxa whose snapshot arrived without them.
type Lineage interface {
	TaxonDetails(ctx context.Context, taxonID int64, locale string) (*datatypes.TaxonDetails, error)
}

// Observer receives question events. May be nil.
type Observer interface {
	ObserveQuestion(mode datatypes.GameMode, duration time.Duration)
	ObserveLureShortfall()
}

// Config configures the Generator.
type Config struct {
	// LookAhead is the number of pre-generated rounds kept per pool key,
	// client and mode. Zero disables the queue. Seeded requests never use it.
	LookAhead int

	// StepRanks are the ancestor ranks asked in taxonomic mode, broadest
	// first. The taxon's own rank is always the final step.
	StepRanks []string

	// StepOptions is the number of options per ancestor step (default: 4).
	StepOptions int

	// RankPoints scores a correct answer per rank. Missing ranks score 1.
	RankPoints map[string]int

	// NewRand returns the random source for unseeded requests.
	NewRand func() *rand.Rand

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LookAhead:   2,
		StepRanks:   []string{"order", "family", "genus"},
		StepOptions: 4,
		RankPoints: map[string]int{
			"kingdom": 1,
			"phylum":  1,
			"class":   1,
			"order":   1,
			"family":  2,
			"genus":   3,
			"species": 5,
		},
		NewRand: func() *rand.Rand { return rand.New(rand.NewSource(rand.Int63())) },
		Now:     time.Now,
		Logger:  slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LookAhead < 0 {
		c.LookAhead = 0
	}
	if len(c.StepRanks) == 0 {
		c.StepRanks = d.StepRanks
	}
	if c.StepOptions < 2 {
		c.StepOptions = d.StepOptions
	}
	if c.RankPoints == nil {
		c.RankPoints = d.RankPoints
	}
	if c.NewRand == nil {
		c.NewRand = d.NewRand
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Request asks for the next question.
type Request struct {
	Query    pool.Query
	ClientID string

	// Mode defaults to easy.
	Mode datatypes.GameMode

	// Exclude lists taxon ids that must appear neither as target nor lure.
	Exclude []int64
}

// Choice is one answer of a multiple-choice question.
type Choice struct {
	TaxonID             int64  `json:"taxon_id"`
	Name                string `json:"name"`
	PreferredCommonName string `json:"preferred_common_name,omitempty"`
	Label               string `json:"label"`
}

// Question is the payload sent to the client. It carries the target's
// public fields and never the target taxon.
type Question struct {
	rounds.Handle

	Mode          datatypes.GameMode `json:"mode"`
	QuestionIndex int                `json:"question_index"`
	Photos        []datatypes.Photo  `json:"photos"`
	Sounds        []datatypes.Sound  `json:"sounds,omitempty"`
	ObservedMonth int                `json:"observed_month,omitempty"`
	PlaceGuess    string             `json:"place_guess,omitempty"`

	// Choices are set in easy mode.
	Choices []Choice `json:"choices,omitempty"`

	// CorrectIndex points into Choices. It stays on the server.
	CorrectIndex int `json:"-"`

	// Steps are set in taxonomic mode.
	Steps []rounds.Step `json:"steps,omitempty"`

	PoolSource datatypes.PoolSource `json:"pool_source"`
}

// Diagnostics describes how a question was produced.
type Diagnostics struct {
	CacheStatus      cache.Status
	PoolTaxa         int
	PoolObservations int
	PoolSource       datatypes.PoolSource
	FromQueue        bool

	PoolDuration   time.Duration
	SelectDuration time.Duration
	RoundDuration  time.Duration
}
