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
	"fmt"
	"slices"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// modeState is the mode-specific part of a round. Implementations are
// only called with the session lock held and before finalization.
type modeState interface {
	// submit applies one submission and returns the partial result. A
	// returned error leaves the state untouched.
	submit(sub Submission) (Result, error)
	hintsUsed() int
}

func newModeState(r NewRound, config Config) (modeState, error) {
	switch r.Mode {
	case datatypes.ModeEasy:
		return &easyState{correctID: r.Answer.TaxonID}, nil
	case datatypes.ModeHard:
		return &hardState{correctID: r.Answer.TaxonID, target: r.Target, maxGuesses: config.HardMaxGuesses}, nil
	case datatypes.ModeTaxonomic:
		if len(r.Steps) == 0 {
			return nil, fmt.Errorf("%w: taxonomic round without steps", quizerr.ErrInvalidRequest)
		}
		return &taxonomicState{
			steps:       slices.Clone(r.Steps),
			maxMistakes: config.MaxMistakes,
			hintBudget:  config.HintBudget,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", quizerr.ErrModeArchived, r.Mode)
}

// easyState allows a single answer.
type easyState struct {
	correctID int64
}

func (s *easyState) submit(sub Submission) (Result, error) {
	if sub.TaxonID == 0 {
		return Result{}, fmt.Errorf("%w: taxon id is required", quizerr.ErrInvalidRequest)
	}
	correct := sub.TaxonID == s.correctID
	status := datatypes.StatusLose
	if correct {
		status = datatypes.StatusWin
	}
	return Result{Status: status, Correct: correct}, nil
}

func (s *easyState) hintsUsed() int { return 0 }

// hardState allows a bounded number of free-form guesses.
type hardState struct {
	correctID  int64
	target     datatypes.TaxonSnapshot
	maxGuesses int
	used       int
}

func (s *hardState) submit(sub Submission) (Result, error) {
	if sub.TaxonID == 0 {
		return Result{}, fmt.Errorf("%w: taxon id is required", quizerr.ErrInvalidRequest)
	}
	s.used++

	if sub.TaxonID == s.correctID {
		return Result{Status: datatypes.StatusWin, Correct: true}, nil
	}
	if s.used >= s.maxGuesses {
		return Result{Status: datatypes.StatusLose}, nil
	}
	return Result{
		Status:            datatypes.StatusPlaying,
		AttemptsRemaining: s.maxGuesses - s.used,
		NearMissRank:      s.nearMiss(sub.TaxonID),
	}, nil
}

// nearMiss returns the rank of id when it is an ancestor of the target.
func (s *hardState) nearMiss(id int64) string {
	for _, a := range s.target.Ancestors {
		if a.ID == id {
			return a.Rank
		}
	}
	return ""
}

func (s *hardState) hintsUsed() int { return 0 }

// taxonomicState walks rank steps from coarse to fine.
type taxonomicState struct {
	steps       []Step
	current     int
	points      int
	mistakes    int
	hints       int
	maxMistakes int
	hintBudget  int
}

func (s *taxonomicState) submit(sub Submission) (Result, error) {
	if sub.StepIndex != s.current {
		return Result{}, fmt.Errorf("%w: got step %d, current step is %d",
			quizerr.ErrStepOutOfSync, sub.StepIndex, s.current)
	}
	step := s.steps[s.current]

	var r Result
	if sub.Hint {
		if s.hints >= s.hintBudget {
			return Result{}, fmt.Errorf("%w: %d of %d used", quizerr.ErrHintLimitReached, s.hints, s.hintBudget)
		}
		s.hints++
		r.RevealedTaxonID = step.CorrectID
	} else {
		if sub.TaxonID == 0 {
			return Result{}, fmt.Errorf("%w: taxon id is required", quizerr.ErrInvalidRequest)
		}
		if len(step.Options) > 0 && !slices.ContainsFunc(step.Options, func(o Option) bool { return o.TaxonID == sub.TaxonID }) {
			return Result{}, fmt.Errorf("%w: taxon %d is not an option of step %d",
				quizerr.ErrInvalidRequest, sub.TaxonID, s.current)
		}
		if sub.TaxonID == step.CorrectID {
			r.Correct = true
			s.points += step.Points
		} else {
			s.mistakes++
		}
	}
	s.current++

	switch {
	case s.mistakes >= s.maxMistakes:
		r.Status = datatypes.StatusLose
	case s.current >= len(s.steps):
		r.Status = datatypes.StatusWin
	default:
		r.Status = datatypes.StatusPlaying
	}
	r.StepIndex = s.current
	r.Points = s.points
	r.Mistakes = s.mistakes
	r.MistakesRemaining = max(s.maxMistakes-s.mistakes, 0)
	r.HintsUsed = s.hints
	r.HintsRemaining = max(s.hintBudget-s.hints, 0)
	return r, nil
}

func (s *taxonomicState) hintsUsed() int { return s.hints }
