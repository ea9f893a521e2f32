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

// GameMode selects the round state machine.
type GameMode string

const (
	ModeEasy      GameMode = "easy"
	ModeHard      GameMode = "hard"
	ModeTaxonomic GameMode = "taxonomic"

	// Archived modes are still recognized so they can be rejected with a
	// specific error instead of a generic bad request.
	ModeRiddle GameMode = "riddle"
	ModeSound  GameMode = "sound"
)

// Active reports whether rounds may be created for m.
func (m GameMode) Active() bool {
	switch m {
	case ModeEasy, ModeHard, ModeTaxonomic:
		return true
	}
	return false
}

// Archived reports whether m is a retired mode.
func (m GameMode) Archived() bool {
	return m == ModeRiddle || m == ModeSound
}

// HasChoices reports whether questions in m carry a multiple-choice list.
func (m GameMode) HasChoices() bool {
	return m == ModeEasy || m == ModeTaxonomic
}

// RoundStatus is the lifecycle status of a round.
type RoundStatus string

const (
	StatusPlaying RoundStatus = "playing"
	StatusWin     RoundStatus = "win"
	StatusLose    RoundStatus = "lose"
)

// Terminal reports whether the round is consumed.
func (s RoundStatus) Terminal() bool {
	return s == StatusWin || s == StatusLose
}
