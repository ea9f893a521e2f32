// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import (
	"errors"
	"sync"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// Manager owns every client's selection state.
//
// Description:
//
//	State lives in slots keyed by "poolKey|clientID". Each slot has its own
//	mutex, created lazily, so different clients never contend. Slots whose
//	pool key has left the pool cache are dropped by Prune.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	config Config

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu      sync.Mutex
	poolKey string
	state   *State
}

// NewManager creates a Manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &Manager{config: config, slots: make(map[string]*slot)}, nil
}

// WithState runs fn with exclusive access to the client's state for p.
//
// Description:
//
//	State built for another pool version is discarded first; only
//	QuestionIndex carries over. Every read and write fn performs, including
//	the QuestionIndex bump, happens inside the slot's critical section.
//
// Inputs:
//
//	p - The pool the client is playing.
//	clientID - Client identity. Empty ids share one anonymous slot.
//	fn - The read-modify-write.
//
// Outputs:
//
//	error - Whatever fn returns.
func (m *Manager) WithState(p *datatypes.Pool, clientID string, fn func(*State) error) error {
	if p == nil {
		return errors.New("selection: nil pool")
	}
	key := p.Key + "|" + clientID

	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{poolKey: p.Key}
		m.slots[key] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Version != p.Version {
		next := newState(p, m.config)
		if s.state != nil {
			next.QuestionIndex = s.state.QuestionIndex
		}
		s.state = next
	}
	return fn(s.state)
}

// Prune drops slots whose pool key is no longer live. Slots that are in use
// are skipped and considered again on the next call.
func (m *Manager) Prune(live func(poolKey string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.slots {
		if live(s.poolKey) {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		delete(m.slots, key)
		s.mu.Unlock()
		removed++
	}
	return removed
}

// Len returns the number of slots.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
