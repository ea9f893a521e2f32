// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rounds is the server-side authority for round outcomes.
//
// # Description
//
// Create registers a round and hands the client a signed handle holding
// nothing but an id, an expiry and an HMAC-SHA256 signature. Submit checks
// the handle, deduplicates retries, and runs the round's mode state machine
// (easy, hard or taxonomic ascension). The correct answer leaves the server
// only in the result that consumes the round.
//
// # Thread Safety
//
// Store is safe for concurrent use. Submissions for one round are
// serialized; different rounds proceed in parallel.
package rounds

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/balance"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// devSecret signs rounds when no secret is configured outside production.
const devSecret = "taxaquiz-insecure-development-secret"

// session is the server-owned state of one round.
type session struct {
	mu sync.Mutex

	id        string
	clientID  string
	nonce     string
	expiresAt int64
	mode      datatypes.GameMode
	answer    Answer
	iconicID  int64

	state     modeState
	finalized bool
	last      Result
}

// Store issues and validates rounds.
type Store struct {
	config   Config
	secret   *memguard.Enclave
	sessions *cache.Cache[*session]
	dedup    *cache.Cache[Result]
	recorder Recorder
	observer Observer
	logger   *slog.Logger
}

// NewStore creates a Store.
//
// # Inputs
//
//   - config: Store configuration. An empty Secret is an error in
//     production; elsewhere an insecure default is used with a warning.
//   - recorder: Receives one balance event per finalized round. May be nil.
//   - observer: Receives lifecycle events. May be nil.
//
// # Outputs
//
//   - *Store: Call Close when done.
//   - error: Non-nil if no secret is configured in production.
func NewStore(config Config, recorder Recorder, observer Observer) (*Store, error) {
	config.applyDefaults()
	logger := config.Logger.With(slog.String("component", "round_store"))

	secret := config.Secret
	if secret == "" {
		if config.Production {
			return nil, errors.New("rounds: a signing secret must be configured in production")
		}
		logger.Warn("round signing secret not configured, using an insecure development default")
		secret = devSecret
	}
	enclave := memguard.NewEnclave([]byte(secret))
	config.Secret = ""

	return &Store{
		config: config,
		secret: enclave,
		sessions: cache.New[*session](
			cache.WithName("rounds"),
			cache.WithMaxEntries(config.MaxRounds),
			cache.WithTTL(config.TTL),
			cache.WithStaleTTL(0),
			cache.WithClock(config.Now),
			cache.WithLogger(logger),
		),
		dedup: cache.New[Result](
			cache.WithName("round_dedup"),
			cache.WithMaxEntries(config.MaxDedupEntries),
			cache.WithTTL(config.TTL),
			cache.WithStaleTTL(0),
			cache.WithClock(config.Now),
			cache.WithLogger(logger),
		),
		recorder: recorder,
		observer: observer,
		logger:   logger,
	}, nil
}

// Create registers a round and returns its signed handle.
//
// # Outputs
//
//   - Handle: Round id, signature and expiry. Nothing else leaves the store.
//   - error: Wraps quizerr.ErrModeArchived for archived or unknown modes and
//     quizerr.ErrInvalidRequest for malformed rounds.
func (s *Store) Create(r NewRound) (Handle, error) {
	if !r.Mode.Active() {
		return Handle{}, fmt.Errorf("%w: %q", quizerr.ErrModeArchived, r.Mode)
	}
	if r.Answer.TaxonID == 0 {
		return Handle{}, fmt.Errorf("%w: round has no correct taxon", quizerr.ErrInvalidRequest)
	}
	state, err := newModeState(r, s.config)
	if err != nil {
		return Handle{}, err
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Handle{}, fmt.Errorf("%w: generate nonce: %w", quizerr.ErrInternal, err)
	}

	sess := &session{
		id:        uuid.New().String(),
		clientID:  r.ClientID,
		nonce:     hex.EncodeToString(nonce),
		expiresAt: s.config.Now().Add(s.config.TTL).UnixMilli(),
		mode:      r.Mode,
		answer:    r.Answer,
		iconicID:  r.Target.IconicTaxonID,
		state:     state,
	}
	sig, err := s.sign(sess.id, sess.clientID, sess.expiresAt, sess.nonce)
	if err != nil {
		return Handle{}, err
	}
	s.sessions.Set(sess.id, sess, 0)

	if s.observer != nil {
		s.observer.ObserveRoundCreated(r.Mode)
	}
	return Handle{RoundID: sess.id, Signature: sig, ExpiresAt: sess.expiresAt}, nil
}

// Submit validates a submission and advances the round.
//
// # Description
//
// Unknown or expired rounds fail with quizerr.ErrRoundExpired. The signature
// is recomputed from the submitted client id and expiry with the stored
// nonce and compared in constant time; a mismatch fails with
// quizerr.ErrInvalidRoundSignature. A repeated submission key replays the
// earlier result verbatim, as does any submission to a finalized round.
//
// # Outputs
//
//   - Result: The outcome. Answer is set only when RoundConsumed is true.
//   - error: Session, step-sync, hint-limit or request errors. Errors are
//     never cached for replay.
func (s *Store) Submit(ctx context.Context, sub Submission) (Result, error) {
	sess, ok := s.sessions.Get(sub.RoundID, false)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", quizerr.ErrRoundExpired, sub.RoundID)
	}

	expected, err := s.sign(sess.id, sub.ClientID, sub.ExpiresAt, sess.nonce)
	if err != nil {
		return Result{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(sub.Signature)) {
		return Result{}, quizerr.ErrInvalidRoundSignature
	}
	if s.config.Now().UnixMilli() > sess.expiresAt {
		return Result{}, fmt.Errorf("%w: %s", quizerr.ErrRoundExpired, sub.RoundID)
	}

	key := dedupKey(sub)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if prev, ok := s.dedup.Get(key, false); ok {
		return prev, nil
	}
	if sess.finalized {
		s.dedup.Set(key, sess.last, 0)
		return sess.last, nil
	}

	r, err := sess.state.submit(sub)
	if err != nil {
		return Result{}, err
	}
	r.RoundID = sess.id
	r.Mode = sess.mode

	if r.Status.Terminal() {
		answer := sess.answer
		r.RoundConsumed = true
		r.Answer = &answer
		sess.finalized = true
		sess.last = r
		s.finalize(ctx, sess, r)
	}
	s.dedup.Set(key, r, 0)
	return r, nil
}

// finalize records the outcome of a consumed round.
func (s *Store) finalize(ctx context.Context, sess *session, r Result) {
	if s.recorder != nil {
		s.recorder.Record(balance.Event{
			Timestamp:     s.config.Now(),
			Mode:          sess.mode,
			Status:        r.Status,
			Correct:       r.Correct,
			HintsUsed:     sess.state.hintsUsed(),
			IconicTaxonID: sess.iconicID,
		})
	}
	if s.observer != nil {
		s.observer.ObserveRoundFinalized(sess.mode, r.Status)
	}
	s.logger.DebugContext(ctx, "round finalized",
		slog.String("round_id", sess.id),
		slog.String("mode", string(sess.mode)),
		slog.String("status", string(r.Status)),
	)
}

// sign returns hex(HMAC-SHA256(secret, roundID|clientID|expiresAt|nonce)).
func (s *Store) sign(roundID, clientID string, expiresAt int64, nonce string) (string, error) {
	key, err := s.secret.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open signing secret: %w", quizerr.ErrInternal, err)
	}
	defer key.Destroy()

	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write([]byte(roundID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(clientID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// dedupKey identifies a submission for idempotent replay.
func dedupKey(sub Submission) string {
	if sub.SubmissionID != "" {
		return sub.RoundID + "|id:" + sub.SubmissionID
	}
	return fmt.Sprintf("%s|step:%d|hint:%t|taxon:%d", sub.RoundID, sub.StepIndex, sub.Hint, sub.TaxonID)
}

// Prune drops expired rounds and dedup entries and returns how many went.
func (s *Store) Prune() int {
	return s.sessions.Prune() + s.dedup.Prune()
}

// Len returns the number of stored rounds, including expired ones not yet
// pruned.
func (s *Store) Len() int {
	return s.sessions.Len()
}

// Close releases the caches.
func (s *Store) Close() {
	s.sessions.Close()
	s.dedup.Close()
}
