// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package question assembles quiz questions.
//
// # Description
//
// The Generator resolves the request's pool, then, holding the client's
// selection lock, picks a target taxon and an unseen observation, samples
// lures, shuffles the choices and builds taxonomic steps. The round is
// registered with the round store last so the client only ever receives a
// signed handle next to the public fields of the target.
//
// # Thread Safety
//
// Generator is safe for concurrent use.
package question

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/lures"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/pool"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/selection"
)

var tracer = otel.Tracer("taxaquiz.question")

// prepared is the content of a round before it is signed.
type prepared struct {
	version      uint64
	poolSource   datatypes.PoolSource
	index        int
	mode         datatypes.GameMode
	target       *datatypes.Observation
	lureIDs      []int64
	choices      []Choice
	correctIndex int
	steps        []rounds.Step
}

// Generator produces questions.
type Generator struct {
	config    Config
	pools     Pools
	selection *selection.Manager
	lures     *lures.Selector
	rounds    Rounds
	lineage   Lineage
	observer  Observer
	queue     *queue
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGenerator creates a Generator.
//
// # Inputs
//
//   - config: Generator configuration.
//   - pools: Pool source, normally *pool.Manager.
//   - sel: Per-client selection state.
//   - lureSelector: Lure sampler.
//   - store: Round store, normally *rounds.Store.
//   - lineage: Ancestor fallback for taxonomic steps. May be nil.
//   - observer: Question metrics. May be nil.
//
// # Outputs
//
//   - *Generator: Call Close to stop background refills.
func NewGenerator(config Config, pools Pools, sel *selection.Manager, lureSelector *lures.Selector, store Rounds, lineage Lineage, observer Observer) *Generator {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		config:    config,
		pools:     pools,
		selection: sel,
		lures:     lureSelector,
		rounds:    store,
		lineage:   lineage,
		observer:  observer,
		queue:     newQueue(),
		logger:    config.Logger.With(slog.String("component", "question_generator")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Next returns the next question for the request.
//
// # Description
//
// Unseeded requests are served from the look-ahead queue when it holds a
// round built for the current pool version, and the queue is topped up in
// the background. Seeded requests are always generated inline with a random
// source derived from the seed and the client's question index, so every
// client sees the same sequence.
//
// # Outputs
//
//   - *Question: The payload, including the signed round handle.
//   - Diagnostics: Pool and timing details for response headers.
//   - error: quizerr kinds: ErrModeArchived, ErrPoolUnavailable,
//     ErrLureShortfall or an upstream failure.
func (g *Generator) Next(ctx context.Context, req Request) (*Question, Diagnostics, error) {
	if req.Mode == "" {
		req.Mode = datatypes.ModeEasy
	}
	ctx, span := tracer.Start(ctx, "question.Next", trace.WithAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.Bool("seeded", req.Query.Seeded()),
	))
	defer span.End()

	var diag Diagnostics
	if !req.Mode.Active() {
		return nil, diag, fmt.Errorf("%w: %q", quizerr.ErrModeArchived, req.Mode)
	}

	start := time.Now()
	key := pool.CacheKey(req.Query)
	p, status, err := g.pools.GetObservationPool(ctx, key, req.Query)
	diag.PoolDuration = time.Since(start)
	diag.CacheStatus = status
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pool unavailable")
		return nil, diag, err
	}
	diag.PoolTaxa = p.Size()
	diag.PoolObservations = p.ObservationCount
	diag.PoolSource = p.Source

	selectStart := time.Now()
	useQueue := g.config.LookAhead > 0 && !req.Query.Seeded()
	qkey := queueKey(p.Key, req.ClientID, req.Mode)

	var item *prepared
	if useQueue {
		item = g.queue.pop(qkey, p.Version, req.Exclude)
		diag.FromQueue = item != nil
	}
	if item == nil {
		item, err = g.generate(ctx, p, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate failed")
			return nil, diag, err
		}
	}
	if useQueue {
		g.refill(qkey, p, req)
	}
	diag.SelectDuration = time.Since(selectStart)

	roundStart := time.Now()
	handle, err := g.rounds.Create(item.newRound(req.ClientID))
	diag.RoundDuration = time.Since(roundStart)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "round create failed")
		return nil, diag, err
	}

	if g.observer != nil {
		g.observer.ObserveQuestion(req.Mode, time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("question_index", item.index),
		attribute.Bool("from_queue", diag.FromQueue),
	)
	return item.question(handle), diag, nil
}

// generate builds one round's content under the client's selection lock.
func (g *Generator) generate(ctx context.Context, p *datatypes.Pool, req Request) (*prepared, error) {
	var item *prepared
	err := g.selection.WithState(p, req.ClientID, func(st *selection.State) error {
		rng := g.randFor(req.Query.Seed, st.QuestionIndex)
		now := g.config.Now()

		exclude := make(map[int64]struct{}, len(req.Exclude))
		for _, id := range req.Exclude {
			exclude[id] = struct{}{}
		}

		targetID, ok := st.NextEligibleTaxonID(p, exclude, now, rng)
		if !ok {
			targetID, ok = st.RelaxedTaxonID(p, exclude, rng)
		}
		if !ok {
			return fmt.Errorf("%w: every taxon in the pool is excluded", quizerr.ErrPoolUnavailable)
		}
		target := p.RandomObservation(targetID, func(o *datatypes.Observation) bool { return !st.Seen(o.ID) }, rng)
		if target == nil {
			return fmt.Errorf("%w: taxon %d has no observation", quizerr.ErrInternal, targetID)
		}

		var picked []lures.Lure
		if req.Mode.HasChoices() {
			var err error
			picked, err = g.lures.BuildLures(p, st, targetID, target, g.pools.QuizChoices()-1, req.Exclude, rng)
			if err != nil {
				if g.observer != nil && errors.Is(err, quizerr.ErrLureShortfall) {
					g.observer.ObserveLureShortfall()
				}
				return err
			}
		}

		item = &prepared{
			version:    p.Version,
			poolSource: p.Source,
			mode:       req.Mode,
			target:     target,
		}
		for _, l := range picked {
			item.lureIDs = append(item.lureIDs, l.TaxonID)
		}

		switch req.Mode {
		case datatypes.ModeEasy:
			item.choices, item.correctIndex = shuffleChoices(target.Taxon, picked, rng)
		case datatypes.ModeTaxonomic:
			steps, err := g.buildSteps(ctx, p, target.Taxon, picked, req.Query.Locale, rng)
			if err != nil {
				return err
			}
			item.steps = steps
		}

		st.RecordTarget(targetID, now)
		st.RecordObservation(target.ID)
		st.RecordLures(item.lureIDs...)
		item.index = st.Advance()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// randFor returns the random source for one question. Seeded requests get
// a source derived from the seed and the question index.
func (g *Generator) randFor(seed string, questionIndex int) *rand.Rand {
	if seed == "" {
		return g.config.NewRand()
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(questionIndex)))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// shuffleChoices returns the target and lures in random order with the
// index of the target.
func shuffleChoices(target datatypes.TaxonSnapshot, picked []lures.Lure, rng *rand.Rand) ([]Choice, int) {
	choices := make([]Choice, 0, len(picked)+1)
	choices = append(choices, choiceOf(target))
	for _, l := range picked {
		choices = append(choices, choiceOf(l.Taxon))
	}
	rng.Shuffle(len(choices), func(i, j int) { choices[i], choices[j] = choices[j], choices[i] })

	correct := 0
	for i, c := range choices {
		if c.TaxonID == target.ID {
			correct = i
			break
		}
	}
	return choices, correct
}

func choiceOf(t datatypes.TaxonSnapshot) Choice {
	return Choice{
		TaxonID:             t.ID,
		Name:                t.Name,
		PreferredCommonName: t.PreferredCommonName,
		Label:               t.Label(),
	}
}

// newRound is the round store's view of the content.
func (p *prepared) newRound(clientID string) rounds.NewRound {
	t := p.target
	var photoURL string
	if len(t.Photos) > 0 {
		photoURL = t.Photos[0].MediumURL()
	}
	return rounds.NewRound{
		ClientID: clientID,
		Mode:     p.mode,
		Answer: rounds.Answer{
			TaxonID:             t.Taxon.ID,
			Name:                t.Taxon.Name,
			PreferredCommonName: t.Taxon.PreferredCommonName,
			Rank:                t.Taxon.Rank,
			ObservationID:       t.ID,
			ObservationURL:      t.URI,
			PhotoURL:            photoURL,
		},
		Target: t.Taxon,
		Steps:  p.steps,
	}
}

// question is the client payload for the content under handle.
func (p *prepared) question(handle rounds.Handle) *Question {
	t := p.target
	photos := make([]datatypes.Photo, 0, len(t.Photos))
	for _, ph := range t.Photos {
		if ph.URL == "" {
			continue
		}
		ph.URL = ph.MediumURL()
		photos = append(photos, ph)
	}
	return &Question{
		Handle:        handle,
		Mode:          p.mode,
		QuestionIndex: p.index,
		Photos:        photos,
		Sounds:        t.Sounds,
		ObservedMonth: t.ObservedMonth,
		PlaceGuess:    t.PlaceGuess,
		Choices:       p.choices,
		CorrectIndex:  p.correctIndex,
		Steps:         p.steps,
		PoolSource:    p.poolSource,
	}
}

// Prune drops look-ahead queues whose pool key is no longer live.
func (g *Generator) Prune(live func(poolKey string) bool) int {
	return g.queue.prune(live)
}

// Close stops background refills and waits for them to finish.
func (g *Generator) Close() {
	g.cancel()
	g.queue.close()
}
