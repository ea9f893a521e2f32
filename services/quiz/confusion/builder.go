// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confusion precomputes, for every taxon of a pool, a ranked list
// of plausible lure candidates.
//
// # Description
//
// Candidates are scored by taxonomic closeness (shared ancestor depth over
// target depth) plus a bonus for species the upstream reports as commonly
// confused. Sparse targets are enriched with species from the same coarse
// group. A map is built once per pool version, in the background, and then
// read without any further network calls.
//
// # Thread Safety
//
// Builder is safe for concurrent use. At most one build runs per pool.
package confusion

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

var tracer = otel.Tracer("taxaquiz.confusion")

// Upstream is the subset of the upstream client the builder needs.
type Upstream interface {
	SimilarSpecies(ctx context.Context, taxonID int64) ([]int64, error)
	SpeciesInGroup(ctx context.Context, groupID int64, exclude []int64, limit int) ([]*datatypes.Observation, error)
}

// Observer receives build outcomes. May be nil.
type Observer interface {
	ObserveConfusionBuild(outcome string, duration time.Duration)
}

// Config configures the Builder.
type Config struct {
	// MaxCandidates caps candidates kept per target (default: 12).
	MaxCandidates int

	// MinCandidates triggers enrichment when a target has fewer (default: 4).
	MinCandidates int

	// SimilarityBonus is added for commonly confused species (default: 0.25).
	SimilarityBonus float64

	// Concurrency bounds parallel similar-species fetches (default: 4).
	Concurrency int

	// RetryCooldown is how long a failed build blocks a retry (default: 2m).
	RetryCooldown time.Duration

	// BuildTimeout bounds a single build (default: 60s).
	BuildTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCandidates:   12,
		MinCandidates:   4,
		SimilarityBonus: 0.25,
		Concurrency:     4,
		RetryCooldown:   2 * time.Minute,
		BuildTimeout:    60 * time.Second,
		Now:             time.Now,
		Logger:          slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MinCandidates <= 0 {
		c.MinCandidates = d.MinCandidates
	}
	if c.SimilarityBonus < 0 {
		c.SimilarityBonus = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = d.RetryCooldown
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Builder builds and installs confusion maps.
type Builder struct {
	config   Config
	upstream Upstream
	similar  *cache.Cache[[]int64]
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[*datatypes.Pool]struct{}
	failedAt map[*datatypes.Pool]time.Time
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuilder creates a Builder. similar caches similar-species lists and is
// owned by the caller.
func NewBuilder(config Config, up Upstream, similar *cache.Cache[[]int64], observer Observer) *Builder {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{
		config:   config,
		upstream: up,
		similar:  similar,
		observer: observer,
		logger:   config.Logger.With(slog.String("component", "confusion_builder")),
		inFlight: make(map[*datatypes.Pool]struct{}),
		failedAt: make(map[*datatypes.Pool]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ensure schedules a background build for p unless its map is installed, a
// build for p is already running, or the last build for p failed less than
// RetryCooldown ago. It never blocks and never reports errors.
func (b *Builder) Ensure(p *datatypes.Pool) {
	if p == nil || p.Confusion() != nil {
		return
	}
	now := b.config.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, running := b.inFlight[p]; running {
		b.mu.Unlock()
		return
	}
	if at, failed := b.failedAt[p]; failed && now.Sub(at) < b.config.RetryCooldown {
		b.mu.Unlock()
		return
	}
	for old, at := range b.failedAt {
		if now.Sub(at) >= b.config.RetryCooldown {
			delete(b.failedAt, old)
		}
	}
	b.inFlight[p] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(p)
}

// run executes one background build and records its outcome.
func (b *Builder) run(p *datatypes.Pool) {
	defer b.wg.Done()
	start := time.Now()

	var (
		m   *datatypes.ConfusionMap
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("confusion build panicked: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(b.ctx, b.config.BuildTimeout)
		defer cancel()
		m, err = b.Build(ctx, p)
	}()

	b.mu.Lock()
	delete(b.inFlight, p)
	if err != nil {
		b.failedAt[p] = b.config.Now()
	} else {
		delete(b.failedAt, p)
	}
	b.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		b.logger.Warn("confusion map build failed",
			slog.String("pool", p.Key),
			slog.Uint64("version", p.Version),
			slog.String("error", err.Error()),
		)
	} else {
		p.SetConfusion(m)
		b.logger.Debug("confusion map installed",
			slog.String("pool", p.Key),
			slog.Uint64("version", p.Version),
			slog.Int("targets", len(m.Candidates)),
		)
	}
	if b.observer != nil {
		b.observer.ObserveConfusionBuild(outcome, time.Since(start))
	}
}

// Build computes the confusion map of p synchronously without installing it.
//
// # Inputs
//
//   - ctx: Bounds the whole build. Similar-species lookups that fail for
//     any other reason count as an empty similarity set.
//   - p: The pool.
//
// # Outputs
//
//   - *datatypes.ConfusionMap: Candidates per taxon, sorted by score
//     descending and capped at MaxCandidates.
//   - error: Non-nil only if ctx ended before the build finished.
func (b *Builder) Build(ctx context.Context, p *datatypes.Pool) (*datatypes.ConfusionMap, error) {
	ctx, span := tracer.Start(ctx, "confusion.Build", trace.WithAttributes(
		attribute.String("pool.key", p.Key),
		attribute.Int("pool.taxa", p.Size()),
	))
	defer span.End()

	similar := b.fetchSimilar(ctx, p)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	candidates := make(map[int64][]datatypes.ConfusionCandidate, p.Size())
	for _, target := range p.TaxonList {
		tt, _ := p.Taxon(target)
		var list []datatypes.ConfusionCandidate
		for _, other := range p.TaxonList {
			if other == target {
				continue
			}
			ot, _ := p.Taxon(other)
			list = append(list, b.score(tt, ot, similar[target], datatypes.ProvenancePool, nil))
		}
		candidates[target] = b.trim(list)
	}

	groups := make(map[int64][]*datatypes.Observation)
	enriched := 0
	for _, target := range p.TaxonList {
		if len(candidates[target]) >= b.config.MinCandidates {
			continue
		}
		tt, _ := p.Taxon(target)
		if tt.IconicTaxonID == 0 {
			continue
		}
		extra, ok := groups[tt.IconicTaxonID]
		if !ok {
			var err error
			extra, err = b.upstream.SpeciesInGroup(ctx, tt.IconicTaxonID, p.TaxonList, b.config.MaxCandidates)
			if err != nil {
				b.logger.Debug("group enrichment failed",
					slog.Int64("group", tt.IconicTaxonID),
					slog.String("error", err.Error()),
				)
			}
			groups[tt.IconicTaxonID] = extra
		}

		list := candidates[target]
		present := make(map[int64]struct{}, len(list))
		for _, c := range list {
			present[c.CandidateID] = struct{}{}
		}
		for _, o := range extra {
			if o.Taxon.ID == target || p.Has(o.Taxon.ID) {
				continue
			}
			if _, dup := present[o.Taxon.ID]; dup {
				continue
			}
			present[o.Taxon.ID] = struct{}{}
			list = append(list, b.score(tt, o.Taxon, similar[target], datatypes.ProvenanceExternal, o))
		}
		candidates[target] = b.trim(list)
		enriched++
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}
	span.SetAttributes(attribute.Int("confusion.enriched_targets", enriched))
	span.SetStatus(codes.Ok, "built")

	return &datatypes.ConfusionMap{
		PoolVersion: p.Version,
		BuiltAt:     b.config.Now(),
		Candidates:  candidates,
	}, nil
}

// score rates candidate c against target t.
func (b *Builder) score(t, c datatypes.TaxonSnapshot, similar map[int64]struct{}, prov datatypes.Provenance, obs *datatypes.Observation) datatypes.ConfusionCandidate {
	closeness := datatypes.Closeness(t.AncestorIDs, c.AncestorIDs)
	score := closeness
	if _, ok := similar[c.ID]; ok {
		score += b.config.SimilarityBonus
		if prov == datatypes.ProvenancePool {
			prov = datatypes.ProvenanceSimilar
		}
	}
	return datatypes.ConfusionCandidate{
		TargetID:    t.ID,
		CandidateID: c.ID,
		Score:       min(score, 1.0),
		Closeness:   closeness,
		Provenance:  prov,
		Observation: obs,
	}
}

func (b *Builder) trim(list []datatypes.ConfusionCandidate) []datatypes.ConfusionCandidate {
	datatypes.SortCandidates(list)
	if len(list) > b.config.MaxCandidates {
		list = list[:b.config.MaxCandidates]
	}
	return list
}

// fetchSimilar loads the similar-species set of every pool taxon through
// the cache, at most Concurrency at a time. Failures yield empty sets.
func (b *Builder) fetchSimilar(ctx context.Context, p *datatypes.Pool) map[int64]map[int64]struct{} {
	var (
		mu  sync.Mutex
		out = make(map[int64]map[int64]struct{}, p.Size())
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Concurrency)
	for _, id := range p.TaxonList {
		g.Go(func() error {
			ids, _, err := b.similar.GetOrFetch(gctx, similarKey(id), func(ctx context.Context) ([]int64, error) {
				return b.upstream.SimilarSpecies(ctx, id)
			}, cache.FetchOptions{AllowStale: true, Background: true})
			if err != nil {
				b.logger.Debug("similar species unavailable",
					slog.Int64("taxon_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			set := make(map[int64]struct{}, len(ids))
			for _, s := range ids {
				set[s] = struct{}{}
			}
			mu.Lock()
			out[id] = set
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Close cancels running builds and waits for them to exit.
func (b *Builder) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func similarKey(id int64) string {
	return "similar:" + strconv.FormatInt(id, 10)
}
