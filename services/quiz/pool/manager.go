// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool builds and caches per-query observation pools.
//
// # Description
//
// A pool is fetched with a bounded page walk, indexed by taxon and cached
// under a query-derived key with stale-while-revalidate. When the upstream
// is unavailable a degraded pool is merged from fragments of other cached
// pools so rounds can still be served.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/upstream"
)

var tracer = otel.Tracer("taxaquiz.pool")

// maxResultWindow is the deepest result offset the upstream serves.
const maxResultWindow = 10000

// Fetcher loads observation pages.
type Fetcher interface {
	SearchObservations(ctx context.Context, q upstream.ObservationQuery) (*upstream.ObservationPage, error)
}

// ConfusionBuilder schedules a background confusion-map build for a pool.
// Implementations must return immediately.
type ConfusionBuilder interface {
	Ensure(p *datatypes.Pool)
}

// Observer receives pool build outcomes. May be nil.
type Observer interface {
	ObservePoolBuild(source datatypes.PoolSource, taxa int, duration time.Duration)
}

// Config configures the Manager.
type Config struct {
	// MaxPages bounds the page walk (default: 3).
	MaxPages int

	// PerPage is the upstream page size (default: 100).
	PerPage int

	// DistinctTaxaTarget stops the page walk early once reached (default: 40).
	DistinctTaxaTarget int

	// QuizChoices is the number of answer choices per question (default: 4).
	QuizChoices int

	// DegradedTTL is how long a degraded pool is cached before the live
	// upstream is tried again (default: 30s).
	DegradedTTL time.Duration

	// Intn returns a random int in [0,n). Defaults to math/rand.Intn.
	Intn func(n int) int

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPages:           3,
		PerPage:            100,
		DistinctTaxaTarget: 40,
		QuizChoices:        4,
		DegradedTTL:        30 * time.Second,
		Intn:               rand.Intn,
		Now:                time.Now,
		Logger:             slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.PerPage <= 0 {
		c.PerPage = d.PerPage
	}
	if c.DistinctTaxaTarget <= 0 {
		c.DistinctTaxaTarget = d.DistinctTaxaTarget
	}
	if c.QuizChoices <= 0 {
		c.QuizChoices = d.QuizChoices
	}
	if c.DegradedTTL <= 0 {
		c.DegradedTTL = d.DegradedTTL
	}
	if c.Intn == nil {
		c.Intn = d.Intn
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Manager owns the pool cache.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	config    Config
	fetcher   Fetcher
	pools     *cache.Cache[*datatypes.Pool]
	confusion ConfusionBuilder
	observer  Observer
	logger    *slog.Logger
}

// NewManager creates a pool manager over an explicitly owned cache.
// confusion and observer may be nil.
func NewManager(config Config, fetcher Fetcher, pools *cache.Cache[*datatypes.Pool], confusion ConfusionBuilder, observer Observer) *Manager {
	config.applyDefaults()
	return &Manager{
		config:    config,
		fetcher:   fetcher,
		pools:     pools,
		confusion: confusion,
		observer:  observer,
		logger:    config.Logger.With(slog.String("component", "pool_manager")),
	}
}

// QuizChoices returns the configured choice count.
func (m *Manager) QuizChoices() int {
	return m.config.QuizChoices
}

// Live reports whether key still holds a usable pool.
func (m *Manager) Live(key string) bool {
	return m.pools.Has(key)
}

// GetObservationPool returns the pool for key, building it when needed.
//
// # Description
//
// Fresh pools are returned as is. Stale pools are returned immediately while
// one background rebuild runs. On a miss the pool is fetched synchronously,
// with concurrent callers sharing the fetch. If the upstream is unavailable
// a degraded pool is assembled from other cached pools. Every returned pool
// has its confusion map build scheduled if it is missing.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - key: Cache key, normally CacheKey(q).
//   - q: The query to fetch on a miss.
//
// # Outputs
//
//   - *datatypes.Pool: The pool.
//   - cache.Status: hit, stale or miss.
//   - error: Wraps quizerr.ErrPoolUnavailable when too few taxa are
//     available even after degradation.
func (m *Manager) GetObservationPool(ctx context.Context, key string, q Query) (*datatypes.Pool, cache.Status, error) {
	p, status, err := m.pools.GetOrFetch(ctx, key, func(ctx context.Context) (*datatypes.Pool, error) {
		return m.build(ctx, key, q)
	}, cache.FetchOptions{AllowStale: true, Background: true})

	if err != nil {
		if !quizerr.IsUpstreamFailure(err) {
			return nil, status, err
		}
		// A concurrent caller may already have installed a degraded pool.
		if existing, ok := m.pools.Get(key, true); ok {
			return existing, status, nil
		}
		m.logger.Warn("upstream unavailable, assembling degraded pool",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		degraded, derr := m.degrade(key, q)
		if derr != nil {
			return nil, status, fmt.Errorf("%w (upstream: %s)", derr, quizerr.CodeOf(err))
		}
		m.pools.Set(key, degraded, m.config.DegradedTTL)
		p = degraded
	}

	if m.confusion != nil && p.Confusion() == nil {
		m.confusion.Ensure(p)
	}
	return p, status, nil
}

// build fetches and indexes a live pool.
func (m *Manager) build(ctx context.Context, key string, q Query) (*datatypes.Pool, error) {
	ctx, span := tracer.Start(ctx, "pool.build", trace.WithAttributes(
		attribute.String("pool.key", key),
		attribute.Bool("pool.seeded", q.Seeded()),
	))
	defer span.End()
	start := time.Now()

	observations, err := m.walk(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page walk failed")
		return nil, err
	}

	p := datatypes.NewPool(key, datatypes.SourceLive, observations, q.Seeded(), m.config.Now())
	span.SetAttributes(
		attribute.Int("pool.taxa", p.Size()),
		attribute.Int("pool.observations", p.ObservationCount),
	)
	if need := q.MinTaxa(m.config.QuizChoices); p.Size() < need {
		span.SetStatus(codes.Error, "not enough distinct species")
		return nil, fmt.Errorf("pool %q has %d distinct species, need %d: %w", key, p.Size(), need, quizerr.ErrPoolUnavailable)
	}

	m.logger.Info("observation pool built",
		slog.String("key", key),
		slog.Uint64("version", p.Version),
		slog.Int("taxa", p.Size()),
		slog.Int("observations", p.ObservationCount),
	)
	if m.observer != nil {
		m.observer.ObservePoolBuild(p.Source, p.Size(), time.Since(start))
	}
	return p, nil
}

// walk fetches up to MaxPages pages, starting at a random page unless the
// query is seeded. A failure after the first page keeps what was fetched.
func (m *Manager) walk(ctx context.Context, q Query) ([]*datatypes.Observation, error) {
	base := upstream.ObservationQuery{
		TaxonIDs: q.TaxonIDs,
		PlaceID:  q.PlaceID,
		Locale:   q.Locale,
		PerPage:  m.config.PerPage,
	}

	startPage := 1
	if !q.Seeded() {
		probe := base
		probe.Page = 1
		probe.PerPage = 1
		page, err := m.fetcher.SearchObservations(ctx, probe)
		if err != nil {
			return nil, fmt.Errorf("probe result count: %w", err)
		}
		startPage = m.randomStartPage(page.TotalResults)
	}

	var (
		observations []*datatypes.Observation
		taxa         = make(map[int64]struct{})
	)
	for i := 0; i < m.config.MaxPages; i++ {
		pq := base
		pq.Page = startPage + i
		page, err := m.fetcher.SearchObservations(ctx, pq)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("fetch page %d: %w", pq.Page, err)
			}
			m.logger.Warn("page walk cut short",
				slog.Int("page", pq.Page),
				slog.String("error", err.Error()),
			)
			break
		}
		for _, o := range page.Observations {
			if !q.Filters.Keep(o) {
				continue
			}
			observations = append(observations, o)
			taxa[o.Taxon.ID] = struct{}{}
		}
		if len(page.Observations) < m.config.PerPage || len(taxa) >= m.config.DistinctTaxaTarget {
			break
		}
	}
	return observations, nil
}

// randomStartPage picks a start page such that the whole walk stays inside
// the result set and the upstream's result window.
func (m *Manager) randomStartPage(total int) int {
	totalPages := (total + m.config.PerPage - 1) / m.config.PerPage
	windowPages := maxResultWindow / m.config.PerPage
	lastStart := min(totalPages, windowPages) - m.config.MaxPages + 1
	if lastStart <= 1 {
		return 1
	}
	return 1 + m.config.Intn(lastStart)
}

// errNoFragments is returned when degradation finds nothing usable.
var errNoFragments = errors.New("no cached fragments")

// degrade merges fragments of other cached live pools.
//
// Requested taxa (or their descendants) are harvested first. If that is not
// enough, any cached taxa are used as a last resort. The result is tagged
// degraded.
func (m *Manager) degrade(key string, q Query) (*datatypes.Pool, error) {
	need := q.MinTaxa(m.config.QuizChoices)
	requested := make(map[int64]struct{}, len(q.TaxonIDs))
	for _, id := range q.TaxonIDs {
		requested[id] = struct{}{}
	}

	harvest := func(match func(*datatypes.Observation) bool) []*datatypes.Observation {
		var out []*datatypes.Observation
		m.pools.Range(func(k string, p *datatypes.Pool, _ bool) bool {
			if k == key || p.Source != datatypes.SourceLive {
				return true
			}
			for _, id := range p.TaxonList {
				for _, o := range p.ByTaxon[id] {
					if match(o) {
						out = append(out, o)
					}
				}
			}
			return true
		})
		return out
	}

	relevant := harvest(func(o *datatypes.Observation) bool {
		return inRequested(o.Taxon, requested) && q.Filters.Keep(o)
	})
	p := datatypes.NewPool(key, datatypes.SourceDegraded, relevant, q.Seeded(), m.config.Now())
	if p.Size() < need && len(requested) > 0 {
		m.logger.Warn("requested taxa not cached, serving any cached taxa",
			slog.String("key", key),
			slog.Int("relevant_taxa", p.Size()),
		)
		p = datatypes.NewPool(key, datatypes.SourceDegraded, harvest(func(*datatypes.Observation) bool { return true }), q.Seeded(), m.config.Now())
	}

	if p.Size() == 0 {
		return nil, fmt.Errorf("degraded pool %q: %w: %w", key, errNoFragments, quizerr.ErrPoolUnavailable)
	}
	if p.Size() < need {
		return nil, fmt.Errorf("degraded pool %q has %d distinct species, need %d: %w", key, p.Size(), need, quizerr.ErrPoolUnavailable)
	}
	if m.observer != nil {
		m.observer.ObservePoolBuild(p.Source, p.Size(), 0)
	}
	return p, nil
}

// inRequested reports whether t or one of its ancestors was requested. An
// empty request matches everything.
func inRequested(t datatypes.TaxonSnapshot, requested map[int64]struct{}) bool {
	if len(requested) == 0 {
		return true
	}
	if _, ok := requested[t.ID]; ok {
		return true
	}
	for _, id := range t.AncestorIDs {
		if _, ok := requested[id]; ok {
			return true
		}
	}
	return false
}
