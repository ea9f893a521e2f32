// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quiz is the composition root of the species quiz service.
//
// New wires every component from one config.Config: the upstream client
// and its circuit breaker, the three caches the service owns (pools,
// similar-species lists, taxon details), the pool manager, the confusion
// builder, lure selection, per-client selection state, the round store,
// the balance log, the question generator and the sweeper that prunes
// them. Caches are explicit instances owned here; no component reaches for
// process-wide state.
//
// # Usage
//
//	svc, err := quiz.New(cfg, quiz.Options{Registry: reg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//	return svc.Run(ctx)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Run is called at most once.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/balance"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/config"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/confusion"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/lures"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/observability"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/pool"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/question"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/routes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/selection"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/sweeper"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/upstream"
)

// Options carries process-level dependencies that are not configuration.
type Options struct {
	// Registry receives the service metrics and backs /metrics. Nil creates
	// a private registry.
	Registry *prometheus.Registry

	// Logger is the root logger. Nil uses slog.Default().
	Logger *slog.Logger

	// HTTPClient overrides the upstream transport. Used by tests.
	HTTPClient upstream.HTTPClient

	// Now is the clock shared by caches, selection and rounds. Nil uses
	// time.Now.
	Now func() time.Time
}

// Service owns every quiz component.
type Service struct {
	config   config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.QuizMetrics

	upstream *upstream.Client

	pools   *cache.Cache[*datatypes.Pool]
	similar *cache.Cache[[]int64]
	details *cache.Cache[*datatypes.TaxonDetails]

	poolManager *pool.Manager
	confusion   *confusion.Builder
	selection   *selection.Manager
	store       *rounds.Store
	recorder    *balance.Recorder
	archive     *balance.Archive
	generator   *question.Generator
	sweeper     *sweeper.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// New validates cfg and wires the service.
//
// # Description
//
// Components are built bottom-up. On any error, everything built so far
// is released before returning.
//
// # Inputs
//
//   - cfg: Effective configuration. Validated here.
//   - opts: Process-level dependencies.
//
// # Outputs
//
//   - *Service: Ready to serve. Must be closed.
//   - error: Invalid configuration, or the balance archive cannot be opened.
func New(cfg config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	s := &Service{
		config:   cfg,
		logger:   opts.Logger.With(slog.String("component", "quiz")),
		registry: opts.Registry,
		metrics:  observability.NewQuizMetrics(opts.Registry),
		closed:   make(chan struct{}),
	}
	if err := s.init(opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(opts Options) error {
	cfg := s.config
	logger := opts.Logger

	up, err := upstream.NewClient(upstreamConfig(cfg, opts, s.metrics))
	if err != nil {
		return err
	}
	s.upstream = up

	s.pools = newCache[*datatypes.Pool]("pools", cfg.Cache.PoolMaxEntries, cfg.Cache.PoolTTL, cfg.Cache.PoolStaleTTL, opts)
	s.similar = newCache[[]int64]("similar", cfg.Cache.SimilarMaxEntries, cfg.Cache.SimilarTTL, cfg.Cache.SimilarStaleTTL, opts)
	s.details = newCache[*datatypes.TaxonDetails]("details", cfg.Cache.DetailsMaxEntries, cfg.Cache.DetailsTTL, cfg.Cache.DetailsStaleTTL, opts)

	s.confusion = confusion.NewBuilder(confusion.Config{
		MaxCandidates:   cfg.Confusion.MaxCandidates,
		MinCandidates:   cfg.Confusion.MinCandidates,
		SimilarityBonus: cfg.Confusion.SimilarityBonus,
		Concurrency:     cfg.Confusion.Concurrency,
		RetryCooldown:   cfg.Confusion.RetryCooldown,
		BuildTimeout:    cfg.Confusion.BuildTimeout,
		Now:             opts.Now,
		Logger:          logger,
	}, up, s.similar, s.metrics)

	s.poolManager = pool.NewManager(pool.Config{
		MaxPages:           cfg.Pool.MaxPages,
		PerPage:            cfg.Pool.PerPage,
		DistinctTaxaTarget: cfg.Pool.DistinctTaxaTarget,
		QuizChoices:        cfg.Quiz.QuizChoices,
		DegradedTTL:        cfg.Pool.DegradedTTL,
		Now:                opts.Now,
		Logger:             logger,
	}, up, s.pools, s.confusion, s.metrics)

	s.selection, err = selection.NewManager(selection.Config{
		QuizChoices:        cfg.Quiz.QuizChoices,
		CooldownMode:       selection.CooldownMode(cfg.Selection.CooldownMode),
		CooldownTargets:    cfg.Selection.CooldownTargets,
		CooldownTTL:        cfg.Selection.CooldownTTL,
		RecentObservations: cfg.Selection.RecentObservations,
		RecentTargets:      cfg.Selection.RecentTargets,
		RecentLures:        cfg.Selection.RecentLures,
	})
	if err != nil {
		return fmt.Errorf("selection: %w", err)
	}

	if cfg.Balance.ArchivePath != "" {
		ac := balance.DefaultArchiveConfig()
		ac.Path = cfg.Balance.ArchivePath
		ac.Retention = cfg.Balance.ArchiveRetention
		ac.Logger = logger
		s.archive, err = balance.OpenArchive(ac)
		if err != nil {
			return fmt.Errorf("balance archive: %w", err)
		}
	}
	s.recorder = balance.NewRecorder(cfg.Balance.Capacity, s.archive, logger)

	s.store, err = rounds.NewStore(rounds.Config{
		TTL:             cfg.Rounds.TTL,
		MaxRounds:       cfg.Rounds.MaxRounds,
		MaxDedupEntries: cfg.Rounds.MaxDedupEntries,
		HardMaxGuesses:  cfg.Rounds.HardMaxGuesses,
		MaxMistakes:     cfg.Rounds.MaxMistakes,
		HintBudget:      cfg.Rounds.HintBudget,
		Secret:          cfg.Rounds.Secret,
		Production:      cfg.Server.Production,
		Now:             opts.Now,
		Logger:          logger,
	}, s.recorder, s.metrics)
	if err != nil {
		return err
	}

	s.generator = question.NewGenerator(question.Config{
		LookAhead:   cfg.Quiz.LookAhead,
		StepRanks:   cfg.Quiz.StepRanks,
		StepOptions: cfg.Quiz.StepOptions,
		Now:         opts.Now,
		Logger:      logger,
	}, s.poolManager, s.selection, lures.NewSelector(lures.Config{
		MinCloseness: cfg.Lures.MinCloseness,
		GroupPenalty: cfg.Lures.GroupPenalty,
	}), s.store, s, s.metrics)

	s.sweeper = sweeper.New(sweeper.Config{Interval: cfg.Sweeper.Interval, Logger: logger},
		sweeper.Task{Name: "rounds", Run: func(context.Context) int { return s.store.Prune() }},
		sweeper.Task{Name: "pools", Run: func(context.Context) int { return s.pools.Prune() }},
		sweeper.Task{Name: "similar", Run: func(context.Context) int { return s.similar.Prune() }},
		sweeper.Task{Name: "details", Run: func(context.Context) int { return s.details.Prune() }},
		sweeper.Task{Name: "selection", Run: func(context.Context) int { return s.selection.Prune(s.poolManager.Live) }},
		sweeper.Task{Name: "queues", Run: func(context.Context) int { return s.generator.Prune(s.poolManager.Live) }},
	)
	return nil
}

func upstreamConfig(cfg config.Config, opts Options, m *observability.QuizMetrics) upstream.ClientConfig {
	uc := upstream.DefaultClientConfig()
	uc.BaseURL = cfg.Upstream.BaseURL
	uc.UserAgent = cfg.Upstream.UserAgent
	uc.DefaultLocale = cfg.Upstream.DefaultLocale
	uc.RequestTimeout = cfg.Upstream.RequestTimeout
	uc.RetryAttempts = cfg.Upstream.RetryAttempts
	uc.RetryBackoff = cfg.Upstream.RetryBackoff
	uc.MaxConcurrent = cfg.Upstream.MaxConcurrent
	uc.RequestsPerSecond = cfg.Upstream.RequestsPerSecond
	uc.Burst = cfg.Upstream.Burst
	uc.Breaker = cache.BreakerConfig{
		Name:             "upstream",
		FailureThreshold: cfg.Upstream.BreakerThreshold,
		Cooldown:         cfg.Upstream.BreakerCooldown,
		HalfOpenProbes:   cfg.Upstream.HalfOpenProbes,
		Now:              opts.Now,
		OnStateChange:    m.BreakerStateChanged,
	}
	uc.HTTPClient = opts.HTTPClient
	uc.Observer = m
	uc.Logger = opts.Logger
	return uc
}

func newCache[V any](name string, maxEntries int, ttl, staleTTL time.Duration, opts Options) *cache.Cache[V] {
	logger := opts.Logger
	return cache.New[V](
		cache.WithName(name),
		cache.WithMaxEntries(maxEntries),
		cache.WithTTL(ttl),
		cache.WithStaleTTL(staleTTL),
		cache.WithClock(opts.Now),
		cache.WithLogger(logger),
		cache.WithOnError(func(key string, err error) {
			logger.Warn("cache revalidation failed",
				slog.String("cache", name),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// =============================================================================
// Operations
// =============================================================================

// Next returns the next question for a client.
func (s *Service) Next(ctx context.Context, req question.Request) (*question.Question, question.Diagnostics, error) {
	return s.generator.Next(ctx, req)
}

// Submit applies a round submission.
func (s *Service) Submit(ctx context.Context, sub rounds.Submission) (rounds.Result, error) {
	return s.store.Submit(ctx, sub)
}

// TaxonDetails returns the details of taxonID in locale, merged with the
// default-locale record. Results are cached per (taxon, locale) and served
// stale while a background refresh runs.
func (s *Service) TaxonDetails(ctx context.Context, taxonID int64, locale string) (*datatypes.TaxonDetails, error) {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if locale == "" {
		locale = strings.ToLower(s.upstream.DefaultLocale())
	}
	key := "taxon:v1|" + strconv.FormatInt(taxonID, 10) + "|" + locale

	details, _, err := s.details.GetOrFetch(ctx, key, func(ctx context.Context) (*datatypes.TaxonDetails, error) {
		return s.upstream.TaxonDetails(ctx, taxonID, locale)
	}, cache.FetchOptions{AllowStale: true, Background: true})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// Summary returns the balance summary.
func (s *Service) Summary() balance.Summary {
	return s.recorder.Summary()
}

// Health reports liveness with component sizes and the breaker state. An
// open breaker does not make the service unhealthy: cached and degraded
// pools keep serving.
func (s *Service) Health() (bool, map[string]any) {
	select {
	case <-s.closed:
		return false, map[string]any{"reason": "shutting down"}
	default:
	}
	return true, map[string]any{
		"upstream_breaker": s.upstream.Breaker().State().String(),
		"pools":            s.pools.Len(),
		"rounds":           s.store.Len(),
		"selection_slots":  s.selection.Len(),
		"balance_events":   s.recorder.Len(),
	}
}

// Handler returns the HTTP handler serving the quiz API and /metrics.
func (s *Service) Handler() *gin.Engine {
	return routes.NewRouter(s.config.Telemetry.ServiceName, s.logger, routes.Deps{
		Questions: s,
		Rounds:    s,
		Taxa:      s,
		Balance:   s,
		Health:    s,
		Metrics:   promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
	})
}

// Run starts the sweeper and serves HTTP until ctx is cancelled, then
// shuts the server down gracefully.
func (s *Service) Run(ctx context.Context) error {
	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}
	defer s.sweeper.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting quiz server", slog.Int("port", s.config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down quiz server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close stops background work and releases the balance archive. Safe to
// call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		if s.generator != nil {
			s.generator.Close()
		}
		if s.confusion != nil {
			s.confusion.Close()
		}
		if s.store != nil {
			s.store.Close()
		}
		if s.pools != nil {
			s.pools.Close()
		}
		if s.similar != nil {
			s.similar.Close()
		}
		if s.details != nil {
			s.details.Close()
		}
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				s.logger.Warn("closing balance archive", slog.String("error", err.Error()))
			}
		}
	})
}
