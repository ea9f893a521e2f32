// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the quiz service configuration.
//
// # Description
//
// Values are merged with priority env (QUIZ_*) > YAML file > defaults and
// then validated with struct tags plus a few cross-field rules.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"pool"`
	Quiz      QuizConfig      `yaml:"quiz"`
	Confusion ConfusionConfig `yaml:"confusion"`
	Lures     LuresConfig     `yaml:"lures"`
	Selection SelectionConfig `yaml:"selection"`
	Rounds    RoundsConfig    `yaml:"rounds"`
	Balance   BalanceConfig   `yaml:"balance"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Production      bool          `yaml:"production"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// UpstreamConfig configures the biodiversity API client.
type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	UserAgent         string        `yaml:"user_agent" validate:"required"`
	DefaultLocale     string        `yaml:"default_locale" validate:"required"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RetryAttempts     int           `yaml:"retry_attempts" validate:"gte=0,lte=10"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	MaxConcurrent     int64         `yaml:"max_concurrent" validate:"gte=1"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
	BreakerThreshold  int           `yaml:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`
	HalfOpenProbes    int           `yaml:"half_open_probes" validate:"gte=1"`
}

// CacheConfig sizes the caches the service owns.
type CacheConfig struct {
	PoolTTL           time.Duration `yaml:"pool_ttl" validate:"gt=0"`
	PoolStaleTTL      time.Duration `yaml:"pool_stale_ttl"`
	PoolMaxEntries    int           `yaml:"pool_max_entries" validate:"gte=1"`
	SimilarTTL        time.Duration `yaml:"similar_ttl" validate:"gt=0"`
	SimilarStaleTTL   time.Duration `yaml:"similar_stale_ttl"`
	SimilarMaxEntries int           `yaml:"similar_max_entries" validate:"gte=1"`
	DetailsTTL        time.Duration `yaml:"details_ttl" validate:"gt=0"`
	DetailsStaleTTL   time.Duration `yaml:"details_stale_ttl"`
	DetailsMaxEntries int           `yaml:"details_max_entries" validate:"gte=1"`
}

// PoolConfig bounds the observation page walk.
type PoolConfig struct {
	MaxPages           int           `yaml:"max_pages" validate:"gte=1,lte=50"`
	PerPage            int           `yaml:"per_page" validate:"gte=1,lte=200"`
	DistinctTaxaTarget int           `yaml:"distinct_taxa_target" validate:"gte=1"`
	DegradedTTL        time.Duration `yaml:"degraded_ttl" validate:"gt=0"`
}

// QuizConfig shapes questions.
type QuizConfig struct {
	QuizChoices int      `yaml:"quiz_choices" validate:"gte=2,lte=10"`
	LookAhead   int      `yaml:"look_ahead" validate:"gte=0,lte=10"`
	StepRanks   []string `yaml:"step_ranks" validate:"dive,oneof=kingdom phylum class order family genus species"`
	StepOptions int      `yaml:"step_options" validate:"gte=2"`
}

// ConfusionConfig tunes confusion map builds.
type ConfusionConfig struct {
	MaxCandidates   int           `yaml:"max_candidates" validate:"gte=1"`
	MinCandidates   int           `yaml:"min_candidates" validate:"gte=0"`
	SimilarityBonus float64       `yaml:"similarity_bonus" validate:"gte=0,lte=1"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	RetryCooldown   time.Duration `yaml:"retry_cooldown" validate:"gte=0"`
	BuildTimeout    time.Duration `yaml:"build_timeout" validate:"gt=0"`
}

// LuresConfig tunes lure sampling.
type LuresConfig struct {
	MinCloseness float64 `yaml:"min_closeness" validate:"gte=0,lte=1"`
	GroupPenalty float64 `yaml:"group_penalty" validate:"gt=0,lte=1"`
}

// SelectionConfig tunes per-client repetition avoidance.
type SelectionConfig struct {
	CooldownMode       string        `yaml:"cooldown_mode" validate:"oneof=count ttl"`
	CooldownTargets    int           `yaml:"cooldown_targets" validate:"gte=0"`
	CooldownTTL        time.Duration `yaml:"cooldown_ttl" validate:"gte=0"`
	RecentObservations int           `yaml:"recent_observations" validate:"gte=1"`
	RecentTargets      int           `yaml:"recent_targets" validate:"gte=1"`
	RecentLures        int           `yaml:"recent_lures" validate:"gte=1"`
}

// RoundsConfig configures the round store.
type RoundsConfig struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxRounds       int           `yaml:"max_rounds" validate:"gte=1"`
	MaxDedupEntries int           `yaml:"max_dedup_entries" validate:"gte=1"`
	HardMaxGuesses  int           `yaml:"hard_max_guesses" validate:"gte=1"`
	MaxMistakes     int           `yaml:"max_mistakes" validate:"gte=1"`
	HintBudget      int           `yaml:"hint_budget" validate:"gte=0"`
	Secret          string        `yaml:"secret"`
}

// BalanceConfig configures the balance event log.
type BalanceConfig struct {
	Capacity         int           `yaml:"capacity" validate:"gte=1"`
	ArchivePath      string        `yaml:"archive_path"`
	ArchiveRetention time.Duration `yaml:"archive_retention" validate:"gte=0"`
}

// SweeperConfig configures periodic pruning.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" validate:"required"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:           "https://api.inaturalist.org/v1",
			UserAgent:         "taxaquiz/1.0",
			DefaultLocale:     "en",
			RequestTimeout:    8 * time.Second,
			RetryAttempts:     2,
			RetryBackoff:      250 * time.Millisecond,
			MaxConcurrent:     8,
			RequestsPerSecond: 10,
			Burst:             10,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			HalfOpenProbes:    1,
		},
		Cache: CacheConfig{
			PoolTTL:           10 * time.Minute,
			PoolStaleTTL:      time.Hour,
			PoolMaxEntries:    200,
			SimilarTTL:        24 * time.Hour,
			SimilarStaleTTL:   7 * 24 * time.Hour,
			SimilarMaxEntries: 20000,
			DetailsTTL:        24 * time.Hour,
			DetailsStaleTTL:   7 * 24 * time.Hour,
			DetailsMaxEntries: 5000,
		},
		Pool: PoolConfig{
			MaxPages:           3,
			PerPage:            100,
			DistinctTaxaTarget: 40,
			DegradedTTL:        30 * time.Second,
		},
		Quiz: QuizConfig{
			QuizChoices: 4,
			LookAhead:   2,
			StepRanks:   []string{"order", "family", "genus"},
			StepOptions: 4,
		},
		Confusion: ConfusionConfig{
			MaxCandidates:   12,
			MinCandidates:   4,
			SimilarityBonus: 0.25,
			Concurrency:     4,
			RetryCooldown:   2 * time.Minute,
			BuildTimeout:    60 * time.Second,
		},
		Lures: LuresConfig{
			MinCloseness: 0,
			GroupPenalty: 0.5,
		},
		Selection: SelectionConfig{
			CooldownMode:       "count",
			CooldownTargets:    5,
			CooldownTTL:        2 * time.Minute,
			RecentObservations: 200,
			RecentTargets:      20,
			RecentLures:        30,
		},
		Rounds: RoundsConfig{
			TTL:             10 * time.Minute,
			MaxRounds:       50000,
			MaxDedupEntries: 100000,
			HardMaxGuesses:  3,
			MaxMistakes:     2,
			HintBudget:      1,
		},
		Balance: BalanceConfig{
			Capacity:         5000,
			ArchiveRetention: 30 * 24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "taxaquiz",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			SampleRate:     1.0,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML config file. Empty or missing uses defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is malformed or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv applies QUIZ_* overrides. Unparseable values are errors rather
// than silently ignored.
func loadEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}

	// Server
	integer("QUIZ_PORT", &cfg.Server.Port)
	boolean("QUIZ_PRODUCTION", &cfg.Server.Production)

	// Upstream
	str("QUIZ_UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	str("QUIZ_UPSTREAM_USER_AGENT", &cfg.Upstream.UserAgent)
	str("QUIZ_DEFAULT_LOCALE", &cfg.Upstream.DefaultLocale)
	duration("QUIZ_UPSTREAM_TIMEOUT", &cfg.Upstream.RequestTimeout)
	integer("QUIZ_UPSTREAM_RETRIES", &cfg.Upstream.RetryAttempts)
	float("QUIZ_UPSTREAM_RPS", &cfg.Upstream.RequestsPerSecond)

	// Quiz
	integer("QUIZ_QUIZ_CHOICES", &cfg.Quiz.QuizChoices)
	integer("QUIZ_LOOK_AHEAD", &cfg.Quiz.LookAhead)
	if v, ok := os.LookupEnv("QUIZ_STEP_RANKS"); ok {
		cfg.Quiz.StepRanks = splitList(v)
	}

	// Selection
	str("QUIZ_COOLDOWN_MODE", &cfg.Selection.CooldownMode)
	integer("QUIZ_COOLDOWN_TARGETS", &cfg.Selection.CooldownTargets)
	duration("QUIZ_COOLDOWN_TTL", &cfg.Selection.CooldownTTL)

	// Rounds
	duration("QUIZ_ROUND_TTL", &cfg.Rounds.TTL)
	str("QUIZ_ROUND_SECRET", &cfg.Rounds.Secret)

	// Balance
	str("QUIZ_BALANCE_ARCHIVE_PATH", &cfg.Balance.ArchivePath)

	// Logging
	str("QUIZ_LOG_LEVEL", &cfg.Logging.Level)
	boolean("QUIZ_LOG_JSON", &cfg.Logging.JSON)
	str("QUIZ_LOG_DIR", &cfg.Logging.Dir)

	// Telemetry
	str("QUIZ_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("QUIZ_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("QUIZ_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	float("QUIZ_TRACE_SAMPLE_RATE", &cfg.Telemetry.SampleRate)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Cache.PoolStaleTTL < 0 || c.Cache.SimilarStaleTTL < 0 || c.Cache.DetailsStaleTTL < 0 {
		return errors.New("stale ttls must be non-negative")
	}
	if c.Confusion.MinCandidates > c.Confusion.MaxCandidates {
		return fmt.Errorf("confusion.min_candidates (%d) exceeds max_candidates (%d)",
			c.Confusion.MinCandidates, c.Confusion.MaxCandidates)
	}
	if c.Server.Production && c.Rounds.Secret == "" {
		return errors.New("rounds.secret is required in production (set QUIZ_ROUND_SECRET)")
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required for the otlp exporter")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Rounds.Secret != "" {
		c.Rounds.Secret = "REDACTED"
	}
	c.Quiz.StepRanks = append([]string(nil), c.Quiz.StepRanks...)
	return c
}
