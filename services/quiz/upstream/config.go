// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
)

// ClientConfig configures the upstream client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. https://api.inaturalist.org/v1.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// DefaultLocale is used to fill gaps in localized detail records.
	// Default: "en"
	DefaultLocale string

	// RequestTimeout bounds a single attempt.
	// Default: 8s
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	// Default: 2
	RetryAttempts int

	// RetryBackoff is the initial backoff duration between retries.
	// Default: 250ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff and any Retry-After hint.
	// Default: 5s
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25 (±25%)
	RetryJitter float64

	// MaxConcurrent is the process-wide cap on in-flight requests.
	// Default: 8
	MaxConcurrent int64

	// RequestsPerSecond limits the request rate. Zero disables the limiter.
	// Default: 10
	RequestsPerSecond float64

	// Burst is the limiter burst size.
	// Default: 10
	Burst int

	// MaxBodyBytes caps decoded response bodies.
	// Default: 16 MiB
	MaxBodyBytes int64

	// Breaker configures the circuit breaker shared by all calls.
	Breaker cache.BreakerConfig

	// HTTPClient overrides the transport. Used by tests.
	HTTPClient HTTPClient

	// Observer receives per-request outcomes. May be nil.
	Observer Observer

	// Logger for client operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults for production use.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           "https://api.inaturalist.org/v1",
		UserAgent:         "taxaquiz/1.0",
		DefaultLocale:     "en",
		RequestTimeout:    8 * time.Second,
		RetryAttempts:     2,
		RetryBackoff:      250 * time.Millisecond,
		MaxRetryBackoff:   5 * time.Second,
		RetryJitter:       0.25,
		MaxConcurrent:     8,
		RequestsPerSecond: 10,
		Burst:             10,
		MaxBodyBytes:      16 << 20,
		Breaker:           cache.DefaultBreakerConfig(),
		Logger:            slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("max_concurrent must be at least 1")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must be non-negative")
	}
	return nil
}

// applyDefaults fills in zero values with defaults.
func (c *ClientConfig) applyDefaults() {
	defaults := DefaultClientConfig()
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = defaults.DefaultLocale
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.Burst == 0 {
		c.Burst = defaults.Burst
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}
