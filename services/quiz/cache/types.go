// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"context"
	"log/slog"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxEntries is the default maximum number of cached values.
	DefaultMaxEntries = 256

	// DefaultTTL is how long a value is served as fresh.
	DefaultTTL = 10 * time.Minute

	// DefaultStaleTTL is how long past DefaultTTL a value may still be served
	// as stale while it is revalidated.
	DefaultStaleTTL = 30 * time.Minute
)

// Status describes how GetOrFetch satisfied a lookup.
type Status string

const (
	// StatusHit means a fresh entry was returned without fetching.
	StatusHit Status = "hit"

	// StatusStale means a stale entry was returned; a refresh may be running.
	StatusStale Status = "stale"

	// StatusMiss means the value was fetched (or joined an in-flight fetch).
	StatusMiss Status = "miss"
)

// FetchFunc loads the value for a key from the backing source.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// FetchOptions controls GetOrFetch behavior.
type FetchOptions struct {
	// AllowStale lets a stale-but-not-expired entry satisfy the lookup.
	AllowStale bool

	// Background starts one asynchronous revalidation when a stale entry is
	// served. Ignored unless AllowStale is set.
	Background bool
}

// Entry is a read-only view of a cached value.
type Entry[V any] struct {
	Value      V
	CreatedAt  time.Time
	FreshUntil time.Time
	StaleUntil time.Time

	// Stale is true once FreshUntil has passed.
	Stale bool

	// Expired is true once StaleUntil has passed. Expired entries are
	// logically absent and are dropped by the next Get or Prune.
	Expired bool

	// Revalidating is true while a background refresh runs for the key.
	Revalidating bool
}

// entry is the internal representation. Zero freshUntil/staleUntil mean
// "never".
type entry[V any] struct {
	key        string
	value      V
	createdAt  time.Time
	freshUntil time.Time
	staleUntil time.Time
	element    *list.Element
}

func (e *entry[V]) fresh(now time.Time) bool {
	return e.freshUntil.IsZero() || now.Before(e.freshUntil)
}

func (e *entry[V]) usable(now time.Time) bool {
	return e.staleUntil.IsZero() || now.Before(e.staleUntil)
}

// Options configures a Cache.
type Options struct {
	// Name labels metrics and log records.
	Name string

	// MaxEntries bounds the entry count. Zero or negative means unbounded.
	MaxEntries int

	// TTL is the default freshness window. Zero or negative means values
	// never go stale.
	TTL time.Duration

	// StaleTTL extends each entry past TTL during which it may be served
	// stale.
	StaleTTL time.Duration

	// OnError receives background revalidation failures.
	OnError func(key string, err error)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Options)

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Name:       "default",
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
		StaleTTL:   DefaultStaleTTL,
		Now:        time.Now,
	}
}

// WithName sets the cache name used in metrics.
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithMaxEntries sets the maximum number of entries.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		o.MaxEntries = n
	}
}

// WithTTL sets the default freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = ttl
	}
}

// WithStaleTTL sets the stale-serving window that follows TTL.
func WithStaleTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.StaleTTL = ttl
	}
}

// WithOnError sets the background error callback.
func WithOnError(fn func(key string, err error)) Option {
	return func(o *Options) {
		o.OnError = fn
	}
}

// WithClock overrides the clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Stats contains cache statistics.
type Stats struct {
	Name          string `json:"name"`
	Entries       int    `json:"entries"`
	Hits          int64  `json:"hits"`
	StaleHits     int64  `json:"stale_hits"`
	Misses        int64  `json:"misses"`
	Evictions     int64  `json:"evictions"`
	Revalidations int64  `json:"revalidations"`
	FetchErrors   int64  `json:"fetch_errors"`
}
