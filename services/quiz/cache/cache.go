// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the adaptive key-value cache and circuit breaker that
// shield the quiz engine from a slow or unreliable upstream source.
//
// # Description
//
// Cache is a bounded LRU with a freshness window (TTL) followed by a stale
// window (StaleTTL). GetOrFetch coalesces concurrent misses for the same key
// into one fetch and can serve stale values while a single background
// refresh runs.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a generic adaptive cache.
//
// Thread Safety: Safe for concurrent use.
type Cache[V any] struct {
	options Options
	logger  *slog.Logger

	mu           sync.Mutex
	entries      map[string]*entry[V]
	lru          *list.List
	revalidating map[string]struct{}
	closed       bool

	flight singleflight.Group

	// bgCtx scopes background revalidations; cancelled by Close.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	hits          atomic.Int64
	staleHits     atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	revalidations atomic.Int64
	fetchErrors   atomic.Int64
}

// New creates a Cache with the given options.
func New[V any](opts ...Option) *Cache[V] {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &Cache[V]{
		options:      options,
		logger:       logger.With(slog.String("component", "cache"), slog.String("cache", options.Name)),
		entries:      make(map[string]*entry[V]),
		lru:          list.New(),
		revalidating: make(map[string]struct{}),
		bgCtx:        bgCtx,
		bgCancel:     cancel,
	}
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.options.Name
}

// Get returns the value for key.
//
// Fresh entries are always returned. Stale entries are returned only when
// allowStale is set. Expired entries are removed and reported absent.
func (c *Cache[V]) Get(key string, allowStale bool) (V, bool) {
	var zero V
	now := c.options.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !e.usable(now) {
		c.removeLocked(e)
		return zero, false
	}
	if !e.fresh(now) && !allowStale {
		return zero, false
	}
	c.lru.MoveToFront(e.element)
	return e.value, true
}

// GetEntry returns the entry for key with its staleness flags. Unlike Get it
// never removes anything, so callers can inspect expired entries.
func (c *Cache[V]) GetEntry(key string) (Entry[V], bool) {
	now := c.options.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	_, revalidating := c.revalidating[key]
	return Entry[V]{
		Value:        e.value,
		CreatedAt:    e.createdAt,
		FreshUntil:   e.freshUntil,
		StaleUntil:   e.staleUntil,
		Stale:        !e.fresh(now),
		Expired:      !e.usable(now),
		Revalidating: revalidating,
	}, true
}

// Has reports whether key holds a usable (fresh or stale) entry.
func (c *Cache[V]) Has(key string) bool {
	now := c.options.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.usable(now)
}

// Set installs value under key.
//
// ttl overrides the default TTL when positive. The stale window always
// extends StaleTTL past the freshness deadline.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.options.TTL
	}
	now := c.options.Now()

	var freshUntil, staleUntil time.Time
	if ttl > 0 {
		freshUntil = now.Add(ttl)
		staleUntil = freshUntil
		if c.options.StaleTTL > 0 {
			staleUntil = freshUntil.Add(c.options.StaleTTL)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.freshUntil = freshUntil
		e.staleUntil = staleUntil
		c.lru.MoveToFront(e.element)
		return
	}

	e := &entry[V]{
		key:        key,
		value:      value,
		createdAt:  now,
		freshUntil: freshUntil,
		staleUntil: staleUntil,
	}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
	c.evictIfNeededLocked()
}

// Delete removes key. Returns true if an entry was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear removes all entries. In-flight revalidations may still install
// values when they finish.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.lru.Init()
}

// Prune drops every entry past its stale window and returns how many were
// removed.
func (c *Cache[V]) Prune() int {
	now := c.options.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		if !e.usable(now) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// pruned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Range calls fn for every usable entry, most recently used first, until fn
// returns false. fn runs on a snapshot without the lock held and must not
// mutate the value.
func (c *Cache[V]) Range(fn func(key string, value V, stale bool) bool) {
	now := c.options.Now()

	type item struct {
		key   string
		value V
		stale bool
	}

	c.mu.Lock()
	items := make([]item, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if !e.usable(now) {
			continue
		}
		items = append(items, item{key: e.key, value: e.value, stale: !e.fresh(now)})
	}
	c.mu.Unlock()

	for _, it := range items {
		if !fn(it.key, it.value, it.stale) {
			return
		}
	}
}

// GetOrFetch returns the cached value for key, fetching it when needed.
//
// Description:
//
//	Fresh entries are returned with StatusHit and no fetch. When AllowStale
//	is set, a stale-but-not-expired entry is returned with StatusStale; with
//	Background also set, exactly one revalidation is started for the key
//	unless one is already running. Revalidation failures go to OnError and
//	leave the stale value in place. Otherwise the value is fetched once;
//	concurrent callers for the same key share the in-flight result.
//
// Inputs:
//
//	ctx - Bounds this caller's wait. A cancelled caller does not cancel a
//	      fetch other callers are waiting on.
//	key - Cache key.
//	fetch - Loads the value on miss or revalidation.
//	opts - Stale handling.
//
// Outputs:
//
//	V - The value.
//	Status - How the lookup was satisfied.
//	error - Fetch error or ctx error. Nothing is cached on error.
//
// Thread Safety: Safe for concurrent use.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V], opts FetchOptions) (V, Status, error) {
	var zero V
	now := c.options.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		switch {
		case e.fresh(now):
			c.lru.MoveToFront(e.element)
			value := e.value
			c.mu.Unlock()
			c.hits.Add(1)
			recordHit(ctx, c.options.Name)
			return value, StatusHit, nil

		case opts.AllowStale && e.usable(now):
			c.lru.MoveToFront(e.element)
			value := e.value
			start := false
			if opts.Background && !c.closed {
				if _, running := c.revalidating[key]; !running {
					c.revalidating[key] = struct{}{}
					c.bgWG.Add(1)
					start = true
				}
			}
			c.mu.Unlock()
			c.staleHits.Add(1)
			recordStaleHit(ctx, c.options.Name)
			if start {
				go c.revalidate(key, fetch)
			}
			return value, StatusStale, nil

		case !e.usable(now):
			c.removeLocked(e)
		}
	}
	c.mu.Unlock()

	c.misses.Add(1)
	recordMiss(ctx, c.options.Name)

	ch := c.flight.DoChan(key, func() (any, error) {
		value, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			c.fetchErrors.Add(1)
			return nil, err
		}
		c.Set(key, value, 0)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, StatusMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, StatusMiss, res.Err
		}
		value, _ := res.Val.(V)
		return value, StatusMiss, nil
	}
}

// revalidate refreshes key in the background. The caller has already
// registered key in c.revalidating and incremented bgWG.
func (c *Cache[V]) revalidate(key string, fetch FetchFunc[V]) {
	defer c.bgWG.Done()
	defer func() {
		c.mu.Lock()
		delete(c.revalidating, key)
		c.mu.Unlock()
	}()

	c.revalidations.Add(1)
	recordRevalidation(c.bgCtx, c.options.Name)

	_, err, _ := c.flight.Do(key, func() (any, error) {
		value, err := fetch(c.bgCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, 0)
		return value, nil
	})
	if err != nil {
		c.fetchErrors.Add(1)
		c.logger.Debug("background revalidation failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		if c.options.OnError != nil {
			c.options.OnError(key, err)
		}
	}
}

// Close cancels running revalidations and waits for them to exit. No new
// revalidations start afterwards; the cache stays readable.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.bgCancel()
	c.bgWG.Wait()
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Name:          c.options.Name,
		Entries:       c.Len(),
		Hits:          c.hits.Load(),
		StaleHits:     c.staleHits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Revalidations: c.revalidations.Load(),
		FetchErrors:   c.fetchErrors.Load(),
	}
}

// removeLocked drops e. Must be called with c.mu held.
func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}

// evictIfNeededLocked evicts least recently used entries until the cache is
// within MaxEntries. Must be called with c.mu held.
func (c *Cache[V]) evictIfNeededLocked() {
	if c.options.MaxEntries <= 0 {
		return
	}
	for c.lru.Len() > c.options.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry[V]))
		c.evictions.Add(1)
		recordEviction(c.bgCtx, c.options.Name)
	}
}
