// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package question

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
)

// queue holds pre-generated round contents per pool key, client and mode.
type queue struct {
	mu      sync.Mutex
	entries map[string]*queueEntry
	closed  bool
	wg      sync.WaitGroup
}

type queueEntry struct {
	poolKey string
	items   []*prepared
	filling bool
}

func newQueue() *queue {
	return &queue{entries: make(map[string]*queueEntry)}
}

func queueKey(poolKey, clientID string, mode datatypes.GameMode) string {
	return poolKey + "|" + clientID + "|" + string(mode)
}

// pop returns the oldest item built for version whose taxa avoid exclude.
// Items for another version are dropped.
func (q *queue) pop(key string, version uint64, exclude []int64) *prepared {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return nil
	}
	for len(e.items) > 0 {
		item := e.items[0]
		e.items = e.items[1:]
		if item.version != version || item.touches(exclude) {
			continue
		}
		return item
	}
	return nil
}

// size returns the number of queued items built for version.
func (q *queue) size(key string, version uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return 0
	}
	n := 0
	for _, item := range e.items {
		if item.version == version {
			n++
		}
	}
	return n
}

func (q *queue) push(key string, item *prepared) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		e.items = append(e.items, item)
	}
}

// beginFill claims the refill of key. It returns false when a refill is
// already running or the queue is closed.
func (q *queue) beginFill(key, poolKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	e, ok := q.entries[key]
	if !ok {
		e = &queueEntry{poolKey: poolKey}
		q.entries[key] = e
	}
	if e.filling {
		return false
	}
	e.filling = true
	q.wg.Add(1)
	return true
}

func (q *queue) endFill(key string) {
	q.mu.Lock()
	if e, ok := q.entries[key]; ok {
		e.filling = false
	}
	q.mu.Unlock()
	q.wg.Done()
}

// prune drops idle entries whose pool key is not live.
func (q *queue) prune(live func(poolKey string) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for key, e := range q.entries {
		if e.filling || live(e.poolKey) {
			continue
		}
		delete(q.entries, key)
		removed++
	}
	return removed
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// touches reports whether the target or a lure is in ids.
func (p *prepared) touches(ids []int64) bool {
	for _, id := range ids {
		if p.target.Taxon.ID == id || slices.Contains(p.lureIDs, id) {
			return true
		}
	}
	return false
}

// refill tops up the queue for key in the background.
func (g *Generator) refill(key string, p *datatypes.Pool, req Request) {
	if !g.queue.beginFill(key, p.Key) {
		return
	}
	go func() {
		defer g.queue.endFill(key)
		for g.queue.size(key, p.Version) < g.config.LookAhead {
			if g.ctx.Err() != nil {
				return
			}
			item, err := g.generate(g.ctx, p, req)
			if err != nil {
				g.logger.Debug("look-ahead refill stopped",
					slog.String("pool_key", p.Key),
					slog.String("mode", string(req.Mode)),
					slog.String("error", err.Error()),
				)
				return
			}
			g.queue.push(key, item)
		}
	}()
}
