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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.HTTPClient = srv.Client()
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 5 * time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.RequestsPerSecond = 0
	cfg.Breaker = cache.BreakerConfig{Name: "test", FailureThreshold: 2, Cooldown: time.Hour}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestFetchJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))

	var out struct{ OK bool }
	err := c.FetchJSON(context.Background(), "/ping", nil, &out)

	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, cache.CircuitClosed, c.Breaker().State())
}

func TestFetchJSON_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}), func(cfg *ClientConfig) {
		cfg.MaxRetryBackoff = 20 * time.Millisecond
	})

	start := time.Now()
	var out map[string]any
	require.NoError(t, c.FetchJSON(context.Background(), "/ping", nil, &out))

	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "Retry-After is honoured up to MaxRetryBackoff")
}

func TestFetchJSON_ClientErrorsAreNotRetriedOrCounted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 3; i++ {
		var out map[string]any
		err := c.FetchJSON(context.Background(), "/taxa/1", nil, &out)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, cache.CircuitClosed, c.Breaker().State())
}

func TestFetchJSON_OpenCircuitFailsFast(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		var out map[string]any
		err := c.FetchJSON(context.Background(), "/observations", nil, &out)
		require.Error(t, err)
		assert.Equal(t, quizerr.CodeUpstreamError, quizerr.CodeOf(err))
	}
	before := calls.Load()

	var out map[string]any
	err := c.FetchJSON(context.Background(), "/observations", nil, &out)

	assert.ErrorIs(t, err, quizerr.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "no network I/O while open")
}

func TestFetchJSON_Timeout(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}), func(cfg *ClientConfig) {
		cfg.RequestTimeout = 20 * time.Millisecond
		cfg.RetryAttempts = 1
	})
	defer close(block)

	var out map[string]any
	err := c.FetchJSON(context.Background(), "/observations", nil, &out)

	assert.ErrorIs(t, err, quizerr.ErrUpstreamTimeout)
	assert.Equal(t, quizerr.CodeUpstreamTimeout, quizerr.CodeOf(err))
}

func TestFetchJSON_MalformedBodyNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{not json`)
	}))

	var out map[string]any
	err := c.FetchJSON(context.Background(), "/observations", nil, &out)

	assert.ErrorIs(t, err, quizerr.ErrUpstream)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchJSON_ConcurrencyGate(t *testing.T) {
	var inFlight, peak atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, `{}`)
	}), func(cfg *ClientConfig) {
		cfg.MaxConcurrent = 2
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]any
			assert.NoError(t, c.FetchJSON(context.Background(), "/ping", nil, &out))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), "input %q", tt.in)
	}
}

func TestEndpointName(t *testing.T) {
	assert.Equal(t, "observations", endpointName("/observations"))
	assert.Equal(t, "taxa", endpointName("/taxa/12345"))
	assert.Equal(t, "identifications_similar_species", endpointName("/identifications/similar_species"))
	assert.Equal(t, "root", endpointName("/"))
}

func TestCalculateBackoff_Capped(t *testing.T) {
	c := &Client{config: ClientConfig{RetryBackoff: 100 * time.Millisecond, MaxRetryBackoff: 300 * time.Millisecond, RetryJitter: 0.25}}
	for attempt := 1; attempt <= 6; attempt++ {
		d := c.calculateBackoff(attempt)
		assert.LessOrEqual(t, d, 375*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveUpstream(endpoint, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, endpoint+":"+outcome)
}

func TestFetchJSON_ReportsOutcome(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}), func(cfg *ClientConfig) {
		cfg.Observer = obs
	})

	var out map[string]any
	require.NoError(t, c.FetchJSON(context.Background(), "/taxa/5", nil, &out))

	assert.Equal(t, []string{"taxa:ok"}, obs.outcomes)
}

func TestIsRetryable(t *testing.T) {
	ctx := context.Background()
	assert.True(t, isRetryable(ctx, &StatusError{StatusCode: 500}))
	assert.True(t, isRetryable(ctx, &StatusError{StatusCode: 429}))
	assert.False(t, isRetryable(ctx, &StatusError{StatusCode: 404}))
	assert.True(t, isRetryable(ctx, quizerr.ErrUpstreamTimeout))
	assert.False(t, isRetryable(ctx, context.Canceled))
	assert.False(t, isRetryable(ctx, fmt.Errorf("%w: %w", errDecode, quizerr.ErrUpstream)))
	assert.False(t, isRetryable(ctx, errors.New("plain")))
}
