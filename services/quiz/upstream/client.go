// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream is the resilient client for the biodiversity observation
// API that feeds quiz pools.
//
// Every call passes a circuit breaker, a request-rate limiter and a
// process-wide concurrency gate, and each attempt carries its own timeout.
// 5xx and 429 responses are retried with exponential backoff and jitter,
// honouring Retry-After.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

var tracer = otel.Tracer("taxaquiz.upstream")

// HTTPClient is the transport used for upstream requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives the outcome of each upstream call.
type Observer interface {
	ObserveUpstream(endpoint, outcome string, duration time.Duration)
}

// errDecode marks a malformed response body.
var errDecode = errors.New("decode response")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Unwrap classifies every status error as an upstream failure.
func (e *StatusError) Unwrap() error {
	return quizerr.ErrUpstream
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// clientSide reports a request the upstream rejected as malformed or
// unknown. These say nothing about upstream health.
func (e *StatusError) clientSide() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client is the resilient upstream client.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type Client struct {
	config  ClientConfig
	http    HTTPClient
	breaker *cache.CircuitBreaker
	gate    *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
	base    *url.URL
}

// NewClient creates an upstream client.
//
// Inputs:
//
//	config - Client configuration. Zero fields take defaults.
//
// Outputs:
//
//	*Client - Ready-to-use client.
//	error - Non-nil if the configuration is invalid.
func NewClient(config ClientConfig) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTP2Client()
		if err != nil {
			return nil, err
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}

	return &Client{
		config:  config,
		http:    httpClient,
		breaker: cache.NewCircuitBreaker(config.Breaker),
		gate:    semaphore.NewWeighted(config.MaxConcurrent),
		limiter: limiter,
		logger:  config.Logger.With(slog.String("component", "upstream_client")),
		base:    base,
	}, nil
}

// newHTTP2Client returns a pooled client whose transport negotiates HTTP/2
// over TLS.
func newHTTP2Client() (*http.Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	return &http.Client{Transport: transport}, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *cache.CircuitBreaker {
	return c.breaker
}

// DefaultLocale returns the locale used to fill localized gaps.
func (c *Client) DefaultLocale() string {
	return c.config.DefaultLocale
}

// FetchJSON GETs path with params and decodes the JSON body into out.
//
// Description:
//
//	The call is admitted by the circuit breaker, then retried up to
//	RetryAttempts times on timeouts, transport errors, 429 and 5xx. 4xx
//	responses are returned without retry and do not count against the
//	breaker.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	path - Path below BaseURL, e.g. "/observations".
//	params - Query parameters. May be nil.
//	out - Destination for the decoded body.
//
// Outputs:
//
//	error - Wraps quizerr.ErrCircuitOpen, ErrUpstreamTimeout, ErrUpstream or
//	        ErrTaxonNotFound.
//
// Thread Safety: Safe for concurrent use.
func (c *Client) FetchJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := endpointName(path)
	ctx, span := tracer.Start(ctx, "upstream.FetchJSON",
		trace.WithAttributes(
			attribute.String("upstream.endpoint", endpoint),
			attribute.String("breaker.state", c.breaker.State().String()),
		),
	)
	defer span.End()

	start := time.Now()
	var clientErr error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := c.fetchWithRetry(ctx, span, path, params, out)
		var se *StatusError
		if errors.As(err, &se) && se.clientSide() {
			clientErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = clientErr
	}

	c.observe(endpoint, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(quizerr.CodeOf(err)))
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// fetchWithRetry runs the retry loop.
func (c *Client) fetchWithRetry(ctx context.Context, span trace.Span, path string, params url.Values, out any) error {
	target := c.base.String() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > 0 {
				backoff = min(se.RetryAfter, c.config.MaxRetryBackoff)
			}
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.attempt(ctx, target, out)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(ctx, lastErr) {
			break
		}
		c.logger.Debug("upstream attempt failed",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	}
	return fmt.Errorf("GET %s: %w", path, lastErr)
}

// attempt performs one request.
func (c *Client) attempt(ctx context.Context, target string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w: %w", quizerr.ErrInternal, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return quizerr.ErrUpstreamTimeout
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", quizerr.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, c.config.MaxBodyBytes)).Decode(out); err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return quizerr.ErrUpstreamTimeout
		}
		return fmt.Errorf("%w: %w: %w", errDecode, quizerr.ErrUpstream, err)
	}
	return nil
}

// calculateBackoff returns backoff with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-1))

	if backoff > c.config.MaxRetryBackoff {
		backoff = c.config.MaxRetryBackoff
	}

	// Add jitter: ±jitter%
	jitterRange := float64(backoff) * c.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = c.config.RetryBackoff
	}
	return backoff
}

func (c *Client) observe(endpoint string, err error, d time.Duration) {
	if c.config.Observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(quizerr.CodeOf(err)))
	}
	c.config.Observer.ObserveUpstream(endpoint, outcome, d)
}

// isRetryable determines if an attempt error is worth retrying.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errDecode) {
		return false
	}
	if errors.Is(err, quizerr.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Transport failures without a net error (e.g. reset streams).
	return errors.Is(err, quizerr.ErrUpstream)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// endpointName reduces a path to a low-cardinality metric label.
func endpointName(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 0 || parts[0] == "":
		return "root"
	case len(parts) > 1 && parts[0] == "identifications":
		return parts[0] + "_" + parts[1]
	default:
		return parts[0]
	}
}
