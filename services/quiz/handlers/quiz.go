// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/middleware"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/pool"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/question"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
)

// Diagnostic response headers.
const (
	HeaderCacheStatus      = "X-Cache-Status"
	HeaderPoolTaxa         = "X-Pool-Taxa"
	HeaderPoolObservations = "X-Pool-Observations"
	HeaderPoolSource       = "X-Pool-Source"
	HeaderQueue            = "X-Question-Queue"
	HeaderServerTiming     = "Server-Timing"

	maxListIDs = 200
)

// questionParams are the query parameters of GET /v1/quiz-question.
type questionParams struct {
	TaxonIDs string `form:"taxon_ids"`
	PlaceID  int64  `form:"place_id" binding:"gte=0"`
	Locale   string `form:"locale" binding:"omitempty,max=16"`
	Month    int    `form:"month" binding:"gte=0,lte=12"`
	Day      int    `form:"day" binding:"gte=0,lte=31"`
	Mode     string `form:"mode" binding:"omitempty,oneof=easy hard taxonomic riddle sound"`
	Seed     string `form:"seed" binding:"omitempty,max=64"`
	Exclude  string `form:"exclude"`
}

func (p questionParams) request(clientID string) (question.Request, error) {
	taxa, err := parseIDs(p.TaxonIDs)
	if err != nil {
		return question.Request{}, fmt.Errorf("taxon_ids: %w", err)
	}
	exclude, err := parseIDs(p.Exclude)
	if err != nil {
		return question.Request{}, fmt.Errorf("exclude: %w", err)
	}
	return question.Request{
		Query: pool.Query{
			TaxonIDs: taxa,
			PlaceID:  p.PlaceID,
			Locale:   p.Locale,
			Filters:  pool.Filters{Month: p.Month, Day: p.Day},
			Seed:     p.Seed,
		},
		ClientID: clientID,
		Mode:     datatypes.GameMode(p.Mode),
		Exclude:  exclude,
	}, nil
}

// parseIDs parses a comma-separated list of positive ids.
func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxListIDs {
		return nil, fmt.Errorf("at most %d ids", maxListIDs)
	}
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// HandleQuizQuestion serves GET /v1/quiz-question.
//
// # Description
//
// Builds the next question for the calling client and relays the payload
// with diagnostic headers describing the pool and a Server-Timing
// breakdown.
//
// # Inputs
//
//   - q: Question generator.
//
// # Outputs
//
//   - gin.HandlerFunc: 200 with question.Question, or an error envelope.
func HandleQuizQuestion(q Questioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params questionParams
		if err := c.ShouldBindQuery(&params); err != nil {
			respondError(c, invalid(err))
			return
		}
		req, err := params.request(middleware.GetClientID(c))
		if err != nil {
			respondError(c, invalid(err))
			return
		}

		next, diag, err := q.Next(c.Request.Context(), req)
		writeDiagnostics(c, diag)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, next)
	}
}

func writeDiagnostics(c *gin.Context, d question.Diagnostics) {
	if d.CacheStatus != "" {
		c.Header(HeaderCacheStatus, string(d.CacheStatus))
	}
	if d.PoolTaxa > 0 {
		c.Header(HeaderPoolTaxa, strconv.Itoa(d.PoolTaxa))
		c.Header(HeaderPoolObservations, strconv.Itoa(d.PoolObservations))
	}
	if d.PoolSource != "" {
		c.Header(HeaderPoolSource, string(d.PoolSource))
	}
	if d.FromQueue {
		c.Header(HeaderQueue, "hit")
	}
	c.Header(HeaderServerTiming, serverTiming(d))
}

// serverTiming formats the stage durations as a Server-Timing value.
func serverTiming(d question.Diagnostics) string {
	stages := []struct {
		name string
		dur  time.Duration
	}{
		{"pool", d.PoolDuration},
		{"select", d.SelectDuration},
		{"round", d.RoundDuration},
	}
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		ms := float64(s.dur.Microseconds()) / 1000
		parts = append(parts, s.name+";dur="+strconv.FormatFloat(ms, 'f', 1, 64))
	}
	return strings.Join(parts, ", ")
}

// submitRequest is the body of POST /v1/quiz/submit.
type submitRequest struct {
	RoundID      string `json:"round_id" binding:"required,max=64"`
	Signature    string `json:"round_signature" binding:"required,max=128"`
	ExpiresAt    int64  `json:"round_expires_at" binding:"required,gt=0"`
	SubmissionID string `json:"submission_id" binding:"omitempty,max=128"`
	TaxonID      int64  `json:"taxon_id" binding:"gte=0"`
	StepIndex    int    `json:"step_index" binding:"gte=0"`
	Hint         bool   `json:"hint"`
}

// HandleSubmit serves POST /v1/quiz/submit.
//
// The response is the minimal-disclosure rounds.Result. Session errors are
// reported as SESSION_INVALID without saying whether the round expired or
// the signature did not match.
func HandleSubmit(s Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body submitRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, invalid(err))
			return
		}

		res, err := s.Submit(c.Request.Context(), rounds.Submission{
			RoundID:      body.RoundID,
			Signature:    body.Signature,
			ExpiresAt:    body.ExpiresAt,
			ClientID:     middleware.GetClientID(c),
			SubmissionID: body.SubmissionID,
			TaxonID:      body.TaxonID,
			StepIndex:    body.StepIndex,
			Hint:         body.Hint,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, res)
	}
}

// HandleTaxon serves GET /v1/taxa/:id?locale=xx.
func HandleTaxon(l TaxonLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			respondError(c, invalid(fmt.Errorf("invalid taxon id %q", c.Param("id"))))
			return
		}
		locale := c.Query("locale")
		if len(locale) > 16 {
			respondError(c, invalid(fmt.Errorf("locale too long")))
			return
		}

		details, err := l.TaxonDetails(c.Request.Context(), id, locale)
		if err != nil {
			respondError(c, err)
			return
		}
		if details == nil {
			respondError(c, quizerr.ErrTaxonNotFound)
			return
		}
		c.Header("Cache-Control", "public, max-age=3600")
		c.JSON(http.StatusOK, details)
	}
}

// HandleBalance serves GET /v1/balance.
func HandleBalance(b BalanceReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Summary())
	}
}

// HandleHealth serves GET /health. Unhealthy reports return 503.
func HandleHealth(h HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, details := h.Health()
		body := gin.H{"status": "healthy"}
		status := http.StatusOK
		if !healthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		for k, v := range details {
			body[k] = v
		}
		c.JSON(status, body)
	}
}
