// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the quiz HTTP endpoints on gin.
//
// Handlers relay the core's payloads verbatim and translate errors through
// quizerr.Public, so no internal detail (upstream URLs, signatures, the
// correct answer) ever reaches a client.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TaxaQuiz/pkg/logging"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/balance"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/question"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
)

// Questioner produces the next question for a client.
type Questioner interface {
	Next(ctx context.Context, req question.Request) (*question.Question, question.Diagnostics, error)
}

// Submitter validates and applies a round submission.
type Submitter interface {
	Submit(ctx context.Context, sub rounds.Submission) (rounds.Result, error)
}

// TaxonLookup returns cached species details.
type TaxonLookup interface {
	TaxonDetails(ctx context.Context, taxonID int64, locale string) (*datatypes.TaxonDetails, error)
}

// BalanceReporter summarizes recent round outcomes.
type BalanceReporter interface {
	Summary() balance.Summary
}

// HealthReporter reports service health. Details are relayed as JSON.
type HealthReporter interface {
	Health() (healthy bool, details map[string]any)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    quizerr.Code `json:"code"`
	Message string       `json:"message"`
}

// respondError writes the public form of err and logs the full error.
//
// Client-side errors are logged at Warn, everything else at Error.
func respondError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	pe := quizerr.Public(err)

	level := slog.LevelError
	if pe.Status < http.StatusInternalServerError || errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	logging.FromContext(ctx).Log(ctx, level, "request failed",
		slog.String("code", string(pe.Code)),
		slog.String("error", err.Error()),
	)

	if errors.Is(err, quizerr.ErrCircuitOpen) {
		c.Header("Retry-After", "30")
	}
	c.AbortWithStatusJSON(pe.Status, errorBody{
		Error:     errorDetail{Code: pe.Code, Message: pe.Message},
		RequestID: logging.RequestID(ctx),
	})
}

// invalid wraps a binding or parse failure as INVALID_REQUEST.
func invalid(err error) error {
	return fmt.Errorf("%w: %v", quizerr.ErrInvalidRequest, err)
}
