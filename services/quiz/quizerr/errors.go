// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quizerr defines the error kinds shared by the quiz round engine.
//
// # Description
//
// Every failure that can reach an HTTP caller is expressed as a sentinel
// *Error with a stable machine-readable Code. Components wrap sentinels with
// fmt.Errorf("...: %w", quizerr.ErrX) so that context is preserved while
// errors.Is and CodeOf keep working across package boundaries.
//
// # Disclosure
//
// Public converts any error to the code/message pair that may be shown to a
// client. Session failures (expired round, bad signature) collapse into a
// single SESSION_INVALID code so a client cannot learn which check failed.
package quizerr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeUpstreamTimeout       Code = "UPSTREAM_TIMEOUT"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeUpstreamError         Code = "UPSTREAM_ERROR"
	CodePoolUnavailable       Code = "POOL_UNAVAILABLE"
	CodeLureShortfall         Code = "LURE_SHORTFALL"
	CodeRoundExpired          Code = "ROUND_EXPIRED"
	CodeInvalidRoundSignature Code = "INVALID_ROUND_SIGNATURE"
	CodeStepOutOfSync         Code = "STEP_OUT_OF_SYNC"
	CodeHintLimitReached      Code = "HINT_LIMIT_REACHED"
	CodeModeArchived          Code = "MODE_ARCHIVED"
	CodeTaxonNotFound         Code = "TAXON_NOT_FOUND"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeInternal              Code = "INTERNAL"

	// CodeSessionInvalid is the public code for both ROUND_EXPIRED and
	// INVALID_ROUND_SIGNATURE.
	CodeSessionInvalid Code = "SESSION_INVALID"
)

// Error is a classified quiz error.
//
// Sentinel values are compared by identity through errors.Is; the Code is
// what leaves the process.
type Error struct {
	Code    Code
	Message string
	Status  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Sentinel errors, one per error kind.
var (
	ErrUpstreamTimeout = &Error{Code: CodeUpstreamTimeout, Message: "upstream request timed out", Status: http.StatusGatewayTimeout}
	ErrCircuitOpen     = &Error{Code: CodeCircuitOpen, Message: "upstream circuit breaker is open", Status: http.StatusServiceUnavailable}
	ErrUpstream        = &Error{Code: CodeUpstreamError, Message: "upstream request failed", Status: http.StatusBadGateway}

	ErrPoolUnavailable = &Error{Code: CodePoolUnavailable, Message: "not enough distinct species available", Status: http.StatusServiceUnavailable}
	ErrLureShortfall   = &Error{Code: CodeLureShortfall, Message: "not enough answer choices could be built", Status: http.StatusServiceUnavailable}

	ErrRoundExpired          = &Error{Code: CodeRoundExpired, Message: "round expired or unknown", Status: http.StatusGone}
	ErrInvalidRoundSignature = &Error{Code: CodeInvalidRoundSignature, Message: "round signature mismatch", Status: http.StatusForbidden}
	ErrStepOutOfSync         = &Error{Code: CodeStepOutOfSync, Message: "step index does not match the current step", Status: http.StatusConflict}
	ErrHintLimitReached      = &Error{Code: CodeHintLimitReached, Message: "hint budget exhausted", Status: http.StatusConflict}
	ErrModeArchived          = &Error{Code: CodeModeArchived, Message: "game mode is archived or unsupported", Status: http.StatusBadRequest}
	ErrTaxonNotFound         = &Error{Code: CodeTaxonNotFound, Message: "taxon not found", Status: http.StatusNotFound}

	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request", Status: http.StatusBadRequest}
	ErrInternal       = &Error{Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError}
)

// errSessionInvalid is what clients see for expired rounds and bad signatures.
var errSessionInvalid = &Error{Code: CodeSessionInvalid, Message: "round session is invalid", Status: http.StatusUnauthorized}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

// IsUpstreamFailure reports whether err means the upstream source could not
// be used (breaker open, timeout, or exhausted retries).
func IsUpstreamFailure(err error) bool {
	switch CodeOf(err) {
	case CodeCircuitOpen, CodeUpstreamTimeout, CodeUpstreamError:
		return true
	}
	return false
}

// IsSessionError reports whether err is a round session rejection.
func IsSessionError(err error) bool {
	code := CodeOf(err)
	return code == CodeRoundExpired || code == CodeInvalidRoundSignature
}

// Public returns the client-facing classification of err.
//
// # Description
//
// Only the sentinel's Code, Message and Status are exposed; wrapped context
// (URLs, upstream bodies, stack details) is dropped. Unclassified errors map
// to ErrInternal.
//
// # Outputs
//
//   - *Error: Safe to serialize to a client.
func Public(err error) *Error {
	if err == nil {
		return nil
	}
	if IsSessionError(err) {
		return errSessionInvalid
	}
	var qe *Error
	if errors.As(err, &qe) {
		return &Error{Code: qe.Code, Message: qe.Message, Status: qe.Status}
	}
	return ErrInternal
}
