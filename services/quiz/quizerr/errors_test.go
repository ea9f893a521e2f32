// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quizerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("fetch page 3: %w", ErrCircuitOpen)

	assert.Equal(t, CodeCircuitOpen, CodeOf(err))
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, errors.Is(err, ErrUpstreamTimeout))
}

func TestCodeOf_Unclassified(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestIsUpstreamFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrCircuitOpen, true},
		{fmt.Errorf("x: %w", ErrUpstreamTimeout), true},
		{ErrUpstream, true},
		{ErrPoolUnavailable, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsUpstreamFailure(tt.err), "err=%v", tt.err)
	}
}

func TestPublic_SessionErrorsAreIndistinguishable(t *testing.T) {
	expired := Public(fmt.Errorf("round r1: %w", ErrRoundExpired))
	forged := Public(fmt.Errorf("round r1: %w", ErrInvalidRoundSignature))

	assert.Equal(t, expired, forged)
	assert.Equal(t, CodeSessionInvalid, expired.Code)
	assert.Equal(t, http.StatusUnauthorized, expired.Status)
}

func TestPublic_DropsWrappedContext(t *testing.T) {
	err := fmt.Errorf("GET https://api.example/v1/observations?secret=1: %w", ErrUpstream)

	pub := Public(err)

	assert.Equal(t, CodeUpstreamError, pub.Code)
	assert.Equal(t, ErrUpstream.Message, pub.Message)
	assert.NotContains(t, pub.Error(), "secret")
}

func TestPublic_Unclassified(t *testing.T) {
	assert.Same(t, ErrInternal, Public(errors.New("panic-ish")))
	assert.Nil(t, Public(nil))
}
