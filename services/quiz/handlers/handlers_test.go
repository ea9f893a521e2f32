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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/balance"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/cache"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/middleware"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/question"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeQuestioner struct {
	got  question.Request
	q    *question.Question
	diag question.Diagnostics
	err  error
}

func (f *fakeQuestioner) Next(_ context.Context, req question.Request) (*question.Question, question.Diagnostics, error) {
	f.got = req
	return f.q, f.diag, f.err
}

type fakeSubmitter struct {
	got rounds.Submission
	res rounds.Result
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub rounds.Submission) (rounds.Result, error) {
	f.got = sub
	return f.res, f.err
}

type fakeTaxa struct {
	details *datatypes.TaxonDetails
	err     error
	locale  string
}

func (f *fakeTaxa) TaxonDetails(_ context.Context, id int64, locale string) (*datatypes.TaxonDetails, error) {
	f.locale = locale
	if f.details != nil && f.details.ID != id {
		return nil, quizerr.ErrTaxonNotFound
	}
	return f.details, f.err
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) Health() (bool, map[string]any) {
	return f.healthy, map[string]any{"upstream_breaker": "closed"}
}

type fakeBalance struct{}

func (fakeBalance) Summary() balance.Summary {
	return balance.Summary{Buffered: 2, TotalEvents: 2}
}

func serve(t *testing.T, method, path string, body string, register func(r *gin.Engine)) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetClientID(c, "alice")
		c.Next()
	})
	register(r)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// =============================================================================
// Quiz Question Tests
// =============================================================================

func TestHandleQuizQuestion_RelaysPayloadAndDiagnostics(t *testing.T) {
	q := &fakeQuestioner{
		q: &question.Question{
			Handle:       rounds.Handle{RoundID: "r1", Signature: "sig", ExpiresAt: 1700000000000},
			Mode:         datatypes.ModeEasy,
			CorrectIndex: 2,
			Choices:      []question.Choice{{TaxonID: 1, Label: "a"}, {TaxonID: 2, Label: "b"}},
		},
		diag: question.Diagnostics{
			CacheStatus:      cache.StatusHit,
			PoolTaxa:         6,
			PoolObservations: 18,
			PoolSource:       datatypes.SourceLive,
			FromQueue:        true,
			PoolDuration:     1500 * time.Microsecond,
		},
	}

	w := serve(t, http.MethodGet,
		"/q?taxon_ids=3,%2040151&place_id=6&locale=fr&month=5&mode=hard&seed=daily&exclude=10001",
		"", func(r *gin.Engine) { r.GET("/q", HandleQuizQuestion(q)) })

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []int64{3, 40151}, q.got.Query.TaxonIDs)
	assert.Equal(t, int64(6), q.got.Query.PlaceID)
	assert.Equal(t, "fr", q.got.Query.Locale)
	assert.Equal(t, 5, q.got.Query.Filters.Month)
	assert.Equal(t, "daily", q.got.Query.Seed)
	assert.Equal(t, datatypes.ModeHard, q.got.Mode)
	assert.Equal(t, []int64{10001}, q.got.Exclude)
	assert.Equal(t, "alice", q.got.ClientID)

	assert.Equal(t, "hit", w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, "6", w.Header().Get(HeaderPoolTaxa))
	assert.Equal(t, "18", w.Header().Get(HeaderPoolObservations))
	assert.Equal(t, "live", w.Header().Get(HeaderPoolSource))
	assert.Equal(t, "hit", w.Header().Get(HeaderQueue))
	assert.Equal(t, "pool;dur=1.5, select;dur=0.0, round;dur=0.0", w.Header().Get(HeaderServerTiming))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "r1", payload["round_id"])
	assert.Equal(t, "sig", payload["round_signature"])
	assert.NotContains(t, payload, "CorrectIndex")
	assert.NotContains(t, w.Body.String(), "correct")
}

func TestHandleQuizQuestion_BadParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"non numeric taxon", "taxon_ids=abc"},
		{"negative taxon", "taxon_ids=-4"},
		{"month out of range", "month=13"},
		{"unknown mode", "mode=blitz"},
		{"bad exclude", "exclude=1,x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuestioner{}
			w := serve(t, http.MethodGet, "/q?"+tt.query, "",
				func(r *gin.Engine) { r.GET("/q", HandleQuizQuestion(q)) })

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, quizerr.CodeInvalidRequest, decodeError(t, w).Error.Code)
		})
	}
}

func TestHandleQuizQuestion_ErrorsArePublic(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   quizerr.Code
	}{
		{fmt.Errorf("%w: only 2 taxa", quizerr.ErrPoolUnavailable), http.StatusServiceUnavailable, quizerr.CodePoolUnavailable},
		{fmt.Errorf("%w: riddle", quizerr.ErrModeArchived), quizerr.ErrModeArchived.Status, quizerr.CodeModeArchived},
		{fmt.Errorf("%w: https://api.example/v1/observations", quizerr.ErrCircuitOpen), http.StatusServiceUnavailable, quizerr.CodeCircuitOpen},
		{fmt.Errorf("dial tcp 10.0.0.1:443: refused"), http.StatusInternalServerError, quizerr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			q := &fakeQuestioner{err: tt.err, diag: question.Diagnostics{CacheStatus: cache.StatusMiss}}
			w := serve(t, http.MethodGet, "/q", "",
				func(r *gin.Engine) { r.GET("/q", HandleQuizQuestion(q)) })

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Error.Code)
			assert.Equal(t, "miss", w.Header().Get(HeaderCacheStatus))
			assert.NotContains(t, w.Body.String(), "api.example")
			assert.NotContains(t, w.Body.String(), "10.0.0.1")
		})
	}
}

func TestHandleQuizQuestion_CircuitOpenSetsRetryAfter(t *testing.T) {
	q := &fakeQuestioner{err: quizerr.ErrCircuitOpen}
	w := serve(t, http.MethodGet, "/q", "", func(r *gin.Engine) { r.GET("/q", HandleQuizQuestion(q)) })
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestHandleSubmit_PassesSubmission(t *testing.T) {
	s := &fakeSubmitter{res: rounds.Result{
		RoundID:       "r1",
		Mode:          datatypes.ModeEasy,
		Status:        datatypes.StatusWin,
		Correct:       true,
		RoundConsumed: true,
	}}
	body := `{"round_id":"r1","round_signature":"sig","round_expires_at":1700000000000,
		"submission_id":"s-1","taxon_id":10001}`

	w := serve(t, http.MethodPost, "/s", body, func(r *gin.Engine) { r.POST("/s", HandleSubmit(s)) })

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, rounds.Submission{
		RoundID:      "r1",
		Signature:    "sig",
		ExpiresAt:    1700000000000,
		ClientID:     "alice",
		SubmissionID: "s-1",
		TaxonID:      10001,
	}, s.got)

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, true, res["round_consumed"])
	assert.Equal(t, "win", res["status"])
}

func TestHandleSubmit_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `round_id=r1`},
		{"missing signature", `{"round_id":"r1","round_expires_at":1}`},
		{"missing expiry", `{"round_id":"r1","round_signature":"s"}`},
		{"negative step", `{"round_id":"r1","round_signature":"s","round_expires_at":1,"step_index":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSubmitter{}
			w := serve(t, http.MethodPost, "/s", tt.body, func(r *gin.Engine) { r.POST("/s", HandleSubmit(s)) })
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, s.got.RoundID, "store not called")
		})
	}
}

func TestHandleSubmit_SessionErrorsLookAlike(t *testing.T) {
	var bodies []string
	for _, err := range []error{quizerr.ErrRoundExpired, quizerr.ErrInvalidRoundSignature} {
		s := &fakeSubmitter{err: err}
		w := serve(t, http.MethodPost, "/s", `{"round_id":"r1","round_signature":"s","round_expires_at":1}`,
			func(r *gin.Engine) { r.POST("/s", HandleSubmit(s)) })
		body := decodeError(t, w)
		assert.Equal(t, quizerr.CodeSessionInvalid, body.Error.Code)
		bodies = append(bodies, fmt.Sprintf("%d %s", w.Code, body.Error.Message))
	}
	assert.Equal(t, bodies[0], bodies[1], "expired and forged rounds are indistinguishable")
}

// =============================================================================
// Taxa, Balance and Health Tests
// =============================================================================

func TestHandleTaxon(t *testing.T) {
	taxa := &fakeTaxa{details: &datatypes.TaxonDetails{ID: 10001, Name: "Parus major", WikipediaURL: "https://en.wikipedia.org/wiki/Great_tit"}}
	register := func(r *gin.Engine) { r.GET("/taxa/:id", HandleTaxon(taxa)) }

	w := serve(t, http.MethodGet, "/taxa/10001?locale=de", "", register)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "de", taxa.locale)
	assert.Contains(t, w.Body.String(), "Great_tit")

	w = serve(t, http.MethodGet, "/taxa/99", "", register)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, quizerr.CodeTaxonNotFound, decodeError(t, w).Error.Code)

	w = serve(t, http.MethodGet, "/taxa/parus", "", register)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBalance(t *testing.T) {
	w := serve(t, http.MethodGet, "/b", "", func(r *gin.Engine) { r.GET("/b", HandleBalance(fakeBalance{})) })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_events":2`)
}

func TestHandleHealth(t *testing.T) {
	w := serve(t, http.MethodGet, "/h", "", func(r *gin.Engine) { r.GET("/h", HandleHealth(fakeHealth{healthy: true})) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"upstream_breaker":"closed"`)

	w = serve(t, http.MethodGet, "/h", "", func(r *gin.Engine) { r.GET("/h", HandleHealth(fakeHealth{})) })
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 1, 2,,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = parseIDs(strings.Repeat("1,", maxListIDs+1))
	assert.Error(t, err)
}
