// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/handlers"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/middleware"
)

// Deps are the components the routes call into.
type Deps struct {
	Questions handlers.Questioner
	Rounds    handlers.Submitter
	Taxa      handlers.TaxonLookup
	Balance   handlers.BalanceReporter
	Health    handlers.HealthReporter

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler
}

// NewRouter builds the gin engine with tracing, request context, client
// identity, access logging and panic recovery installed.
func NewRouter(serviceName string, logger *slog.Logger, deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(
		otelgin.Middleware(serviceName),
		middleware.RequestContext(logger),
		middleware.ClientIdentity(),
		middleware.AccessLog(),
		middleware.Recovery(),
	)
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes registers the quiz endpoints on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HandleHealth(deps.Health))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/quiz-question", handlers.HandleQuizQuestion(deps.Questions))
		v1.POST("/quiz/submit", handlers.HandleSubmit(deps.Rounds))
		v1.GET("/taxa/:id", handlers.HandleTaxon(deps.Taxa))
		v1.GET("/balance", handlers.HandleBalance(deps.Balance))
	}
}
