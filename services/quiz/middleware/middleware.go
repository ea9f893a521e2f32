// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the quiz service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	otelgin ──► RequestContext ──► ClientIdentity ──► AccessLog ──► Recovery
//	                 │                   │
//	                 │                   └─► client id stored in gin context
//	                 │
//	                 └─► request id + logger stored in request context
//	                           │
//	                           ▼
//	                       Handler
//
// # Client Identity
//
// Rounds are signed for a client id. The id comes from the X-Client-ID
// header, then the client_id query parameter, and falls back to the remote
// address so anonymous callers still get per-client selection state.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/TaxaQuiz/pkg/logging"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	// HeaderRequestID carries the correlation id in both directions.
	HeaderRequestID = "X-Request-ID"

	// HeaderClientID identifies the quiz client.
	HeaderClientID = "X-Client-ID"

	clientIDKey = "taxaquiz_client_id"

	maxRequestIDLen = 128
	maxClientIDLen  = 128
)

// =============================================================================
// Context Helpers
// =============================================================================

// GetClientID returns the client id stored by ClientIdentity, or "".
func GetClientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

// SetClientID stores id in the gin context. Exposed for tests.
func SetClientID(c *gin.Context, id string) {
	c.Set(clientIDKey, id)
}

// =============================================================================
// Middleware
// =============================================================================

// RequestContext attaches a request id and a request-scoped logger to the
// request context.
//
// # Description
//
// An incoming X-Request-ID is reused when it is present and not oversized;
// otherwise a UUID is generated. The id is echoed on the response.
//
// # Inputs
//
//   - logger: Base logger. Nil uses slog.Default().
func RequestContext(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)

		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, logger.With(
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
		))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClientIdentity resolves the client id.
//
// Ids longer than 128 bytes are rejected with INVALID_REQUEST.
func ClientIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderClientID)
		if id == "" {
			id = c.Query("client_id")
		}
		if len(id) > maxClientIDLen {
			pe := quizerr.Public(quizerr.ErrInvalidRequest)
			c.AbortWithStatusJSON(pe.Status, gin.H{"error": gin.H{
				"code":    pe.Code,
				"message": "client id too long",
			}})
			return
		}
		if id == "" {
			id = "ip:" + c.ClientIP()
		}
		SetClientID(c, id)
		c.Next()
	}
}

// AccessLog logs one line per request after the handler ran.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logging.FromContext(ctx).Log(ctx, level, "request completed",
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.Int("bytes", c.Writer.Size()),
		)
	}
}

// Recovery converts a handler panic into an INTERNAL error response.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		ctx := c.Request.Context()
		logging.FromContext(ctx).ErrorContext(ctx, "handler panicked", slog.Any("panic", recovered))
		pe := quizerr.Public(quizerr.ErrInternal)
		c.AbortWithStatusJSON(pe.Status, gin.H{"error": gin.H{
			"code":    pe.Code,
			"message": pe.Message,
		}, "request_id": logging.RequestID(ctx)})
	})
}
