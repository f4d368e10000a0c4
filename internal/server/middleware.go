// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/metrics"
	"github.com/your-org/homebuying-assistant/internal/ratelimit"
	"github.com/your-org/homebuying-assistant/internal/resilience"
)

const (
	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID reuses the caller's X-Request-ID or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Recovery turns panics into 500 {"error": "Internal server error"}
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered interface{}) {
		logger.Error("Panic while handling request",
			zap.Any("panic", recovered),
			zap.String("request_id", requestID(c)),
			zap.String("path", c.Request.URL.Path),
		)
		abortWithError(c, resilience.NewInternalError(nil))
	})
}

// RequestLogger logs one line per request. Bodies are never logged.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("Request completed", fields...)
			return
		}
		logger.Info("Request completed", fields...)
	}
}

// Metrics records request counts, latency and in-flight requests
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// CORS allows the configured origins ("*" for any) and answers preflight
// requests with 204. Requests from other origins get no CORS headers.
func CORS(allowOrigins []string) gin.HandlerFunc {
	allowMethods := strings.Join([]string{http.MethodPost, http.MethodOptions}, ", ")
	allowHeaders := strings.Join([]string{"Content-Type", RequestIDHeader}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !originAllowed(allowOrigins, origin) {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", allowMethods)
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Max-Age", "86400")
		c.Header("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(allowOrigins []string, origin string) bool {
	for _, o := range allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// RequirePost rejects any method other than POST with 405
func RequirePost() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Header("Allow", http.MethodPost)
			abortWithError(c, resilience.NewMethodNotAllowedError())
			return
		}
		c.Next()
	}
}

// RequireJSON rejects bodies not declared as application/json with 415
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != "application/json" {
			abortWithError(c, resilience.NewUnsupportedMediaTypeError())
			return
		}
		c.Next()
	}
}

// RateLimit rejects clients over their budget with 429 and Retry-After.
// Limiter errors let the request through.
func RateLimit(limiter ratelimit.Limiter, retryAfter int, m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request",
				zap.Error(err),
				zap.String("request_id", requestID(c)),
			)
			if m != nil {
				m.LimiterErrorsTotal.Inc()
			}
			c.Next()
			return
		}

		if !allowed {
			if m != nil {
				m.RateLimitedTotal.Inc()
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			abortWithError(c, resilience.NewTooManyRequestsError())
			return
		}

		c.Next()
	}
}

// abortWithError writes err as {"error": ...}. Anything that is not a
// ServiceError becomes a generic 500.
func abortWithError(c *gin.Context, err error) {
	var serviceErr *resilience.ServiceError
	if !resilience.AsServiceError(err, &serviceErr) {
		serviceErr = resilience.NewInternalError(err)
	}
	c.AbortWithStatusJSON(serviceErr.StatusCode, serviceErr.ToErrorResponse())
}
