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

// Package server exposes the answer pipeline over HTTP with gin
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/audit"
	"github.com/your-org/homebuying-assistant/internal/health"
	"github.com/your-org/homebuying-assistant/internal/metrics"
	"github.com/your-org/homebuying-assistant/internal/ratelimit"
)

// ChatPath is the route of the chat endpoint
const ChatPath = "/api/chat"

// Options controls request handling
type Options struct {
	Mode         answer.Mode
	RequireJSON  bool
	CORSOrigins  []string
	MaxBodyBytes int64
	MetricsPath  string

	// TrustedProxies may set X-Forwarded-For; nil keys clients by peer address
	TrustedProxies []string
}

// DefaultOptions returns the standalone server settings
func DefaultOptions() Options {
	return Options{
		Mode:         answer.ModeLenient,
		RequireJSON:  true,
		MaxBodyBytes: 64 * 1024,
		MetricsPath:  "/metrics",
	}
}

// Server wires the pipeline to its HTTP surface
type Server struct {
	pipeline *answer.Pipeline
	options  Options
	logger   *zap.Logger

	limiter     ratelimit.Limiter
	retryAfter  int
	recorder    audit.Recorder
	metrics     *metrics.Metrics
	healthCheck *health.Manager
}

// Option configures optional collaborators
type Option func(*Server)

// WithRateLimiter enables per-client limiting on the chat route
func WithRateLimiter(limiter ratelimit.Limiter, cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.limiter = limiter
		s.retryAfter = cfg.RetryAfterSeconds()
	}
}

// WithAudit records every chat outcome
func WithAudit(recorder audit.Recorder) Option {
	return func(s *Server) {
		s.recorder = recorder
	}
}

// WithMetrics enables request and answer metrics and the scrape endpoint
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth mounts the health report on /health
func WithHealth(manager *health.Manager) Option {
	return func(s *Server) {
		s.healthCheck = manager
	}
}

// New creates a server around pipeline
func New(pipeline *answer.Pipeline, options Options, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.Mode == "" {
		options.Mode = answer.ModeLenient
	}
	if options.MetricsPath == "" {
		options.MetricsPath = DefaultOptions().MetricsPath
	}

	s := &Server{
		pipeline: pipeline,
		options:  options,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(s.options.TrustedProxies); err != nil {
		s.logger.Warn("Invalid trusted proxies, using peer addresses", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(
		RequestID(),
		Recovery(s.logger),
		RequestLogger(s.logger),
	)
	if s.metrics != nil {
		router.Use(Metrics(s.metrics))
	}
	router.Use(CORS(s.options.CORSOrigins))

	if s.healthCheck != nil {
		router.GET("/health", s.healthCheck.GinHandler())
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		})
	}
	if s.metrics != nil {
		router.GET(s.options.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	chain := []gin.HandlerFunc{RequirePost()}
	if s.options.RequireJSON {
		chain = append(chain, RequireJSON())
	}
	if s.limiter != nil {
		chain = append(chain, RateLimit(s.limiter, s.retryAfter, s.metrics, s.logger))
	}
	chain = append(chain, s.handleChat)
	router.Any(ChatPath, chain...)

	return router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
