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

// Package app assembles the answer pipeline and its collaborators from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/audit"
	"github.com/your-org/homebuying-assistant/internal/config"
	"github.com/your-org/homebuying-assistant/internal/health"
	"github.com/your-org/homebuying-assistant/internal/llm"
	"github.com/your-org/homebuying-assistant/internal/metrics"
	"github.com/your-org/homebuying-assistant/internal/ratelimit"
	"github.com/your-org/homebuying-assistant/internal/resilience"
	"github.com/your-org/homebuying-assistant/internal/server"
)

// ServiceVersion is reported by the health endpoint
const ServiceVersion = "1.0.0"

// CompleterFactory builds the LLM client. Replaced in tests.
type CompleterFactory func(ctx context.Context, cfg llm.ProviderConfig, logger *zap.Logger) (llm.Completer, func() error, error)

// Dependencies holds initialized service dependencies
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pipeline *answer.Pipeline
	Breaker  *resilience.CircuitBreaker
	Metrics  *metrics.Metrics
	Health   *health.Manager

	Limiter       ratelimit.Limiter
	MemoryLimiter *ratelimit.MemoryLimiter
	Redis         *redis.Client
	Audit         *audit.Store

	closers []func() error
}

// Initialize builds every dependency enabled in cfg. On error, anything
// already opened is closed.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger, newCompleter CompleterFactory) (deps *Dependencies, err error) {
	if newCompleter == nil {
		newCompleter = llm.NewCompleter
	}

	deps = &Dependencies{
		Config: cfg,
		Logger: logger,
		Health: health.NewManager("homebuying-assistant", ServiceVersion, logger),
	}
	defer func() {
		if err != nil {
			_ = deps.Close()
			deps = nil
		}
	}()

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(nil)
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("llm")
	if cfg.LLM.CircuitMaxFailures > 0 {
		breakerConfig.MaxFailures = cfg.LLM.CircuitMaxFailures
	}
	if cfg.LLM.CircuitResetTimeout > 0 {
		breakerConfig.ResetTimeout = cfg.LLM.CircuitResetTimeout
	}
	if deps.Metrics != nil {
		breakerConfig.OnStateChange = deps.Metrics.CircuitStateHook(breakerConfig.Name)
	}
	deps.Breaker = resilience.NewCircuitBreaker(breakerConfig, logger)
	deps.Health.AddChecker("llm", health.CircuitBreakerChecker(deps.Breaker))

	completer, closeCompleter, err := newCompleter(ctx, llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		OpenAI: llm.OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			Endpoint:    cfg.OpenAI.Endpoint,
			MaxAttempts: cfg.LLM.MaxRetries + 1,
		},
		GeminiAPIKey: cfg.Gemini.APIKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	deps.closers = append(deps.closers, closeCompleter)

	deps.Pipeline = answer.NewPipeline(cfg.Scope.Policy(), completer, answer.GeneratorConfig{
		Model:       cfg.LLM.Model,
		Temperature: float32(cfg.LLM.Temperature),
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}, logger, answer.WithCircuitBreaker(deps.Breaker))

	if cfg.RateLimit.Enabled {
		if err := deps.initRateLimiter(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(ctx, audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		deps.Audit = store
		deps.closers = append(deps.closers, store.Close)
		deps.Health.AddChecker("audit", health.DatabaseHealthChecker("audit", store.Ping))
	}

	return deps, nil
}

func (d *Dependencies) initRateLimiter(ctx context.Context) error {
	cfg := d.Config
	if cfg.RateLimit.Backend == ratelimit.BackendRedis {
		client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.Redis = client
		d.closers = append(d.closers, client.Close)
		d.Health.AddChecker("redis", health.ExternalServiceHealthChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	limiter, err := ratelimit.New(cfg.RateLimit.Backend, d.limiterConfig(), d.Redis, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	d.Limiter = limiter
	if memory, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		d.MemoryLimiter = memory
	}
	return nil
}

func (d *Dependencies) limiterConfig() ratelimit.Config {
	limits := ratelimit.DefaultConfig()
	limits.Window = d.Config.RateLimit.Window
	limits.MaxRequests = d.Config.RateLimit.MaxRequests
	limits.MaxKeys = d.Config.RateLimit.MaxKeys
	limits.SweepInterval = d.Config.RateLimit.SweepInterval
	return limits
}

// Server builds the HTTP server with every enabled collaborator attached
func (d *Dependencies) Server() *server.Server {
	cfg := d.Config
	options := server.Options{
		Mode:         answer.Mode(cfg.Server.Mode),
		RequireJSON:  cfg.Server.RequireJSON,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MetricsPath:  cfg.Metrics.Path,

		TrustedProxies: cfg.Server.TrustedProxies,
	}

	opts := []server.Option{server.WithHealth(d.Health)}
	if d.Limiter != nil {
		opts = append(opts, server.WithRateLimiter(d.Limiter, d.limiterConfig()))
	}
	if d.Audit != nil {
		opts = append(opts, server.WithAudit(d.Audit))
	}
	if d.Metrics != nil {
		opts = append(opts, server.WithMetrics(d.Metrics))
	}

	return server.New(d.Pipeline, options, d.Logger, opts...)
}

// Close releases clients and stores in reverse order of creation
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
