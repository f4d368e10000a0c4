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

// Package ratelimit provides per-client request limiting for the chat
// endpoint. Counts are kept per key (the client IP) in fixed windows, either
// in process memory or in Redis when several instances share a budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Limiter decides whether a request for key may proceed and counts it
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config holds limiter settings
type Config struct {
	Window        time.Duration
	MaxRequests   int
	MaxKeys       int
	SweepInterval time.Duration
	KeyPrefix     string
}

// DefaultConfig returns 20 requests per minute per client
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		MaxRequests:   20,
		MaxKeys:       10000,
		SweepInterval: time.Minute,
		KeyPrefix:     "homebuying:ratelimit:",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = defaults.MaxRequests
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = defaults.MaxKeys
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaults.KeyPrefix
	}
	return c
}

// RetryAfterSeconds is the Retry-After value sent with a rejection
func (c Config) RetryAfterSeconds() int {
	seconds := int((c.Window + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// New builds the limiter for backend. The redis backend requires a client.
func New(backend string, cfg Config, client *redis.Client, logger *zap.Logger) (Limiter, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryLimiter(cfg, logger), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		return NewRedisLimiter(client, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", backend)
	}
}
