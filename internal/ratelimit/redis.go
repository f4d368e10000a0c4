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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the shared Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client and verifies the connection with a PING
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisLimiter keeps fixed-window counters in Redis so every instance
// behind a load balancer shares one budget per client.
type RedisLimiter struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// NewRedisLimiter creates a limiter on client
func NewRedisLimiter(client *redis.Client, cfg Config, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		config: cfg.withDefaults(),
		logger: logger,
	}
}

// incrWithExpiry counts a hit and arms the window expiry in one atomic step.
// A key left without a TTL (e.g. by an older writer) gets one on its next hit.
var incrWithExpiry = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Allow increments the counter for key. The first hit of a window sets the
// key's expiry to the window length.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.config.KeyPrefix + key

	count, err := incrWithExpiry.Run(ctx, l.client, []string{redisKey}, l.config.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("incrementing %s: %w", redisKey, err)
	}

	return count <= int64(l.config.MaxRequests), nil
}

// Ping checks the Redis connection
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
