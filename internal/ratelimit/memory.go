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
	"sync"
	"time"

	"go.uber.org/zap"
)

// window tracks the request count for a single key
type window struct {
	count int
	start time.Time
}

// MemoryLimiter is an in-process fixed-window limiter with a bounded number
// of tracked keys.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*window
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewMemoryLimiter creates a memory limiter. Call Run to sweep expired
// windows in the background.
func NewMemoryLimiter(cfg Config, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLimiter{
		entries: make(map[string]*window),
		config:  cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Allow counts a request for key and reports whether it is within the limit
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.entries[key]
	if !exists {
		if len(l.entries) >= l.config.MaxKeys {
			l.makeRoom(now)
		}
		l.entries[key] = &window{count: 1, start: now}
		return true, nil
	}

	if now.Sub(w.start) >= l.config.Window {
		w.count = 1
		w.start = now
		return true, nil
	}

	if w.count >= l.config.MaxRequests {
		return false, nil
	}

	w.count++
	return true, nil
}

// makeRoom drops expired windows and, if the map is still full, the oldest
// one. Caller holds the lock.
func (l *MemoryLimiter) makeRoom(now time.Time) {
	l.sweepLocked(now)
	if len(l.entries) < l.config.MaxKeys {
		return
	}

	var oldestKey string
	var oldest time.Time
	for key, w := range l.entries {
		if oldestKey == "" || w.start.Before(oldest) {
			oldestKey = key
			oldest = w.start
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// Sweep removes expired windows and returns how many were removed
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *MemoryLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for key, w := range l.entries {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired windows every SweepInterval until ctx is cancelled
func (l *MemoryLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("Swept expired rate limit windows",
					zap.Int("removed", removed),
					zap.Int("tracked", l.Len()),
				)
			}
		}
	}
}

// Len returns the number of tracked keys
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset clears the state for key
func (l *MemoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
