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

// Package health provides the /health report for the chat service
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/homebuying-assistant/internal/resilience"
)

const (
	// StatusHealthy represents healthy status
	StatusHealthy = "healthy"
	// StatusUnhealthy represents unhealthy status
	StatusUnhealthy = "unhealthy"
	// StatusDegraded represents degraded status
	StatusDegraded = "degraded"
	// DefaultTimeout is the default timeout for health checks
	DefaultTimeout = 5 * time.Second
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string                 `json:"status"`
	Latency   time.Duration          `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status       string                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Uptime       string                 `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc is a function adapter for the Checker interface
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements the Checker interface
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Manager manages health checks for a service
type Manager struct {
	serviceName string
	version     string
	startTime   time.Time
	timeout     time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager creates a new health check manager
func NewManager(serviceName, version string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]Checker),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout sets the timeout for health checks
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// AddChecker adds a health checker
func (m *Manager) AddChecker(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// AddCheckerFunc adds a health checker function
func (m *Manager) AddCheckerFunc(name string, checkFunc func(ctx context.Context) CheckResult) {
	m.AddChecker(name, CheckerFunc(checkFunc))
}

// Check runs all checkers concurrently and aggregates their status
func (m *Manager) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.mu.RUnlock()

	var resultsMu sync.Mutex
	dependencies := make(map[string]CheckResult, len(checkers))

	g, gctx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			start := time.Now()
			result := checker.Check(gctx)
			result.Latency = time.Since(start)
			result.Timestamp = time.Now()

			resultsMu.Lock()
			dependencies[name] = result
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overallStatus := StatusHealthy
	for name, result := range dependencies {
		switch result.Status {
		case StatusUnhealthy:
			overallStatus = StatusUnhealthy
			m.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.String("error", result.Error))
		case StatusDegraded:
			if overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	return HealthResponse{
		Status:       overallStatus,
		Service:      m.serviceName,
		Version:      m.version,
		Uptime:       time.Since(m.startTime).Round(time.Second).String(),
		Dependencies: dependencies,
		Metadata:     systemMetadata(),
		Timestamp:    time.Now(),
	}
}

// GinHandler returns a gin handler for health checks. Unhealthy reports
// respond 503; degraded ones still respond 200.
func (m *Manager) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := m.Check(c.Request.Context())

		statusCode := http.StatusOK
		if result.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, result)
	}
}

func systemMetadata() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return map[string]interface{}{
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": memStats.Alloc,
		"hostname":     hostname,
	}
}

// DatabaseHealthChecker creates a health checker for database connections
func DatabaseHealthChecker(name string, pingFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := pingFunc(ctx); err != nil {
			return CheckResult{
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("database ping failed: %v", err),
			}
		}

		return CheckResult{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"database": name},
		}
	})
}

// ExternalServiceHealthChecker creates a health checker for a dependency the
// service can run without. Temporary errors report degraded.
func ExternalServiceHealthChecker(name string, checkFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := checkFunc(ctx); err != nil {
			status := StatusUnhealthy
			if isTemporaryError(err) {
				status = StatusDegraded
			}

			return CheckResult{
				Status: status,
				Error:  fmt.Sprintf("external service check failed: %v", err),
			}
		}

		return CheckResult{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"service": name},
		}
	})
}

// CircuitBreakerChecker reports degraded while cb is open or probing. Requests
// still get the apology answer, so an open circuit never makes the service
// unhealthy.
func CircuitBreakerChecker(cb *resilience.CircuitBreaker) Checker {
	return CheckerFunc(func(context.Context) CheckResult {
		stats := cb.Stats()
		status := StatusHealthy
		if cb.State() != resilience.CircuitClosed {
			status = StatusDegraded
		}

		return CheckResult{
			Status: status,
			Metadata: map[string]interface{}{
				"name":                 stats.Name,
				"state":                stats.State,
				"consecutive_failures": stats.Failures,
				"total_failed":         stats.TotalFailed,
				"total_passed":         stats.TotalPassed,
			},
		}
	})
}

// isTemporaryError checks if an error is temporary
func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"timeout",
		"connection refused",
		"temporary failure",
		"network is unreachable",
		"context deadline exceeded",
	}

	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
