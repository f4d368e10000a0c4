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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/audit"
	"github.com/your-org/homebuying-assistant/internal/health"
	"github.com/your-org/homebuying-assistant/internal/llm"
	"github.com/your-org/homebuying-assistant/internal/metrics"
	"github.com/your-org/homebuying-assistant/internal/ratelimit"
	"github.com/your-org/homebuying-assistant/internal/scope"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const escrowBody = `{"query": "What happens during escrow?", "context": [{"title": "Escrow Timeline", "snippet": "Open escrow; earnest money; appraisal..."}]}`

type fakeRecorder struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func answeringCompleter(calls *int) llm.Completer {
	return llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		if calls != nil {
			*calls++
		}
		return &llm.Completion{Content: "Escrow holds funds until closing.", Model: "gpt-4o-mini"}, nil
	})
}

func newTestRouter(t *testing.T, completer llm.Completer, options Options, opts ...Option) *gin.Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pipeline := answer.NewPipeline(scope.DefaultPolicy(), completer, answer.DefaultGeneratorConfig(), logger)
	return New(pipeline, options, logger, opts...).Router()
}

func doRequest(router http.Handler, method, body, contentType string, headers ...string) *httptest.ResponseRecorder {
	return doRequestFrom(router, "", method, body, contentType, headers...)
}

// doRequestFrom sends the request from peer (host:port); empty keeps the
// httptest default 192.0.2.1:1234.
func doRequestFrom(router http.Handler, peer, method, body, contentType string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, ChatPath, strings.NewReader(body))
	if peer != "" {
		req.RemoteAddr = peer
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestChat_Scenarios(t *testing.T) {
	tests := []struct {
		name            string
		body            string
		expectedAnswer  string
		expectedSources []interface{}
		expectLLMCall   bool
	}{
		{
			name:            "technical query is refused",
			body:            `{"query": "How is your database schema structured?", "context": [{"title": "Home Buying Process Guide", "snippet": "..."}]}`,
			expectedAnswer:  answer.RefusalMessage,
			expectedSources: []interface{}{},
		},
		{
			name:            "on-topic query with valid context",
			body:            escrowBody,
			expectedAnswer:  "Escrow holds funds until closing.",
			expectedSources: []interface{}{"Escrow Timeline"},
			expectLLMCall:   true,
		},
		{
			name:            "no allow-listed context",
			body:            `{"query": "What is a contingency?", "context": [{"title": "Quarterly Sales Report", "snippet": "..."}]}`,
			expectedAnswer:  answer.NotEnoughContextMessage,
			expectedSources: []interface{}{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			router := newTestRouter(t, answeringCompleter(&calls), DefaultOptions())

			w := doRequest(router, http.MethodPost, tt.body, "application/json")

			require.Equal(t, http.StatusOK, w.Code)
			body := decodeResult(t, w)
			assert.Equal(t, tt.expectedAnswer, body["answer"])
			assert.Equal(t, tt.expectedSources, body["sources"])
			assert.Len(t, body, 2)
			assert.Equal(t, tt.expectLLMCall, calls == 1)
		})
	}
}

func TestChat_UpstreamFailureIsStill200(t *testing.T) {
	completer := llm.CompleterFunc(func(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
		return nil, errors.New("openai: 429 You exceeded your current quota, org-abc123")
	})
	router := newTestRouter(t, completer, DefaultOptions())

	w := doRequest(router, http.MethodPost, escrowBody, "application/json")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"answer": "`+answer.ApologyMessage+`", "sources": []}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "quota")
}

func TestChat_ValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		options        Options
		method         string
		body           string
		contentType    string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "wrong method",
			options:        DefaultOptions(),
			method:         http.MethodGet,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedError:  "Method not allowed",
		},
		{
			name:           "missing query",
			options:        DefaultOptions(),
			method:         http.MethodPost,
			body:           `{"context": []}`,
			contentType:    "application/json",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Query is required",
		},
		{
			name:           "malformed json",
			options:        DefaultOptions(),
			method:         http.MethodPost,
			body:           `{"query":`,
			contentType:    "application/json",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid JSON body",
		},
		{
			name:           "wrong content type",
			options:        DefaultOptions(),
			method:         http.MethodPost,
			body:           escrowBody,
			contentType:    "text/plain",
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedError:  "Content-Type must be application/json",
		},
		{
			name:           "strict mode requires context array",
			options:        Options{Mode: answer.ModeStrict},
			method:         http.MethodPost,
			body:           `{"query": "What is escrow?", "context": "Escrow Timeline"}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Context must be an array",
		},
		{
			name:           "body too large",
			options:        Options{Mode: answer.ModeLenient, MaxBodyBytes: 16},
			method:         http.MethodPost,
			body:           escrowBody,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid JSON body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, answeringCompleter(nil), tt.options)
			w := doRequest(router, tt.method, tt.body, tt.contentType)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, `{"error": "`+tt.expectedError+`"}`, w.Body.String())
		})
	}
}

func TestChat_JSONContentTypeWithCharset(t *testing.T) {
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions())
	w := doRequest(router, http.MethodPost, escrowBody, "application/json; charset=utf-8")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChat_RateLimit(t *testing.T) {
	limitCfg := ratelimit.Config{Window: time.Minute, MaxRequests: 2}
	limiter := ratelimit.NewMemoryLimiter(limitCfg, nil)
	m := metrics.New(nil)
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(),
		WithRateLimiter(limiter, limitCfg),
		WithMetrics(m),
	)

	for i := 0; i < 2; i++ {
		w := doRequest(router, http.MethodPost, escrowBody, "application/json")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doRequest(router, http.MethodPost, escrowBody, "application/json")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error": "Too many requests"}`, w.Body.String())

	// a different client is unaffected
	w = doRequestFrom(router, "198.51.100.9:5000", http.MethodPost, escrowBody, "application/json")
	assert.Equal(t, http.StatusOK, w.Code)

	// wrong methods never consume the budget
	for i := 0; i < 3; i++ {
		w = doRequestFrom(router, "198.51.100.10:5000", http.MethodGet, "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	}
	w = doRequestFrom(router, "198.51.100.10:5000", http.MethodPost, escrowBody, "application/json")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChat_RateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limitCfg := ratelimit.Config{Window: time.Minute, MaxRequests: 1}
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(),
		WithRateLimiter(ratelimit.NewMemoryLimiter(limitCfg, nil), limitCfg),
	)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := doRequestFrom(router, "203.0.113.50:40000", http.MethodPost, escrowBody, "application/json",
			"X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestChat_RateLimitHonorsForwardedForFromTrustedProxy(t *testing.T) {
	limitCfg := ratelimit.Config{Window: time.Minute, MaxRequests: 1}
	options := DefaultOptions()
	options.TrustedProxies = []string{"10.1.0.0/16"}
	router := newTestRouter(t, answeringCompleter(nil), options,
		WithRateLimiter(ratelimit.NewMemoryLimiter(limitCfg, nil), limitCfg),
	)

	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		w := doRequestFrom(router, "10.1.0.5:443", http.MethodPost, escrowBody, "application/json",
			"X-Forwarded-For", client)
		assert.Equal(t, http.StatusOK, w.Code, client)
	}

	w := doRequestFrom(router, "10.1.0.5:443", http.MethodPost, escrowBody, "application/json",
		"X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestChat_RateLimiterErrorFailsOpen(t *testing.T) {
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(),
		WithRateLimiter(errLimiter{}, ratelimit.DefaultConfig()),
	)

	w := doRequest(router, http.MethodPost, escrowBody, "application/json")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChat_Audit(t *testing.T) {
	recorder := &fakeRecorder{}
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(), WithAudit(recorder))

	w := doRequest(router, http.MethodPost, escrowBody, "application/json", RequestIDHeader, "req-123")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	w = doRequest(router, http.MethodPost,
		`{"query": "Which CRM do you use?", "context": []}`, "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, recorder.records, 2)

	answered := recorder.records[0]
	assert.Equal(t, "req-123", answered.RequestID)
	assert.Equal(t, answer.OutcomeAnswered, answered.Outcome)
	assert.Equal(t, len("What happens during escrow?"), answered.QueryLength)
	assert.Equal(t, []string{"Escrow Timeline"}, answered.Sources)

	forbidden := recorder.records[1]
	assert.Equal(t, answer.OutcomeForbidden, forbidden.Outcome)
	assert.Zero(t, forbidden.QueryLength)
	assert.Empty(t, forbidden.ClientIP)
	assert.NotEmpty(t, forbidden.RequestID)
}

func TestChat_AuditFailureDoesNotAffectResponse(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("disk full")}
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(), WithAudit(recorder))

	w := doRequest(router, http.MethodPost, escrowBody, "application/json")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, recorder.records, 1)
}

func TestCORS(t *testing.T) {
	options := DefaultOptions()
	options.CORSOrigins = []string{"https://buyers.example.com"}
	router := newTestRouter(t, answeringCompleter(nil), options)

	w := doRequest(router, http.MethodOptions, "", "", "Origin", "https://buyers.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://buyers.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	w = doRequest(router, http.MethodPost, escrowBody, "application/json", "Origin", "https://buyers.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://buyers.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = doRequest(router, http.MethodOptions, "", "", "Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), Recovery(zaptest.NewLogger(t)))
	router.GET("/panic", func(c *gin.Context) {
		panic("nil map write in handler")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "Internal server error"}`, w.Body.String())
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	m := metrics.New(nil)
	manager := health.NewManager("chatserver", "test", nil)
	router := newTestRouter(t, answeringCompleter(nil), DefaultOptions(), WithMetrics(m), WithHealth(manager))

	w := doRequest(router, http.MethodPost, escrowBody, "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `homebuying_answers_total{outcome="answered"} 1`)
	assert.Contains(t, w.Body.String(), `homebuying_http_requests_total{method="POST",path="/api/chat",status="200"} 1`)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	pipeline := answer.NewPipeline(nil, answeringCompleter(nil), answer.DefaultGeneratorConfig(), nil)
	srv := New(pipeline, DefaultOptions(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", time.Second, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
