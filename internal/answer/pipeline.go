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

// Package answer implements the scoped answer pipeline behind the buyer chat
// endpoint: topic guard, context filter, grounded completion and response
// shaping. Every terminal outcome yields an {answer, sources} result.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/llm"
	"github.com/your-org/homebuying-assistant/internal/resilience"
	"github.com/your-org/homebuying-assistant/internal/scope"
)

// Fixed user-facing messages
const (
	RefusalMessage = "I can only answer questions about the home buying process, such as making an offer, " +
		"escrow, inspections, financing, or closing. Please ask about one of those topics."
	NotEnoughContextMessage = "I don't have enough information in my home buying resources to answer that. " +
		"Please contact your agent for help."
	ApologyMessage = "Sorry, I couldn't generate an answer right now. Please try again in a moment " +
		"or contact your agent."
)

// Outcome names the terminal path a request took through the pipeline
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeNoContext     Outcome = "no_context"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Result is the uniform response body. Sources lists exactly the titles of
// the documents sent to the model and is empty on every other path.
type Result struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`

	Outcome         Outcome       `json:"-"`
	Model           string        `json:"-"`
	Usage           llm.Usage     `json:"-"`
	Latency         time.Duration `json:"-"`
	GenerationError error         `json:"-"`
}

// GeneratorConfig configures completion calls
type GeneratorConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultGeneratorConfig returns low-temperature defaults
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   600,
		Timeout:     30 * time.Second,
	}
}

// Pipeline answers buyer questions. It is safe for concurrent use; the
// policy can be swapped at runtime with SetPolicy.
type Pipeline struct {
	policy    atomic.Pointer[scope.Policy]
	completer llm.Completer
	breaker   *resilience.CircuitBreaker
	config    GeneratorConfig
	logger    *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithCircuitBreaker routes completion calls through cb
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Pipeline) {
		p.breaker = cb
	}
}

// NewPipeline creates a pipeline. A nil policy uses scope.DefaultPolicy.
func NewPipeline(policy *scope.Policy, completer llm.Completer, config GeneratorConfig, logger *zap.Logger, opts ...Option) *Pipeline {
	if policy == nil {
		policy = scope.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultGeneratorConfig().Timeout
	}

	p := &Pipeline{
		completer: completer,
		config:    config,
		logger:    logger,
	}
	p.policy.Store(policy)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the policy currently in force
func (p *Pipeline) Policy() *scope.Policy {
	return p.policy.Load()
}

// SetPolicy replaces the policy for subsequent requests
func (p *Pipeline) SetPolicy(policy *scope.Policy) {
	if policy != nil {
		p.policy.Store(policy)
	}
}

// Answer runs the topic guard, the context filter and, when grounded
// context remains, the completion call. It never returns an error: upstream
// failures become the apology result.
func (p *Pipeline) Answer(ctx context.Context, req *Request) Result {
	start := time.Now()
	policy := p.Policy()

	if policy.IsForbidden(req.Query) {
		result := refusal(OutcomeForbidden, RefusalMessage)
		result.Latency = time.Since(start)
		p.logger.Info("Query rejected by topic guard", zap.Int("query_length", len(req.Query)))
		return result
	}

	filtered := policy.Filter(req.Context)
	if len(filtered) == 0 {
		result := refusal(OutcomeNoContext, NotEnoughContextMessage)
		result.Latency = time.Since(start)
		p.logger.Info("No allow-listed context for query",
			zap.Int("context_items", len(req.Context)),
		)
		return result
	}

	completion, err := p.generate(ctx, req.Query, filtered)
	if err != nil {
		result := refusal(OutcomeUpstreamError, ApologyMessage)
		result.Latency = time.Since(start)
		result.GenerationError = err
		p.logger.Error("Answer generation failed",
			zap.Error(err),
			zap.Int("filtered_items", len(filtered)),
			zap.Duration("latency", result.Latency),
		)
		return result
	}

	result := Result{
		Answer:  completion.Content,
		Sources: scope.Titles(filtered),
		Outcome: OutcomeAnswered,
		Model:   completion.Model,
		Usage:   completion.Usage,
		Latency: time.Since(start),
	}
	if result.Model == "" {
		result.Model = p.config.Model
	}

	p.logger.Info("Answer generated",
		zap.Int("context_items", len(req.Context)),
		zap.Int("filtered_items", len(filtered)),
		zap.Int("total_tokens", completion.Usage.TotalTokens),
		zap.String("model", result.Model),
		zap.Duration("latency", result.Latency),
	)

	return result
}

// generate calls the completer with a bounded timeout, through the circuit
// breaker when one is configured. Panics in the completer are converted to
// errors so they take the apology path.
func (p *Pipeline) generate(ctx context.Context, query string, docs []scope.Document) (completion *llm.Completion, err error) {
	if p.completer == nil {
		return nil, errors.New("no completer configured")
	}

	req := llm.CompletionRequest{
		System:      SystemPrompt,
		User:        BuildUserPrompt(query, docs),
		Model:       p.config.Model,
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
	}

	call := func(ctx context.Context) (callErr error) {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("completer panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		completion, callErr = p.completer.Complete(ctx, req)
		if callErr == nil && (completion == nil || strings.TrimSpace(completion.Content) == "") {
			callErr = llm.ErrEmptyCompletion
		}
		return callErr
	}

	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func refusal(outcome Outcome, message string) Result {
	return Result{
		Answer:  message,
		Sources: []string{},
		Outcome: outcome,
	}
}
