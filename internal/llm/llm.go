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

// Package llm wraps the hosted chat-completion providers used to answer
// buyer questions. Callers depend on the Completer interface only.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// ProviderOpenAI selects the OpenAI chat completion API
	ProviderOpenAI = "openai"
	// ProviderGemini selects the Google Gemini API
	ProviderGemini = "gemini"
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
)

var (
	// ErrEmptyCompletion is returned when the provider answers with no usable text
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrMissingAPIKey is returned when a provider is built without credentials
	ErrMissingAPIKey = errors.New("API key is required")
)

// CompletionRequest is a two-message prompt sent to a hosted model
type CompletionRequest struct {
	System      string
	User        string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Usage reports token consumption for a completion
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's answer
type Completion struct {
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// Completer sends a prompt and receives a single completion string
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompleterFunc adapts a function to the Completer interface
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

// Complete implements Completer
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

// RetryableError represents an error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// backoffDelay returns the exponential delay before the given retry attempt
func backoffDelay(attempt int) time.Duration {
	return BaseRetryDelay * time.Duration(1<<uint(attempt))
}
