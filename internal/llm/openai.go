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

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI completer
type OpenAIConfig struct {
	APIKey   string
	Endpoint string
	// MaxAttempts is the total number of calls per completion, 1 disables retries
	MaxAttempts int
}

// OpenAIClient wraps the go-openai client
type OpenAIClient struct {
	client      *openai.Client
	logger      *zap.Logger
	maxAttempts int
}

// NewOpenAIClient creates an OpenAI completer. No request is made here.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	logger.Info("OpenAI client initialized",
		zap.String("endpoint", clientConfig.BaseURL),
		zap.Int("max_attempts", maxAttempts),
	)

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		logger:      logger,
		maxAttempts: maxAttempts,
	}, nil
}

// Complete sends the system and user messages and returns the first choice
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	c.logger.Debug("Creating chat completion",
		zap.String("model", req.Model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Float64("temperature", float64(req.Temperature)),
	)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			c.logger.Warn("Retrying chat completion request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
		if err != nil {
			lastErr = c.handleAPIError(err)

			var retryErr *RetryableError
			if errors.As(lastErr, &retryErr) {
				continue
			}
			return nil, lastErr
		}

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("no choices returned from OpenAI")
		}

		content := resp.Choices[0].Message.Content
		if strings.TrimSpace(content) == "" {
			return nil, ErrEmptyCompletion
		}

		c.logger.Debug("Chat completion successful",
			zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
		)

		return &Completion{
			Content:      content,
			FinishReason: string(resp.Choices[0].FinishReason),
			Model:        resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	}

	return nil, fmt.Errorf("exhausted all retry attempts: %w", lastErr)
}

// handleAPIError classifies OpenAI API errors as retryable or not
func (c *OpenAIClient) handleAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		default:
			return fmt.Errorf("OpenAI API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("OpenAI client error: %w", err)
}
