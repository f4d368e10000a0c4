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
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient answers prompts with Google Gemini
type GeminiClient struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGeminiClient creates a Gemini completer. Extra options are passed to
// the underlying client after the API key.
func NewGeminiClient(ctx context.Context, apiKey string, logger *zap.Logger, opts ...option.ClientOption) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini client initialized")

	return &GeminiClient{client: client, logger: logger}, nil
}

// Complete sends the system instruction and user message to the model
func (g *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := g.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}

	g.logger.Debug("Creating Gemini completion",
		zap.String("model", req.Model),
		zap.Float64("temperature", float64(req.Temperature)),
	)

	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned from Gemini")
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				content.WriteString(string(text))
			}
		}
	}

	if strings.TrimSpace(content.String()) == "" {
		return nil, ErrEmptyCompletion
	}

	completion := &Completion{
		Content:      content.String(),
		FinishReason: candidate.FinishReason.String(),
		Model:        req.Model,
	}
	if resp.UsageMetadata != nil {
		completion.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return completion, nil
}

// Close releases the underlying client
func (g *GeminiClient) Close() error {
	return g.client.Close()
}
