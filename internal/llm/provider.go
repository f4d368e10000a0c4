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

	"go.uber.org/zap"
)

// ProviderConfig selects and configures a completion provider
type ProviderConfig struct {
	Provider     string
	OpenAI       OpenAIConfig
	GeminiAPIKey string
}

// NewCompleter builds the completer named by cfg.Provider. The returned
// close function is never nil.
func NewCompleter(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (Completer, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Provider {
	case ProviderOpenAI, "":
		client, err := NewOpenAIClient(cfg.OpenAI, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		return client, noop, nil
	case ProviderGemini:
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		return client, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
