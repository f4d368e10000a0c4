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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/app"
	"github.com/your-org/homebuying-assistant/internal/config"
)

func newAskCmd(configPath *string) *cobra.Command {
	var (
		query       string
		contextPath string
	)

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer a single question and print the response JSON",
		Example: `  chatserver ask --query "What happens during escrow?" --context docs.json
  where docs.json holds [{"title": "Escrow Timeline", "snippet": "..."}]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := buildAskBody(query, contextPath)
			if err != nil {
				return err
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// stdout carries the answer
			if cfg.Logging.Output != "file" {
				cfg.Logging.Output = "stderr"
			}
			logger, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg.RateLimit.Enabled = false
			cfg.Audit.Enabled = false

			deps, err := app.Initialize(cmd.Context(), cfg, logger, newCompleter)
			if err != nil {
				return err
			}
			defer func() { _ = deps.Close() }()

			req, err := answer.ParseRequest(http.MethodPost, body, answer.ModeLenient)
			if err != nil {
				return err
			}

			result := deps.Pipeline.Answer(cmd.Context(), req)
			logger.Info("Answered question",
				zap.String("outcome", string(result.Outcome)),
				zap.Int("sources", len(result.Sources)),
			)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Question to ask")
	cmd.Flags().StringVarP(&contextPath, "context", "x", "", "JSON file holding an array of {title, snippet} documents")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// buildAskBody assembles the same request body the HTTP endpoint receives
func buildAskBody(query, contextPath string) ([]byte, error) {
	docs := json.RawMessage("[]")
	if contextPath != "" {
		raw, err := os.ReadFile(contextPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		docs = raw
	}

	body, err := json.Marshal(map[string]interface{}{
		"query":   query,
		"context": docs,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid context file %s: %w", contextPath, err)
	}
	return body, nil
}
