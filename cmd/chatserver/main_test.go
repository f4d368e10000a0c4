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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/llm"
)

const testConfigYAML = `
openai:
  apikey: sk-test-key
logging:
  level: error
`

func setupTestEnvironment(t *testing.T) (configFile string, calls *int) {
	t.Helper()

	tempDir := t.TempDir()
	configFile = filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfigYAML), 0600))

	count := 0
	calls = &count
	previous := newCompleter
	newCompleter = func(context.Context, llm.ProviderConfig, *zap.Logger) (llm.Completer, func() error, error) {
		return llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
			count++
			return &llm.Completion{Content: "Escrow typically lasts 30 to 45 days."}, nil
		}), func() error { return nil }, nil
	}
	t.Cleanup(func() { newCompleter = previous })

	return configFile, calls
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAskCommand(t *testing.T) {
	configFile, calls := setupTestEnvironment(t)

	contextFile := filepath.Join(filepath.Dir(configFile), "docs.json")
	require.NoError(t, os.WriteFile(contextFile,
		[]byte(`[{"title": "Escrow Timeline", "snippet": "Open escrow; earnest money; appraisal..."}]`), 0600))

	tests := []struct {
		name            string
		args            []string
		expectedAnswer  string
		expectedSources []string
		expectedCalls   int
	}{
		{
			name:            "on-topic question",
			args:            []string{"ask", "-c", configFile, "-q", "How long does escrow take?", "-x", contextFile},
			expectedAnswer:  "Escrow typically lasts 30 to 45 days.",
			expectedSources: []string{"Escrow Timeline"},
			expectedCalls:   1,
		},
		{
			name:            "technical question is refused",
			args:            []string{"ask", "-c", configFile, "-q", "Which API do you call?", "-x", contextFile},
			expectedAnswer:  answer.RefusalMessage,
			expectedSources: []string{},
		},
		{
			name:            "no context file",
			args:            []string{"ask", "-c", configFile, "-q", "How long does escrow take?"},
			expectedAnswer:  answer.NotEnoughContextMessage,
			expectedSources: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*calls = 0
			out, err := runRoot(t, tt.args...)
			require.NoError(t, err)

			var result struct {
				Answer  string   `json:"answer"`
				Sources []string `json:"sources"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &result), out)
			assert.Equal(t, tt.expectedAnswer, result.Answer)
			assert.Equal(t, tt.expectedSources, result.Sources)
			assert.Equal(t, tt.expectedCalls, *calls)
		})
	}
}

func TestAskCommand_Errors(t *testing.T) {
	configFile, _ := setupTestEnvironment(t)

	invalidContext := filepath.Join(filepath.Dir(configFile), "broken.json")
	require.NoError(t, os.WriteFile(invalidContext, []byte(`[{"title": `), 0600))

	tests := []struct {
		name string
		args []string
	}{
		{"missing query flag", []string{"ask", "-c", configFile}},
		{"blank query", []string{"ask", "-c", configFile, "-q", "   "}},
		{"missing context file", []string{"ask", "-c", configFile, "-q", "What is escrow?", "-x", "/does/not/exist.json"}},
		{"malformed context file", []string{"ask", "-c", configFile, "-q", "What is escrow?", "-x", invalidContext}},
		{"missing config file", []string{"ask", "-c", "/does/not/exist.yaml", "-q", "What is escrow?"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runRoot(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestBuildAskBody(t *testing.T) {
	body, err := buildAskBody("What is escrow?", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "What is escrow?", "context": []}`, string(body))
}

func TestRootCommand(t *testing.T) {
	rootCmd := newRootCmd()

	names := []string{}
	for _, sub := range rootCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "ask")
	assert.Contains(t, names, "audit")
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
