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

package answer

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/homebuying-assistant/internal/resilience"
	"github.com/your-org/homebuying-assistant/internal/scope"
)

func TestParseRequest_Errors(t *testing.T) {
	tests := []struct {
		name            string
		method          string
		body            string
		mode            Mode
		expectedStatus  int
		expectedMessage string
	}{
		{
			name:            "wrong method",
			method:          http.MethodGet,
			body:            `{"query": "What is escrow?", "context": []}`,
			mode:            ModeStrict,
			expectedStatus:  http.StatusMethodNotAllowed,
			expectedMessage: "Method not allowed",
		},
		{
			name:            "missing query",
			method:          http.MethodPost,
			body:            `{"context": []}`,
			mode:            ModeStrict,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Query is required",
		},
		{
			name:            "blank query",
			method:          http.MethodPost,
			body:            `{"query": "   ", "context": []}`,
			mode:            ModeLenient,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Query is required",
		},
		{
			name:            "null query",
			method:          http.MethodPost,
			body:            `{"query": null}`,
			mode:            ModeLenient,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Query is required",
		},
		{
			name:            "numeric query",
			method:          http.MethodPost,
			body:            `{"query": 42}`,
			mode:            ModeLenient,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Query is required",
		},
		{
			name:            "empty body",
			method:          http.MethodPost,
			body:            ``,
			mode:            ModeLenient,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Query is required",
		},
		{
			name:            "malformed json",
			method:          http.MethodPost,
			body:            `{"query": "escrow"`,
			mode:            ModeLenient,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Invalid JSON body",
		},
		{
			name:            "strict missing context",
			method:          http.MethodPost,
			body:            `{"query": "What is escrow?"}`,
			mode:            ModeStrict,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Context must be an array",
		},
		{
			name:            "strict object context",
			method:          http.MethodPost,
			body:            `{"query": "What is escrow?", "context": {"title": "Escrow Timeline"}}`,
			mode:            ModeStrict,
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Context must be an array",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.method, []byte(tt.body), tt.mode)
			require.Error(t, err)
			assert.Nil(t, req)

			var serviceErr *resilience.ServiceError
			require.True(t, resilience.AsServiceError(err, &serviceErr))
			assert.Equal(t, tt.expectedStatus, serviceErr.StatusCode)
			assert.Equal(t, tt.expectedMessage, serviceErr.Message)
		})
	}
}

func TestParseRequest_LenientContextDefaults(t *testing.T) {
	bodies := []string{
		`{"query": "What is escrow?"}`,
		`{"query": "What is escrow?", "context": null}`,
		`{"query": "What is escrow?", "context": "Escrow Timeline"}`,
	}

	for _, body := range bodies {
		req, err := ParseRequest(http.MethodPost, []byte(body), ModeLenient)
		require.NoError(t, err, body)
		assert.Equal(t, "What is escrow?", req.Query)
		assert.NotNil(t, req.Context)
		assert.Empty(t, req.Context)
	}
}

func TestParseRequest_ContextDocuments(t *testing.T) {
	body := `{
		"query": "What happens during escrow?",
		"context": [
			{"title": "Escrow Timeline", "snippet": "Open escrow; earnest money; appraisal..."},
			{"title": 7, "snippet": "numeric title"},
			{"title": "Closing Process", "snippet": null},
			{"snippet": "no title"},
			"not an object",
			null
		]
	}`

	req, err := ParseRequest(http.MethodPost, []byte(body), ModeStrict)
	require.NoError(t, err)
	require.Len(t, req.Context, 6)

	assert.Equal(t, scope.NewDocument("Escrow Timeline", "Open escrow; earnest money; appraisal..."), req.Context[0])
	for _, doc := range req.Context[1:] {
		assert.False(t, doc.Valid)
	}
}

func TestRequestString(t *testing.T) {
	req := &Request{Query: "secret question", Context: []scope.Document{scope.NewDocument("a", "b")}}
	assert.Equal(t, "Request{query_length=15, context_items=1}", req.String())
	assert.NotContains(t, req.String(), "secret")
}
