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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/your-org/homebuying-assistant/internal/resilience"
	"github.com/your-org/homebuying-assistant/internal/scope"
)

// Mode selects how strictly request bodies are validated
type Mode string

const (
	// ModeStrict requires context to be present and an array
	ModeStrict Mode = "strict"
	// ModeLenient defaults a missing or malformed context to an empty list
	ModeLenient Mode = "lenient"
)

// Request is a validated buyer question with its candidate context
type Request struct {
	Query   string
	Context []scope.Document
}

// ParseRequest checks the method and body of a chat request. Failures are
// returned as *resilience.ServiceError carrying the status to respond with.
func ParseRequest(method string, body []byte, mode Mode) (*Request, error) {
	if method != http.MethodPost {
		return nil, resilience.NewMethodNotAllowedError()
	}

	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, resilience.NewBadRequestError(resilience.MessageInvalidJSON, err)
		}
	}

	var query string
	rawQuery, ok := fields["query"]
	if !ok || json.Unmarshal(rawQuery, &query) != nil || strings.TrimSpace(query) == "" {
		return nil, resilience.NewBadRequestError(resilience.MessageQueryRequired, nil)
	}

	docs, err := parseContext(fields["context"], mode)
	if err != nil {
		return nil, err
	}

	return &Request{Query: query, Context: docs}, nil
}

// parseContext decodes the context array. Elements that are not objects or
// whose title and snippet are not strings come back with Valid false.
func parseContext(raw json.RawMessage, mode Mode) ([]scope.Document, error) {
	var items []json.RawMessage
	if !isJSONArray(raw) || json.Unmarshal(raw, &items) != nil {
		if mode == ModeStrict {
			return nil, resilience.NewBadRequestError(resilience.MessageContextNotArray, nil)
		}
		return []scope.Document{}, nil
	}

	docs := make([]scope.Document, 0, len(items))
	for _, item := range items {
		docs = append(docs, parseDocument(item))
	}
	return docs, nil
}

func parseDocument(raw json.RawMessage) scope.Document {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return scope.Document{}
	}

	var title, snippet string
	rawTitle, hasTitle := fields["title"]
	rawSnippet, hasSnippet := fields["snippet"]
	if !hasTitle || !hasSnippet ||
		json.Unmarshal(rawTitle, &title) != nil ||
		json.Unmarshal(rawSnippet, &snippet) != nil ||
		isJSONNull(rawTitle) || isJSONNull(rawSnippet) {
		return scope.Document{Title: title, Snippet: snippet}
	}

	return scope.NewDocument(title, snippet)
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// String describes the request without its query text
func (r *Request) String() string {
	return fmt.Sprintf("Request{query_length=%d, context_items=%d}", len(r.Query), len(r.Context))
}
