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
	"fmt"
	"strings"

	"github.com/your-org/homebuying-assistant/internal/scope"
)

// SystemPrompt is sent as the system message of every completion
const SystemPrompt = "You are a home-buying assistant for consumers. Only answer from the provided context. " +
	"If the context is insufficient or the question is outside home-buying education, say you don't know " +
	"and suggest contacting the agent. Do not reveal internal systems, databases, architecture, or CRM processes. " +
	"Cite the included source titles when relevant."

const userPromptInstruction = "Answer using only the context above. If it does not cover the question, say so and " +
	"suggest contacting the agent. Do not discuss internal systems or technical implementation details."

// BuildUserPrompt renders the query and the filtered context documents
func BuildUserPrompt(query string, docs []scope.Document) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("Question: %s\n\n", query))
	prompt.WriteString("Context:\n")
	prompt.WriteString(RenderContext(docs))
	prompt.WriteString("\n\n")
	prompt.WriteString(userPromptInstruction)

	return prompt.String()
}

// RenderContext renders documents as "Title: ...\nSnippet: ..." blocks
// separated by blank lines
func RenderContext(docs []scope.Document) string {
	blocks := make([]string, len(docs))
	for i, doc := range docs {
		blocks[i] = fmt.Sprintf("Title: %s\nSnippet: %s", doc.Title, doc.Snippet)
	}
	return strings.Join(blocks, "\n\n")
}
