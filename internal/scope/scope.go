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

// Package scope keeps the home buying assistant on topic. It holds the
// forbidden keyword gate applied to buyer queries and the allow-list filter
// applied to caller-supplied context documents. Both entry points share a
// single Policy so their keyword lists cannot drift apart.
package scope

import (
	"strings"
)

var (
	// DefaultAllowedTopics are lowercase title substrings of buyer-education documents
	DefaultAllowedTopics = []string{
		"home buying process",
		"escrow timeline",
		"escrow",
		"closing process",
		"closing costs",
		"making an offer",
		"offer",
		"home inspection",
		"inspection",
		"appraisal",
		"mortgage",
		"pre-approval",
		"preapproval",
		"contingenc",
		"earnest money",
		"down payment",
		"first-time buyer",
		"title insurance",
		"final walkthrough",
	}

	// DefaultForbiddenKeywords are lowercase substrings of technical or internal vocabulary
	DefaultForbiddenKeywords = []string{
		"database",
		"schema",
		"api",
		"backend",
		"supabase",
		"sql",
		"server",
		"architecture",
		"crm",
		"infrastructure",
		"source code",
		"system prompt",
		"endpoint",
	}
)

const (
	// StrictMaxContextItems caps context documents in the integrated function variant
	StrictMaxContextItems = 5
)

// Document is one candidate piece of retrieval material. Valid is false when
// the caller sent a title or snippet that was not a string.
type Document struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Valid   bool   `json:"-"`
}

// NewDocument returns a valid document
func NewDocument(title, snippet string) Document {
	return Document{Title: title, Snippet: snippet, Valid: true}
}

// Policy holds the allow-list, the forbidden keyword list and the context cap.
// A Policy is immutable once built; use NewPolicy to construct one.
type Policy struct {
	allowedTopics     []string
	forbiddenKeywords []string
	maxContextItems   int
}

// NewPolicy builds a Policy. Empty lists fall back to the defaults and every
// entry is lower-cased. maxContextItems <= 0 means no cap.
func NewPolicy(allowedTopics, forbiddenKeywords []string, maxContextItems int) *Policy {
	if len(allowedTopics) == 0 {
		allowedTopics = DefaultAllowedTopics
	}
	if len(forbiddenKeywords) == 0 {
		forbiddenKeywords = DefaultForbiddenKeywords
	}
	if maxContextItems < 0 {
		maxContextItems = 0
	}

	return &Policy{
		allowedTopics:     normalize(allowedTopics),
		forbiddenKeywords: normalize(forbiddenKeywords),
		maxContextItems:   maxContextItems,
	}
}

// DefaultPolicy returns the default lists with the strict context cap
func DefaultPolicy() *Policy {
	return NewPolicy(nil, nil, StrictMaxContextItems)
}

// AllowedTopics returns a copy of the allow-list
func (p *Policy) AllowedTopics() []string {
	return append([]string(nil), p.allowedTopics...)
}

// ForbiddenKeywords returns a copy of the forbidden keyword list
func (p *Policy) ForbiddenKeywords() []string {
	return append([]string(nil), p.forbiddenKeywords...)
}

// MaxContextItems returns the context cap, 0 meaning unlimited
func (p *Policy) MaxContextItems() int {
	return p.maxContextItems
}

// IsForbidden reports whether the query contains any forbidden keyword.
// Matching is case-insensitive and substring based, so "apikey" and
// "rapid" both hit "api".
func (p *Policy) IsForbidden(query string) bool {
	_, found := p.MatchForbidden(query)
	return found
}

// MatchForbidden returns the first forbidden keyword contained in the query
func (p *Policy) MatchForbidden(query string) (string, bool) {
	queryLower := strings.ToLower(query)
	for _, keyword := range p.forbiddenKeywords {
		if strings.Contains(queryLower, keyword) {
			return keyword, true
		}
	}
	return "", false
}

// IsAllowedTitle reports whether a document title matches the allow-list
func (p *Policy) IsAllowedTitle(title string) bool {
	if title == "" {
		return false
	}
	titleLower := strings.ToLower(title)
	for _, topic := range p.allowedTopics {
		if strings.Contains(titleLower, topic) {
			return true
		}
	}
	return false
}

// Filter returns the allow-listed documents in input order, truncated to the
// context cap. Invalid documents and documents with non-matching titles are
// dropped without error. The result is never nil.
func (p *Policy) Filter(docs []Document) []Document {
	filtered := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if p.maxContextItems > 0 && len(filtered) >= p.maxContextItems {
			break
		}
		if !doc.Valid || !p.IsAllowedTitle(doc.Title) {
			continue
		}
		filtered = append(filtered, doc)
	}
	return filtered
}

// Titles returns the titles of the given documents
func Titles(docs []Document) []string {
	titles := make([]string, len(docs))
	for i, doc := range docs {
		titles[i] = doc.Title
	}
	return titles
}

// normalize lower-cases and trims entries, dropping blanks
func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
