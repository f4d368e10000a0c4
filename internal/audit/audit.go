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

// Package audit keeps a trail of answered requests: outcome, size, sources
// and latency. Query text is never stored.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Record is one audited request
type Record struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Outcome     answer.Outcome `json:"outcome"`
	QueryLength int            `json:"query_length"`
	Sources     []string       `json:"sources"`
	LatencyMS   int64          `json:"latency_ms"`
	ClientIP    string         `json:"client_ip,omitempty"`
	Model       string         `json:"model,omitempty"`
	TotalTokens int            `json:"total_tokens,omitempty"`
}

// NewRecord builds an audit record for result. Refused technical queries
// keep only the outcome and timestamp.
func NewRecord(requestID string, queryLength int, clientIP string, result answer.Result) Record {
	rec := Record{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Outcome:   result.Outcome,
	}
	if result.Outcome == answer.OutcomeForbidden {
		return rec
	}

	rec.QueryLength = queryLength
	rec.Sources = result.Sources
	rec.LatencyMS = result.Latency.Milliseconds()
	rec.ClientIP = clientIP
	rec.Model = result.Model
	rec.TotalTokens = result.Usage.TotalTokens
	return rec
}

// Recorder persists audit records
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Config holds audit storage configuration
type Config struct {
	Driver string
	DSN    string
}

// Store writes audit records to sqlite or postgres
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
	mu     sync.Mutex
}

var schemas = map[string]string{
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS answer_audit (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			timestamp DATETIME NOT NULL,
			outcome TEXT NOT NULL,
			query_length INTEGER,
			sources TEXT,
			latency_ms INTEGER,
			client_ip TEXT,
			model TEXT,
			total_tokens INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_answer_audit_timestamp ON answer_audit(timestamp);
	`,
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS answer_audit (
			id UUID PRIMARY KEY,
			request_id TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			query_length INTEGER,
			sources TEXT,
			latency_ms BIGINT,
			client_ip TEXT,
			model TEXT,
			total_tokens INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_answer_audit_timestamp ON answer_audit(timestamp);
	`,
}

// Open connects to the audit database and creates the table if needed
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	schema, ok := schemas[config.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported audit driver: %s", config.Driver)
	}

	if config.Driver == DriverSQLite {
		dir := filepath.Dir(config.DSN)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create audit database directory: %w", err)
		}
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	logger.Info("Audit store initialized", zap.String("driver", config.Driver))

	return &Store{db: db, driver: config.Driver, logger: logger}, nil
}

// Record inserts rec, assigning an id and timestamp when missing
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	sources, err := json.Marshal(nonNil(rec.Sources))
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	insertSQL := s.rebind(`
		INSERT INTO answer_audit (id, request_id, timestamp, outcome, query_length, sources, latency_ms, client_ip, model, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, insertSQL,
		rec.ID,
		rec.RequestID,
		rec.Timestamp,
		string(rec.Outcome),
		rec.QueryLength,
		string(sources),
		rec.LatencyMS,
		rec.ClientIP,
		rec.Model,
		rec.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	s.logger.Debug("Audit record stored",
		zap.String("id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
	)
	return nil
}

// Recent returns up to limit records, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := s.rebind(`
		SELECT id, request_id, timestamp, outcome, query_length, sources, latency_ms, client_ip, model, total_tokens
		FROM answer_audit
		ORDER BY timestamp DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		var outcome string
		var requestID, sources, clientIP, model sql.NullString
		var queryLength, totalTokens sql.NullInt64
		var latency sql.NullInt64

		if err := rows.Scan(
			&rec.ID,
			&requestID,
			&rec.Timestamp,
			&outcome,
			&queryLength,
			&sources,
			&latency,
			&clientIP,
			&model,
			&totalTokens,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}

		rec.RequestID = requestID.String
		rec.Outcome = answer.Outcome(outcome)
		rec.QueryLength = int(queryLength.Int64)
		rec.LatencyMS = latency.Int64
		rec.ClientIP = clientIP.String
		rec.Model = model.String
		rec.TotalTokens = int(totalTokens.Int64)
		rec.Sources = []string{}
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &rec.Sources); err != nil {
				return nil, fmt.Errorf("failed to decode sources for %s: %w", rec.ID, err)
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}

	return records, nil
}

// Stats returns record counts per outcome
func (s *Store) Stats(ctx context.Context) (map[answer.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM answer_audit GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[answer.Outcome]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats[answer.Outcome(outcome)] = count
	}
	return stats, rows.Err()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
