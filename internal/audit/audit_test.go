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

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "audit", "audit.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, Record{
		RequestID:   "req-1",
		Timestamp:   base,
		Outcome:     answer.OutcomeAnswered,
		QueryLength: 27,
		Sources:     []string{"Escrow Timeline"},
		LatencyMS:   840,
		ClientIP:    "203.0.113.7",
		Model:       "gpt-4o-mini",
		TotalTokens: 310,
	}))
	require.NoError(t, store.Record(ctx, Record{
		RequestID: "req-2",
		Timestamp: base.Add(time.Minute),
		Outcome:   answer.OutcomeNoContext,
	}))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "req-2", records[0].RequestID)
	assert.Equal(t, answer.OutcomeNoContext, records[0].Outcome)
	assert.Equal(t, []string{}, records[0].Sources)
	assert.NotEmpty(t, records[0].ID)

	first := records[1]
	assert.Equal(t, answer.OutcomeAnswered, first.Outcome)
	assert.Equal(t, []string{"Escrow Timeline"}, first.Sources)
	assert.Equal(t, 27, first.QueryLength)
	assert.Equal(t, int64(840), first.LatencyMS)
	assert.Equal(t, "203.0.113.7", first.ClientIP)
	assert.Equal(t, 310, first.TotalTokens)
	assert.True(t, base.Equal(first.Timestamp))

	limited, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Stats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, outcome := range []answer.Outcome{
		answer.OutcomeAnswered,
		answer.OutcomeAnswered,
		answer.OutcomeForbidden,
		answer.OutcomeUpstreamError,
	} {
		require.NoError(t, store.Record(ctx, Record{Outcome: outcome}))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[answer.OutcomeAnswered])
	assert.Equal(t, 1, stats[answer.OutcomeForbidden])
	assert.Equal(t, 1, stats[answer.OutcomeUpstreamError])
	assert.Equal(t, 0, stats[answer.OutcomeNoContext])

	assert.NoError(t, store.Ping(ctx))
}

func TestNewRecord(t *testing.T) {
	answered := answer.Result{
		Answer:  "During escrow...",
		Sources: []string{"Escrow Timeline"},
		Outcome: answer.OutcomeAnswered,
		Model:   "gpt-4o-mini",
		Usage:   llm.Usage{TotalTokens: 99},
		Latency: 1500 * time.Millisecond,
	}

	rec := NewRecord("req-1", 27, "203.0.113.7", answered)
	assert.Equal(t, answer.OutcomeAnswered, rec.Outcome)
	assert.Equal(t, 27, rec.QueryLength)
	assert.Equal(t, []string{"Escrow Timeline"}, rec.Sources)
	assert.Equal(t, int64(1500), rec.LatencyMS)
	assert.Equal(t, 99, rec.TotalTokens)
	assert.False(t, rec.Timestamp.IsZero())

	forbidden := answer.Result{Answer: answer.RefusalMessage, Sources: []string{}, Outcome: answer.OutcomeForbidden}
	rec = NewRecord("req-2", 40, "203.0.113.7", forbidden)
	assert.Equal(t, answer.OutcomeForbidden, rec.Outcome)
	assert.Equal(t, "req-2", rec.RequestID)
	assert.Zero(t, rec.QueryLength)
	assert.Empty(t, rec.ClientIP)
	assert.Nil(t, rec.Sources)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "VALUES ($1, $2, $3)", pg.rebind("VALUES (?, ?, ?)"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "VALUES (?, ?)", lite.rebind("VALUES (?, ?)"))
}
