// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfDropsNilFieldsAndAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Options{Environment: logging.Production, Level: "info", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Options{Environment: logging.Production, Level: "disabled"}) })

	ctx := telemetry.WithCorrelation(context.Background(), "trace-1", "span-1")
	logging.Perf(ctx, "llm.prompt_size", map[string]any{
		"total_chars": 120,
		"truncated":   false,
		"limit":       nil,
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "llm.prompt_size", rec["event"])
	assert.Equal(t, float64(120), rec["total_chars"])
	assert.Equal(t, false, rec["truncated"])
	assert.Equal(t, "trace-1", rec["trace_id"])
	assert.NotContains(t, rec, "limit")
}

func TestInitLevels(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Options{Environment: logging.Production, Level: "warn", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Options{Environment: logging.Production, Level: "disabled"}) })

	logging.Ctx(context.Background()).Info().Msg("hidden")
	assert.Empty(t, buf.String())

	logging.Ctx(context.Background()).Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, zerolog.WarnLevel, logging.Ctx(context.Background()).GetLevel())
}

func TestPerfRecorder_KeepsLastSamples(t *testing.T) {
	p := logging.NewPerfRecorder()
	for i := range logging.PerfHistory + 10 {
		p.Record(logging.SampleLLM, float64(i))
	}
	p.Record(logging.SampleSQL, 10)
	p.Record(logging.SampleSQL, 20)
	p.Record("unknown", 1)

	snap := p.Snapshot()
	require.Len(t, snap.LLMRecentMs, logging.PerfHistory)
	assert.Equal(t, float64(10), snap.LLMRecentMs[0])
	assert.Equal(t, float64(59), snap.LLMRecentMs[logging.PerfHistory-1])
	require.NotNil(t, snap.SQLAvgMs)
	assert.Equal(t, 15.0, *snap.SQLAvgMs)
}

func TestPerfRecorder_EmptyAveragesAreNil(t *testing.T) {
	snap := logging.NewPerfRecorder().Snapshot()
	assert.Nil(t, snap.LLMAvgMs)
	assert.Nil(t, snap.SQLAvgMs)
	assert.Empty(t, snap.LLMRecentMs)
}

func TestPerfRecorder_Counters(t *testing.T) {
	p := logging.NewPerfRecorder()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				p.Inc(logging.CounterRequests)
			}
		}()
	}
	wg.Wait()
	p.Inc(logging.CounterErrors)

	snap := p.Snapshot()
	assert.Equal(t, int64(200), snap.Counters[logging.CounterRequests])
	assert.Equal(t, int64(1), snap.Counters[logging.CounterErrors])

	// Snapshot is a copy.
	snap.Counters[logging.CounterErrors] = 99
	assert.Equal(t, int64(1), p.Snapshot().Counters[logging.CounterErrors])
}
