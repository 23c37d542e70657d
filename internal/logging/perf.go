// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package logging

import (
	"math"
	"sync"
)

// PerfHistory is the number of latency samples kept per kind.
const PerfHistory = 50

// SampleKind names a latency series.
type SampleKind string

const (
	SampleLLM SampleKind = "llm_ms"
	SampleSQL SampleKind = "sql_ms"
)

// Counter names reported by /api/metrics.
const (
	CounterRequests        = "requests_total"
	CounterHTTPErrors      = "http_errors_total"
	CounterSlowRequests    = "slow_requests_total"
	CounterRateLimited     = "rate_limited_total"
	CounterErrors          = "errors_total"
	CounterLLMCalls        = "llm_calls_total"
	CounterSQLBlocked      = "sql_blocked_total"
	CounterPromptBlocked   = "prompt_blocked_total"
	CounterPromptTruncated = "prompt_truncated_total"
)

// PerfSnapshot is a copy of the recorder state safe to serialize.
type PerfSnapshot struct {
	LLMRecentMs []float64        `json:"llm_recent_ms"`
	SQLRecentMs []float64        `json:"sql_recent_ms"`
	LLMAvgMs    *float64         `json:"llm_avg_ms"`
	SQLAvgMs    *float64         `json:"sql_avg_ms"`
	Counters    map[string]int64 `json:"counters"`
}

// PerfRecorder keeps the most recent latency samples and request counters
// for the health and metrics endpoints.
type PerfRecorder struct {
	mu       sync.Mutex
	samples  map[SampleKind][]float64
	counters map[string]int64
}

// NewPerfRecorder creates an empty recorder.
func NewPerfRecorder() *PerfRecorder {
	return &PerfRecorder{
		samples:  make(map[SampleKind][]float64),
		counters: make(map[string]int64),
	}
}

// Record appends a sample, evicting the oldest beyond PerfHistory.
func (p *PerfRecorder) Record(kind SampleKind, ms float64) {
	if kind != SampleLLM && kind != SampleSQL {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := append(p.samples[kind], ms)
	if len(s) > PerfHistory {
		s = s[len(s)-PerfHistory:]
	}
	p.samples[kind] = s
}

// Inc increments a named counter.
func (p *PerfRecorder) Inc(name string) {
	p.mu.Lock()
	p.counters[name]++
	p.mu.Unlock()
}

// Snapshot copies the current samples, averages and counters.
func (p *PerfRecorder) Snapshot() PerfSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PerfSnapshot{
		LLMRecentMs: append([]float64{}, p.samples[SampleLLM]...),
		SQLRecentMs: append([]float64{}, p.samples[SampleSQL]...),
		Counters:    make(map[string]int64, len(p.counters)),
	}
	snap.LLMAvgMs = average(snap.LLMRecentMs)
	snap.SQLAvgMs = average(snap.SQLRecentMs)
	for k, v := range p.counters {
		snap.Counters[k] = v
	}
	return snap
}

func average(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	avg := math.Round(sum/float64(len(vals))*100) / 100
	return &avg
}
