// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
)

// Environment selects the log output format.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Options configures the process logger.
type Options struct {
	Environment Environment
	Level       string
	Output      io.Writer
}

// Init configures the global zerolog logger. Development gets a console
// writer with caller information; production writes JSON lines.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
		if opts.Environment != Production {
			level = zerolog.DebugLevel
		}
	}

	if opts.Environment == Production {
		log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Caller().Logger().Level(level)
	}
}

// Ctx returns the logger for ctx enriched with the request's trace ids.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	traceID, spanID := telemetry.TraceIDs(ctx)
	if traceID != "" {
		l = l.With().Str("trace_id", traceID).Str("span_id", spanID).Logger()
	}
	return &l
}

// Perf emits a lightweight performance record without sensitive payloads.
// Nil values are dropped.
func Perf(ctx context.Context, event string, fields map[string]any) {
	safe := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			safe[k] = v
		}
	}
	log.Info().
		Str("event", event).
		Func(telemetry.LogTraceFields(ctx)).
		Fields(safe).
		Msg(event)
}
