// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

const (
	headerTraceID = "X-Trace-Id"
	headerSpanID  = "X-Span-Id"
)

// Response header values applied to every route.
const (
	hstsValue             = "max-age=63072000; includeSubDomains"
	contentSecurityPolicy = "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; script-src 'self'"
	referrerPolicy        = "strict-origin-when-cross-origin"
)

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// correlate assigns the trace and span ids used in logs and error bodies.
// Well-formed ids supplied by the caller are kept.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(headerTraceID)
		if !correlationIDPattern.MatchString(traceID) {
			traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		spanID := r.Header.Get(headerSpanID)
		if !correlationIDPattern.MatchString(spanID) {
			spanID = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		}

		w.Header().Set(headerTraceID, traceID)
		w.Header().Set(headerSpanID, spanID)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelation(r.Context(), traceID, spanID)))
	})
}

// recoverer turns a handler panic into a 500 envelope.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			logging.Ctx(r.Context()).Error().
				Interface("panic", rvr).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("handler panicked")
			writeError(w, r, http.StatusInternalServerError, wardenerr.CodeServerInternalFailure, wardenerr.MessageInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", hstsValue)
		h.Set("Referrer-Policy", referrerPolicy)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// The interactive API docs load their renderer from a CDN.
		if r.URL.Path != "/docs" {
			h.Set("Content-Security-Policy", contentSecurityPolicy)
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog records request latency in the perf log and counts slow and
// failed requests.
func (s *Server) accessLog(next http.Handler) http.Handler {
	slow := time.Duration(s.cfg.SlowRequestMs) * time.Millisecond
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
		}

		s.perf.Inc(logging.CounterRequests)
		if status >= http.StatusBadRequest {
			s.perf.Inc(logging.CounterHTTPErrors)
		}
		logging.Perf(r.Context(), "http.request", fields)

		if elapsed > slow {
			s.perf.Inc(logging.CounterSlowRequests)
			fields["threshold_ms"] = s.cfg.SlowRequestMs
			logging.Perf(r.Context(), "http.slow_request", fields)
			logging.Ctx(r.Context()).Warn().
				Str("path", r.URL.Path).
				Dur("elapsed", elapsed).
				Msg("slow request")
		}
	})
}

// limitPayload rejects bodies larger than limit with a 413. The body is
// buffered so handlers read it as usual.
func limitPayload(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				tooLarge(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			_ = r.Body.Close()
			if err != nil {
				writeError(w, r, http.StatusBadRequest, wardenerr.CodeServerRequestInvalid, "could not read request body")
				return
			}
			if int64(len(body)) > limit {
				tooLarge(w, r)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

func tooLarge(w http.ResponseWriter, r *http.Request) {
	logging.Ctx(r.Context()).Warn().Int64("content_length", r.ContentLength).Msg("payload too large")
	writeError(w, r, http.StatusRequestEntityTooLarge, wardenerr.CodeServerPayloadTooLarge, "Payload too large")
}
