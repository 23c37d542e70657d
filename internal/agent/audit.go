// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// auditLogEscalationThreshold is the number of consecutive audit write
// failures after which they are logged at error level.
const auditLogEscalationThreshold = 3

// AuditEntry records one agent action.
type AuditEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	Action         string         `json:"action"`
	Actor          string         `json:"actor"`
	ConversationID string         `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
	Details        map[string]any `json:"details,omitempty"`
	Result         string         `json:"result"`
}

// Auditor persists audit entries.
type Auditor interface {
	Append(ctx context.Context, e *AuditEntry) error
}

// FileAuditor appends audit entries as JSON lines.
type FileAuditor struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// NewFileAuditor opens path for appending.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeConfigLoadReadFailure, "opening audit log %s", path)
	}
	return &FileAuditor{file: f, logger: zerolog.New(f)}, nil
}

// Append implements Auditor.
func (a *FileAuditor) Append(ctx context.Context, e *AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Log().
		Time("timestamp", e.Timestamp).
		Str("action", e.Action).
		Str("actor", e.Actor).
		Str("conversation_id", e.ConversationID).
		Str("request_id", e.RequestID).
		Func(telemetry.LogTraceFields(ctx)).
		Interface("details", e.Details).
		Str("result", e.Result).
		Send()
	return nil
}

// Close closes the underlying file.
func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// logAuditFailure logs an audit append failure at warn level, escalating
// to error once failures become persistent.
func logAuditFailure(consecutive int64, err error, action string) {
	ev := log.Warn()
	if consecutive >= auditLogEscalationThreshold {
		ev = log.Error()
	}
	ev.Err(err).Str("action", action).Int64("consecutive_failures", consecutive).Msg("audit append failed")
}
