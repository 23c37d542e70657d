// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAuditor_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := agent.NewFileAuditor(path)
	require.NoError(t, err)

	ctx := context.Background()
	for _, action := range []string{"tool_dispatch", "agent_loop.message"} {
		require.NoError(t, a.Append(ctx, &agent.AuditEntry{
			Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Action:         action,
			Actor:          "ada@example.com",
			ConversationID: "conv-1",
			RequestID:      "req-1",
			Details:        map[string]any{"rows": 3},
			Result:         "ok",
		}))
	}
	require.NoError(t, a.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "tool_dispatch", lines[0]["action"])
	assert.Equal(t, "ada@example.com", lines[0]["actor"])
	assert.Equal(t, "conv-1", lines[0]["conversation_id"])
	assert.Equal(t, "ok", lines[0]["result"])
	assert.Equal(t, map[string]any{"rows": float64(3)}, lines[0]["details"])
	assert.Equal(t, "agent_loop.message", lines[1]["action"])
}

func TestNewFileAuditor_BadPath(t *testing.T) {
	_, err := agent.NewFileAuditor(filepath.Join(t.TempDir(), "missing", "audit.log"))
	assert.Error(t, err)
}
