// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSpec(t *testing.T) {
	spec, err := generateSpec()
	require.NoError(t, err)

	body := string(spec)
	assert.Contains(t, body, "openapi")
	assert.Contains(t, body, "3.1")
	for _, path := range []string{
		"/api/v1/chat",
		"/api/v1/sql/validate",
		"/api/v1/tables",
		"/api/v1/status/breakers",
		"/health",
		"/health/ready",
	} {
		assert.Contains(t, body, `"`+path+`"`)
	}
}

func TestGenerateSpec_ValidJSON(t *testing.T) {
	spec, err := generateSpec()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Contains(t, doc, "paths")
}
