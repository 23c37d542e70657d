// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"
	"github.com/sqlwarden/sqlwarden/internal/provider"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	return buildParams(req)
}
