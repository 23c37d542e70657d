// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package anthropic

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/sqlwarden/sqlwarden/internal/provider"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	return buildParams(req)
}
